// Package steps provides the builtin step handler pack: pure transforms
// and an HTTP client step.
//
// These handlers are plug-ins like any other; the engine has no special
// knowledge of them. They exist so a workflow can do useful work out of
// the box and so the input-contract and non-retryable mechanics have
// first-party exercisers.
package steps

import "github.com/dshills/bilko-go/flow"

// RegisterAll registers the builtin handlers in the given registry.
func RegisterAll(registry *flow.HandlerRegistry) {
	registry.Register(NewMapHandler())
	registry.Register(NewTemplateHandler())
	registry.Register(NewHTTPHandler())
}

// RegisterDefaults registers the builtin handlers in the process-wide
// registry.
func RegisterDefaults() {
	flow.RegisterStepHandler(NewMapHandler())
	flow.RegisterStepHandler(NewTemplateHandler())
	flow.RegisterStepHandler(NewHTTPHandler())
}
