package steps

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/dshills/bilko-go/flow"
)

// MapHandler executes "transform.map" steps: it builds the step's outputs
// from a declared mapping, resolving upstream references.
//
// Inputs:
//   - mapping (required, object): output key -> value. A string value of
//     the form "$stepId.field" resolves to that field of the named
//     upstream step's outputs; any other value passes through verbatim.
//
// Outputs: the resolved mapping.
//
// The step is a pure function of its inputs and upstream outputs, so
// transform.map steps are compatible with the pure determinism grade.
type MapHandler struct{}

// NewMapHandler creates the transform.map handler.
func NewMapHandler() *MapHandler {
	return &MapHandler{}
}

// Type implements flow.StepHandler.
func (h *MapHandler) Type() string { return "transform.map" }

// InputContract implements flow.StepHandler.
func (h *MapHandler) InputContract() *flow.InputContract {
	return &flow.InputContract{
		Fields: []flow.InputField{
			{Name: "mapping", Required: true, Type: flow.FieldObject},
		},
	}
}

// Execute implements flow.StepHandler.
func (h *MapHandler) Execute(_ context.Context, step flow.CompiledStep, sc *flow.StepContext) (map[string]any, error) {
	mapping, ok := step.Inputs["mapping"].(map[string]any)
	if !ok {
		return nil, &flow.NonRetryableError{Message: "mapping input must be an object"}
	}

	outputs := make(map[string]any, len(mapping))
	for key, value := range mapping {
		resolved, err := resolveReference(value, sc)
		if err != nil {
			return nil, &flow.NonRetryableError{Message: err.Error()}
		}
		outputs[key] = resolved
	}
	return outputs, nil
}

// resolveReference resolves "$stepId.field" strings against upstream
// outputs; everything else passes through.
func resolveReference(value any, sc *flow.StepContext) (any, error) {
	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return value, nil
	}
	parts := strings.SplitN(ref[1:], ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid reference %q: want $stepId.field", ref)
	}
	upstream, ok := sc.Upstream[parts[0]]
	if !ok {
		return nil, fmt.Errorf("reference %q names step %q, which is not an upstream dependency", ref, parts[0])
	}
	field, ok := upstream[parts[1]]
	if !ok {
		return nil, fmt.Errorf("reference %q names field %q, which step %q did not output", ref, parts[1], parts[0])
	}
	return field, nil
}

// TemplateHandler executes "transform.template" steps: it renders a Go
// text/template over the step's variables and upstream outputs.
//
// Inputs:
//   - template (required, string): the template source.
//   - vars (optional, object): values exposed as {{.vars.name}}.
//
// Upstream outputs are exposed as {{.upstream.stepId.field}}.
//
// Outputs:
//   - rendered (string): the rendered text.
type TemplateHandler struct{}

// NewTemplateHandler creates the transform.template handler.
func NewTemplateHandler() *TemplateHandler {
	return &TemplateHandler{}
}

// Type implements flow.StepHandler.
func (h *TemplateHandler) Type() string { return "transform.template" }

// InputContract implements flow.StepHandler.
func (h *TemplateHandler) InputContract() *flow.InputContract {
	return &flow.InputContract{
		Fields: []flow.InputField{
			{Name: "template", Required: true, Type: flow.FieldString},
			{Name: "vars", Type: flow.FieldObject},
		},
	}
}

// Execute implements flow.StepHandler.
func (h *TemplateHandler) Execute(_ context.Context, step flow.CompiledStep, sc *flow.StepContext) (map[string]any, error) {
	source, ok := step.Inputs["template"].(string)
	if !ok {
		return nil, &flow.NonRetryableError{Message: "template input must be a string"}
	}

	tmpl, err := template.New(step.ID).Parse(source)
	if err != nil {
		return nil, &flow.NonRetryableError{Message: fmt.Sprintf("invalid template: %v", err)}
	}

	data := map[string]any{
		"vars":     step.Inputs["vars"],
		"upstream": sc.Upstream,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, &flow.NonRetryableError{Message: fmt.Sprintf("template execution failed: %v", err)}
	}

	return map[string]any{"rendered": buf.String()}, nil
}
