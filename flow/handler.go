package flow

import (
	"context"
	"sort"
	"sync"
)

// StepContext is the execution context handed to a step handler.
type StepContext struct {
	// RunID identifies the run the step executes in.
	RunID string

	// Scope carries the tenant context, when present.
	Scope Scope

	// Secrets maps secret names to resolved values. Handlers must never
	// copy secret values into outputs or error messages; the runner masks
	// error text defensively, outputs are the handler's responsibility.
	Secrets map[string]string

	// Upstream maps dependency step ids to their output maps.
	Upstream map[string]map[string]any

	// IsCanceled reports whether cancellation has been requested for the
	// run. It is a live read: each call consults the shared cancellation
	// signal, never a snapshot taken at context construction.
	IsCanceled func() bool

	// notifyRetry, when set, observes each retry decision (the attempt
	// number that just failed). The executor uses it to transcribe
	// retried entries.
	notifyRetry func(attempt int)
}

// Field types an input contract may require.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldObject  = "object"
	FieldArray   = "array"
)

// InputField constrains one field of a step's inputs.
type InputField struct {
	// Name is the input key.
	Name string

	// Required rejects steps that omit the field.
	Required bool

	// Type, when set, is one of the Field* constants.
	Type string

	// Enum, when non-empty, restricts the field to the listed values.
	Enum []any

	// EnumFunc lazily resolves the allowed values at compile time
	// (e.g. "the models this deployment can reach"). Takes precedence
	// over Enum when set.
	EnumFunc func() []any
}

// AllowedValues resolves the enum constraint, preferring EnumFunc.
// Returns nil when the field is unconstrained.
func (f *InputField) AllowedValues() []any {
	if f.EnumFunc != nil {
		return f.EnumFunc()
	}
	return f.Enum
}

// InputContract declares the compile-time constraints a handler places on
// step inputs. The compiler checks every step of the handler's type against
// it; violations reject the workflow before anything runs.
type InputContract struct {
	Fields []InputField
}

// StepHandler executes steps of one registered type.
//
// Handlers are plug-ins: the engine knows nothing about what a step does
// beyond this contract. A handler that cannot succeed regardless of
// retries returns *NonRetryableError; any other error is retried up to
// the step's MaxAttempts.
type StepHandler interface {
	// Type returns the step type this handler executes
	// (e.g. "transform.map").
	Type() string

	// Execute runs one attempt of the step. ctx is bounded by the step's
	// timeout. The returned map becomes the step's outputs.
	Execute(ctx context.Context, step CompiledStep, sc *StepContext) (map[string]any, error)

	// InputContract returns the compile-time constraints on step inputs,
	// or nil when the handler accepts anything.
	InputContract() *InputContract
}

// PreflightValidator is the optional probe interface a handler may
// implement to verify reachability of whatever it wraps before a plan is
// executed (e.g. "is this model deployed?"). ValidateHandlers invokes it;
// compilation does not.
type PreflightValidator interface {
	Preflight(ctx context.Context, step CompiledStep) error
}

// HandlerRegistry is a concurrency-safe mapping from step type to handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewHandlerRegistry creates an empty registry. Tests that need isolation
// from the process-wide registry should construct their own and pass it
// via ExecutorOptions.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]StepHandler)}
}

// Register adds or replaces the handler for its declared type.
func (r *HandlerRegistry) Register(h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for a step type, or nil.
func (r *HandlerRegistry) Get(stepType string) StepHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stepType]
}

// Types returns the registered step types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Reset removes all registered handlers. Test hook.
func (r *HandlerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]StepHandler)
}

// defaultRegistry is the process-wide registry used when ExecutorOptions
// does not supply one. Its lifecycle spans process init to exit.
var defaultRegistry = NewHandlerRegistry()

// RegisterStepHandler registers a handler in the process-wide registry.
func RegisterStepHandler(h StepHandler) {
	defaultRegistry.Register(h)
}

// GetStepHandler returns the process-wide handler for a step type, or nil.
func GetStepHandler(stepType string) StepHandler {
	return defaultRegistry.Get(stepType)
}

// GetRegisteredHandlers returns the step types registered process-wide.
func GetRegisteredHandlers() []string {
	return defaultRegistry.Types()
}

// ResetStepHandlers clears the process-wide registry. Test hook.
func ResetStepHandlers() {
	defaultRegistry.Reset()
}
