// Package flow provides the core compiler and execution engine for Bilko
// deterministic workflows.
package flow

import "fmt"

// Stable, namespaced error codes. The prefix identifies which layer produced
// the error; the full code is frozen within a major version so agents can
// branch on it programmatically.
const (
	// VALIDATION.*: schema, graph, or handler-contract failures detected
	// before execution. Never retryable.
	CodeValidationMissingField    = "VALIDATION.MISSING_FIELD"
	CodeValidationInvalidField    = "VALIDATION.INVALID_FIELD"
	CodeValidationSpecVersion     = "VALIDATION.SPEC_VERSION"
	CodeValidationDuplicateStep   = "VALIDATION.DUPLICATE_STEP_ID"
	CodeValidationUnknownDep      = "VALIDATION.UNKNOWN_DEPENDENCY"
	CodeValidationSelfDependency  = "VALIDATION.SELF_DEPENDENCY"
	CodeValidationCycleDetected   = "VALIDATION.CYCLE_DETECTED"
	CodeValidationUnreachableStep = "VALIDATION.UNREACHABLE_STEP"
	CodeValidationEntryStep       = "VALIDATION.ENTRY_STEP"
	CodeValidationPolicy          = "VALIDATION.POLICY"
	CodeValidationHandlerContract = "VALIDATION.HANDLER_CONTRACT"
	CodeValidationNotFound        = "VALIDATION.NOT_FOUND"

	// WORKFLOW.*: workflow-level failures. Never retryable.
	CodeWorkflowCompilation          = "WORKFLOW.COMPILATION"
	CodeWorkflowDeterminismViolation = "WORKFLOW.DETERMINISM_VIOLATION"
	CodeWorkflowAlreadyRunning       = "WORKFLOW.ALREADY_RUNNING"

	// RUN.*: run lifecycle failures.
	CodeRunInvalidTransition = "RUN.INVALID_TRANSITION"
	CodeRunNotFound          = "RUN.NOT_FOUND"
	CodeRunCanceled          = "RUN.CANCELED"
	CodeRunTimeout           = "RUN.TIMEOUT"

	// STEP.*: per-step execution failures.
	CodeStepInvalidTransition    = "STEP.INVALID_TRANSITION"
	CodeStepHTTPTimeout          = "STEP.HTTP.TIMEOUT"
	CodeStepExternalAPITransient = "STEP.EXTERNAL_API.TRANSIENT"
	CodeStepExternalAPIConfig    = "STEP.EXTERNAL_API.CONFIG"
	CodeStepNonRetryable         = "STEP.NON_RETRYABLE"
	CodeStepExecutionError       = "STEP.EXECUTION_ERROR"
	CodeStepNoHandler            = "STEP.NO_HANDLER"
	CodeStepUnknownFailure       = "STEP.UNKNOWN_FAILURE"

	// SECRETS.*: secret resolution failures. Never retryable.
	CodeSecretsMissing = "SECRETS.MISSING"

	// RATE_LIMIT.*: throttling. Retryable after details.retryAfterMs.
	CodeRateLimitExceeded = "RATE_LIMIT.EXCEEDED"

	// PLANNER.*: planner protocol failures.
	CodePlannerLLMParse        = "PLANNER.LLM_PARSE"
	CodePlannerLLMProvider     = "PLANNER.LLM_PROVIDER"
	CodePlannerVersionMismatch = "PLANNER.VERSION_MISMATCH"
	CodePlannerVersionConflict = "PLANNER.VERSION_CONFLICT"
)

// SuggestedFix is a machine-actionable repair hint attached to an Error.
//
// Fixes are keyed by Type so planners and repair agents can apply them
// without parsing prose. Params carries whatever structured data the fix
// type needs (e.g. the list of allowed enum values, or the step id to
// remove).
type SuggestedFix struct {
	// Type identifies the fix action, e.g. "remove-dependency",
	// "set-field", "increase-timeout", "use-allowed-value".
	Type string `json:"type"`

	// Params contains fix-specific structured data.
	Params map[string]any `json:"params,omitempty"`

	// Description is an optional human-readable summary of the fix.
	Description string `json:"description,omitempty"`
}

// Error is the typed error value used throughout the engine.
//
// Errors are values, not panics: validation and compilation return them in
// result objects, step failures are captured in per-step results, and only
// the run-level outcome surfaces them to callers. Every Error carries a
// stable Code from the taxonomy above, a Retryable flag the step runner
// honors, and zero or more SuggestedFixes for agent-driven repair loops.
type Error struct {
	// Code is the stable namespaced error code.
	Code string `json:"code"`

	// Message is a human-readable description. Messages built from
	// upstream text must pass through MaskSecrets before being stored.
	Message string `json:"message"`

	// Retryable reports whether retrying the same operation may succeed.
	Retryable bool `json:"retryable"`

	// StepID identifies the step that produced the error, when relevant.
	StepID string `json:"stepId,omitempty"`

	// RunID identifies the run the error belongs to, when relevant.
	RunID string `json:"runId,omitempty"`

	// Details carries machine-readable context (status codes, current and
	// target states, retry-after hints).
	Details map[string]any `json:"details,omitempty"`

	// SuggestedFixes lists machine-actionable repair hints.
	SuggestedFixes []SuggestedFix `json:"suggestedFixes,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StepID != "" {
		return e.Code + ": step " + e.StepID + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// WithStep returns a copy of the error bound to the given step id.
func (e *Error) WithStep(stepID string) *Error {
	c := *e
	c.StepID = stepID
	return &c
}

// WithRun returns a copy of the error bound to the given run id.
func (e *Error) WithRun(runID string) *Error {
	c := *e
	c.RunID = runID
	return &c
}

// Clone returns a deep copy of the error. Stored run records hold error
// snapshots; cloning keeps the store's deep-copy contract intact.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	if e.SuggestedFixes != nil {
		c.SuggestedFixes = make([]SuggestedFix, len(e.SuggestedFixes))
		copy(c.SuggestedFixes, e.SuggestedFixes)
	}
	return &c
}

// NewError creates a non-retryable typed error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewRetryableError creates a retryable typed error.
func NewRetryableError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// Errorf creates a non-retryable typed error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NonRetryableError is the signal a step handler returns (or wraps) to tell
// the step runner "do not retry". The runner converts it into a typed
// STEP.NON_RETRYABLE error without consuming the remaining attempts.
//
// Example:
//
//	func (h *lookupHandler) Execute(ctx context.Context, step flow.CompiledStep, sc *flow.StepContext) (map[string]any, error) {
//	    resp, err := h.fetch(ctx, step.Inputs)
//	    if resp.StatusCode == 404 {
//	        return nil, &flow.NonRetryableError{StatusCode: 404, Message: "record does not exist"}
//	    }
//	    ...
//	}
type NonRetryableError struct {
	// Message describes the failure.
	Message string

	// StatusCode optionally carries an upstream HTTP status code.
	StatusCode int
}

// Error implements the error interface.
func (e *NonRetryableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("non-retryable (%d): %s", e.StatusCode, e.Message)
	}
	return "non-retryable: " + e.Message
}

// ErrorFromHTTPStatus builds a typed error for an upstream HTTP status
// code: 429 and 5xx become retryable STEP.EXTERNAL_API.TRANSIENT; 400,
// 401, 403 and 404 become STEP.EXTERNAL_API.CONFIG. Handlers wrapping
// external APIs use this so every vendor failure lands in the same
// taxonomy.
func ErrorFromHTTPStatus(status int, message string) *Error {
	code, retryable := classifyHTTPStatus(status)
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Details:   map[string]any{"statusCode": status},
	}
}

// classifyHTTPStatus maps an upstream HTTP status code to the external-API
// error taxonomy. 429 and 5xx are transient (retryable); 400, 401, 403 and
// 404 require a configuration change.
func classifyHTTPStatus(status int) (code string, retryable bool) {
	switch {
	case status == 429 || status >= 500:
		return CodeStepExternalAPITransient, true
	case status == 400 || status == 401 || status == 403 || status == 404:
		return CodeStepExternalAPIConfig, false
	default:
		return CodeStepExecutionError, true
	}
}
