package flow

import "time"

// StepResult is the per-step record inside a run.
type StepResult struct {
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       *Error         `json:"error,omitempty"`

	// Attempts counts handler invocations. Zero for steps that were
	// never dispatched (canceled while pending).
	Attempts int `json:"attempts"`

	// DurationMs measures the successful (or final failed) attempt.
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Run is the persisted record of one workflow execution.
//
// A run is created once, transitioned through the state machine, and
// written back to the run store on every transition. Provenance and
// attestation ids are set exactly once, on successful completion.
type Run struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`

	Scope Scope `json:"scope,omitempty"`

	Status RunStatus `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// StepResults maps step id to its result, pre-populated as pending
	// in execution order when the run is created.
	StepResults map[string]*StepResult `json:"stepResults"`

	// Inputs are the run-level inputs supplied at creation.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Error is the run-level error when Status is failed.
	Error *Error `json:"error,omitempty"`

	// DeterminismGrade is the achieved grade, set on success.
	DeterminismGrade DeterminismGrade `json:"determinismGrade,omitempty"`

	ProvenanceID  string `json:"provenanceId,omitempty"`
	AttestationID string `json:"attestationId,omitempty"`

	// Cancellation metadata, set when a cancel was requested.
	CanceledBy   string `json:"canceledBy,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`
}
