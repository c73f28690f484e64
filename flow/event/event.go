// Package event provides the versioned lifecycle event model and the
// data-plane publisher that persists events and fans them out to
// in-process subscribers.
package event

import "time"

// SchemaVersion is the event schema version stamped on every published
// event. New optional fields may be added in minor versions; existing
// field meanings are frozen.
const SchemaVersion = "1.0.0"

// Lifecycle event types. The set is closed; consumers may rely on it.
const (
	TypeRunCreated   = "run.created"
	TypeRunQueued    = "run.queued"
	TypeRunStarted   = "run.started"
	TypeRunSucceeded = "run.succeeded"
	TypeRunFailed    = "run.failed"
	TypeRunCanceled  = "run.canceled"

	TypeStepPending   = "step.pending"
	TypeStepStarted   = "step.started"
	TypeStepSucceeded = "step.succeeded"
	TypeStepFailed    = "step.failed"
	TypeStepCanceled  = "step.canceled"

	TypeArtifactCreated    = "artifact.created"
	TypeAttestationIssued  = "attestation.issued"
	TypeProvenanceRecorded = "provenance.recorded"
)

// Scope identifies the tenant context an event (or run, or store lookup)
// belongs to. The zero Scope means library mode: no tenancy, no filtering.
type Scope struct {
	TenantID  string `json:"tenantId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// IsZero reports whether the scope carries no tenant fields.
func (s Scope) IsZero() bool {
	return s.TenantID == "" && s.ProjectID == ""
}

// Event is a single immutable lifecycle event.
//
// Events about the same run id are delivered to subscribers in the order
// they were published. Cross-run ordering is unspecified.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is one of the Type* constants.
	Type string `json:"type"`

	// SchemaVersion is the event schema version ("1.0.0").
	SchemaVersion string `json:"schemaVersion"`

	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Scope carries the tenant context, when present.
	Scope Scope `json:"scope,omitempty"`

	// RunID, StepID and WorkflowID identify the subject, as relevant to
	// the event type.
	RunID      string `json:"runId,omitempty"`
	StepID     string `json:"stepId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`

	// Payload carries type-specific snapshots: status, workflow version,
	// determinism grade, error details.
	Payload map[string]any `json:"payload,omitempty"`
}
