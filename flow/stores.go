package flow

import (
	"context"
	"errors"

	"github.com/dshills/bilko-go/flow/event"
)

// ErrNotFound is returned by stores when a requested record does not
// exist. The executor translates it into the typed taxonomy
// (VALIDATION.NOT_FOUND, RUN.NOT_FOUND) at its boundary.
var ErrNotFound = errors.New("not found")

// Store contracts. The core owns no persistence: stores are injected and
// expected to provide their own consistency. Every implementation must
// return deep copies on read and store deep copies on write, so callers
// mutating a returned record can never corrupt store state.
//
// Scope parameters are optional: a nil (or zero) scope skips tenant
// filtering entirely (library mode).

// WorkflowStore persists workflow documents, indexed by id and by
// {id, version}.
type WorkflowStore interface {
	// CreateWorkflow persists a new document.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow returns the latest version of a workflow.
	GetWorkflow(ctx context.Context, id string, scope *Scope) (*Workflow, error)

	// GetWorkflowVersion returns a specific version of a workflow.
	GetWorkflowVersion(ctx context.Context, id string, version int, scope *Scope) (*Workflow, error)

	// UpdateWorkflow persists an updated document and indexes it by
	// {id, version}. Callers bump Version before updating.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// ListWorkflows returns all workflows in a scope.
	ListWorkflows(ctx context.Context, scope Scope) ([]*Workflow, error)
}

// RunStore persists run records. The executor writes the run back on
// every state transition.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string, scope *Scope) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRunsByWorkflow(ctx context.Context, workflowID string, scope *Scope) ([]*Run, error)
}

// ProvenanceStore persists provenance records.
type ProvenanceStore interface {
	CreateProvenance(ctx context.Context, p *Provenance) error
	GetProvenance(ctx context.Context, id string, scope *Scope) (*Provenance, error)
	GetProvenanceByRun(ctx context.Context, runID string, scope *Scope) (*Provenance, error)
}

// AttestationStore persists attestation records.
type AttestationStore interface {
	CreateAttestation(ctx context.Context, a *Attestation) error
	GetAttestation(ctx context.Context, id string, scope *Scope) (*Attestation, error)
	GetAttestationByRun(ctx context.Context, runID string, scope *Scope) (*Attestation, error)
}

// EventStore is the append-only event log the publisher writes through.
type EventStore = event.Store

// Stores bundles the injected persistence backends.
type Stores struct {
	Workflows    WorkflowStore
	Runs         RunStore
	Events       EventStore
	Provenance   ProvenanceStore
	Attestations AttestationStore
}
