// Package store provides persistence backends for workflows, runs,
// events, provenance, and attestations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/event"
)

// MemoryStore is the in-memory implementation of every store contract.
//
// Designed for testing, development, and single-process library use. All
// reads return deep copies and all writes store deep copies, so callers
// mutating a returned record can never corrupt store state; the copies are
// made by JSON round-trip, which also mirrors what a serializing backend
// does for free.
//
// MemoryStore is thread-safe. Data is lost when the process exits; use
// SQLiteStore or MySQLStore for persistence.
type MemoryStore struct {
	mu           sync.RWMutex
	workflows    map[string]*flow.Workflow // id -> latest
	versions     map[string]*flow.Workflow // "id@version" -> document
	runs         map[string]*flow.Run
	events       []event.Event // append order preserved
	provenance   map[string]*flow.Provenance
	attestations map[string]*flow.Attestation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:    make(map[string]*flow.Workflow),
		versions:     make(map[string]*flow.Workflow),
		runs:         make(map[string]*flow.Run),
		provenance:   make(map[string]*flow.Provenance),
		attestations: make(map[string]*flow.Attestation),
	}
}

// Stores returns the store bundle an executor needs, with every contract
// backed by this MemoryStore.
func (m *MemoryStore) Stores() flow.Stores {
	return flow.Stores{
		Workflows:    m,
		Runs:         m,
		Events:       m,
		Provenance:   m,
		Attestations: m,
	}
}

// deepCopy clones a record by JSON round-trip.
func deepCopy[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("deep copy: marshal: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("deep copy: unmarshal: %w", err)
	}
	return out, nil
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// --- WorkflowStore ---

// CreateWorkflow persists a new workflow document and indexes its version.
func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *flow.Workflow) error {
	stored, err := deepCopy(wf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = stored
	m.versions[versionKey(wf.ID, wf.Version)] = stored
	return nil
}

// GetWorkflow returns the latest version of a workflow.
func (m *MemoryStore) GetWorkflow(_ context.Context, id string, _ *flow.Scope) (*flow.Workflow, error) {
	m.mu.RLock()
	stored, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(stored)
}

// GetWorkflowVersion returns a specific version of a workflow.
func (m *MemoryStore) GetWorkflowVersion(_ context.Context, id string, version int, _ *flow.Scope) (*flow.Workflow, error) {
	m.mu.RLock()
	stored, ok := m.versions[versionKey(id, version)]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(stored)
}

// UpdateWorkflow persists an updated document and indexes it by
// {id, version}.
func (m *MemoryStore) UpdateWorkflow(_ context.Context, wf *flow.Workflow) error {
	stored, err := deepCopy(wf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; !ok {
		return flow.ErrNotFound
	}
	m.workflows[wf.ID] = stored
	m.versions[versionKey(wf.ID, wf.Version)] = stored
	return nil
}

// ListWorkflows returns all latest workflow documents. The memory store
// runs in library mode and applies no tenant filtering.
func (m *MemoryStore) ListWorkflows(_ context.Context, _ event.Scope) ([]*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*flow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		c, err := deepCopy(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- RunStore ---

// CreateRun persists a new run record.
func (m *MemoryStore) CreateRun(_ context.Context, run *flow.Run) error {
	stored, err := deepCopy(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[run.ID] = stored
	m.mu.Unlock()
	return nil
}

// GetRun returns a run record. A non-nil, non-zero scope must match the
// run's scope.
func (m *MemoryStore) GetRun(_ context.Context, id string, scope *flow.Scope) (*flow.Run, error) {
	m.mu.RLock()
	stored, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	if scope != nil && !scope.IsZero() && stored.Scope != *scope {
		return nil, flow.ErrNotFound
	}
	return deepCopy(stored)
}

// UpdateRun writes a run record back.
func (m *MemoryStore) UpdateRun(_ context.Context, run *flow.Run) error {
	stored, err := deepCopy(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return flow.ErrNotFound
	}
	m.runs[run.ID] = stored
	return nil
}

// ListRunsByWorkflow returns runs of a workflow, newest last.
func (m *MemoryStore) ListRunsByWorkflow(_ context.Context, workflowID string, scope *flow.Scope) ([]*flow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.Run
	for _, run := range m.runs {
		if run.WorkflowID != workflowID {
			continue
		}
		if scope != nil && !scope.IsZero() && run.Scope != *scope {
			continue
		}
		c, err := deepCopy(run)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- EventStore ---

// AppendEvent appends an immutable event, preserving insertion order.
func (m *MemoryStore) AppendEvent(_ context.Context, ev event.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// ListByRun returns a run's events in append order.
func (m *MemoryStore) ListByRun(_ context.Context, runID string, scope *event.Scope) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.RunID != runID {
			continue
		}
		if scope != nil && !scope.IsZero() && ev.Scope != *scope {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ListByScope returns events in a scope, optionally narrowed by type.
func (m *MemoryStore) ListByScope(_ context.Context, scope event.Scope, types []string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Event
	for _, ev := range m.events {
		if !scope.IsZero() && ev.Scope != scope {
			continue
		}
		if len(types) > 0 && !containsString(types, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// --- ProvenanceStore ---

// CreateProvenance persists a provenance record.
func (m *MemoryStore) CreateProvenance(_ context.Context, p *flow.Provenance) error {
	stored, err := deepCopy(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.provenance[p.ID] = stored
	m.mu.Unlock()
	return nil
}

// GetProvenance returns a provenance record by id.
func (m *MemoryStore) GetProvenance(_ context.Context, id string, _ *flow.Scope) (*flow.Provenance, error) {
	m.mu.RLock()
	stored, ok := m.provenance[id]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(stored)
}

// GetProvenanceByRun returns the provenance record of a run.
func (m *MemoryStore) GetProvenanceByRun(_ context.Context, runID string, _ *flow.Scope) (*flow.Provenance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.provenance {
		if p.RunID == runID {
			return deepCopy(p)
		}
	}
	return nil, flow.ErrNotFound
}

// --- AttestationStore ---

// CreateAttestation persists an attestation record.
func (m *MemoryStore) CreateAttestation(_ context.Context, a *flow.Attestation) error {
	stored, err := deepCopy(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.attestations[a.ID] = stored
	m.mu.Unlock()
	return nil
}

// GetAttestation returns an attestation by id.
func (m *MemoryStore) GetAttestation(_ context.Context, id string, _ *flow.Scope) (*flow.Attestation, error) {
	m.mu.RLock()
	stored, ok := m.attestations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(stored)
}

// GetAttestationByRun returns the attestation of a run.
func (m *MemoryStore) GetAttestationByRun(_ context.Context, runID string, _ *flow.Scope) (*flow.Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attestations {
		if a.RunID == runID {
			return deepCopy(a)
		}
	}
	return nil, flow.ErrNotFound
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
