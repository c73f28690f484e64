package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/event"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of every store contract.
//
// It stores workflows, runs, events, provenance, and attestations as JSON
// documents in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local use requiring persistence
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and auto-migrates its
// schema on first use.
//
// Schema:
//   - workflows: one row per {id, version}, latest resolved by MAX(version)
//   - runs: one row per run, updated in place on every transition
//   - events: append-only log, ordered by an autoincrement sequence
//   - provenance, attestations: immutable records keyed by id and run_id
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./bilko.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store creates the file and schema if missing, enables WAL mode, and
// sets a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./bilko.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Stores returns the store bundle an executor needs, with every contract
// backed by this SQLiteStore.
func (s *SQLiteStore) Stores() flow.Stores {
	return flow.Stores{
		Workflows:    s,
		Runs:         s,
		Events:       s,
		Provenance:   s,
		Attestations: s,
	}
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_scope ON events(tenant_id, project_id, seq)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provenance_run ON provenance(run_id)`,
		`CREATE TABLE IF NOT EXISTS attestations (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attestations_run ON attestations(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// --- WorkflowStore ---

// CreateWorkflow persists a new workflow document.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	query := `
		INSERT INTO workflows (id, version, document)
		VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET document = excluded.document
	`
	if _, err := s.db.ExecContext(ctx, query, wf.ID, wf.Version, string(doc)); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the latest version of a workflow.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string, _ *flow.Scope) (*flow.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT document FROM workflows
		WHERE id = ?
		ORDER BY version DESC
		LIMIT 1
	`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, id))
}

// GetWorkflowVersion returns a specific version of a workflow.
func (s *SQLiteStore) GetWorkflowVersion(ctx context.Context, id string, version int, _ *flow.Scope) (*flow.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM workflows WHERE id = ? AND version = ?`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, id, version))
}

func (s *SQLiteStore) scanWorkflow(row *sql.Row) (*flow.Workflow, error) {
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	var wf flow.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// UpdateWorkflow persists an updated document under {id, version}.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, wf.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check workflow: %w", err)
	}
	if exists == 0 {
		return flow.ErrNotFound
	}
	return s.CreateWorkflow(ctx, wf)
}

// ListWorkflows returns the latest version of every workflow.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, _ event.Scope) ([]*flow.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT w.document
		FROM workflows w
		JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		  ON w.id = latest.id AND w.version = latest.version
		ORDER BY w.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*flow.Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		var wf flow.Workflow
		if err := json.Unmarshal([]byte(doc), &wf); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// --- RunStore ---

// CreateRun persists a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *flow.Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	query := `
		INSERT INTO runs (id, workflow_id, tenant_id, project_id, document)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.WorkflowID, run.Scope.TenantID, run.Scope.ProjectID, string(doc)); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns a run record. A non-nil, non-zero scope must match.
func (s *SQLiteStore) GetRun(ctx context.Context, id string, scope *flow.Scope) (*flow.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	var run flow.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if scope != nil && !scope.IsZero() && run.Scope != *scope {
		return nil, flow.ErrNotFound
	}
	return &run, nil
}

// UpdateRun writes a run record back.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *flow.Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET document = ? WHERE id = ?`, string(doc), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return flow.ErrNotFound
	}
	return nil
}

// ListRunsByWorkflow returns the runs of a workflow in creation order.
func (s *SQLiteStore) ListRunsByWorkflow(ctx context.Context, workflowID string, scope *flow.Scope) ([]*flow.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM runs WHERE workflow_id = ?`
	args := []any{workflowID}
	if scope != nil && !scope.IsZero() {
		query += ` AND tenant_id = ? AND project_id = ?`
		args = append(args, scope.TenantID, scope.ProjectID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*flow.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		var run flow.Run
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// --- EventStore ---

// AppendEvent appends an immutable event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev event.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	query := `
		INSERT INTO events (id, run_id, tenant_id, project_id, type, document)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.RunID, ev.Scope.TenantID, ev.Scope.ProjectID, ev.Type, string(doc)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListByRun returns a run's events in append order.
func (s *SQLiteStore) ListByRun(ctx context.Context, runID string, scope *event.Scope) ([]event.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM events WHERE run_id = ?`
	args := []any{runID}
	if scope != nil && !scope.IsZero() {
		query += ` AND tenant_id = ? AND project_id = ?`
		args = append(args, scope.TenantID, scope.ProjectID)
	}
	query += ` ORDER BY seq ASC`
	return s.queryEvents(ctx, query, args...)
}

// ListByScope returns events in a scope, optionally narrowed by type.
func (s *SQLiteStore) ListByScope(ctx context.Context, scope event.Scope, types []string) ([]event.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM events WHERE 1=1`
	var args []any
	if !scope.IsZero() {
		query += ` AND tenant_id = ? AND project_id = ?`
		args = append(args, scope.TenantID, scope.ProjectID)
	}
	if len(types) > 0 {
		placeholders := ""
		for i, t := range types {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, t)
		}
		// #nosec G201 -- placeholders are "?" marks, not user input
		query += fmt.Sprintf(" AND type IN (%s)", placeholders)
	}
	query += ` ORDER BY seq ASC`
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- ProvenanceStore ---

// CreateProvenance persists a provenance record.
func (s *SQLiteStore) CreateProvenance(ctx context.Context, p *flow.Provenance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}
	query := `INSERT INTO provenance (id, run_id, document) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.RunID, string(doc)); err != nil {
		return fmt.Errorf("failed to save provenance: %w", err)
	}
	return nil
}

// GetProvenance returns a provenance record by id.
func (s *SQLiteStore) GetProvenance(ctx context.Context, id string, _ *flow.Scope) (*flow.Provenance, error) {
	return s.scanProvenance(ctx, `SELECT document FROM provenance WHERE id = ?`, id)
}

// GetProvenanceByRun returns the provenance record of a run.
func (s *SQLiteStore) GetProvenanceByRun(ctx context.Context, runID string, _ *flow.Scope) (*flow.Provenance, error) {
	return s.scanProvenance(ctx, `SELECT document FROM provenance WHERE run_id = ? LIMIT 1`, runID)
}

func (s *SQLiteStore) scanProvenance(ctx context.Context, query string, arg any) (*flow.Provenance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provenance: %w", err)
	}
	var p flow.Provenance
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
	}
	return &p, nil
}

// --- AttestationStore ---

// CreateAttestation persists an attestation record.
func (s *SQLiteStore) CreateAttestation(ctx context.Context, a *flow.Attestation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal attestation: %w", err)
	}
	query := `INSERT INTO attestations (id, run_id, document) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, a.ID, a.RunID, string(doc)); err != nil {
		return fmt.Errorf("failed to save attestation: %w", err)
	}
	return nil
}

// GetAttestation returns an attestation by id.
func (s *SQLiteStore) GetAttestation(ctx context.Context, id string, _ *flow.Scope) (*flow.Attestation, error) {
	return s.scanAttestation(ctx, `SELECT document FROM attestations WHERE id = ?`, id)
}

// GetAttestationByRun returns the attestation of a run.
func (s *SQLiteStore) GetAttestationByRun(ctx context.Context, runID string, _ *flow.Scope) (*flow.Attestation, error) {
	return s.scanAttestation(ctx, `SELECT document FROM attestations WHERE run_id = ? LIMIT 1`, runID)
}

func (s *SQLiteStore) scanAttestation(ctx context.Context, query string, arg any) (*flow.Attestation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attestation: %w", err)
	}
	var a flow.Attestation
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attestation: %w", err)
	}
	return &a, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
