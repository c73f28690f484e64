package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/bilko-go/flow"
	"github.com/dshills/bilko-go/flow/event"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of every store contract, for
// multi-process deployments that outgrow SQLite.
//
// Records are stored as JSON documents with the columns the queries filter
// on (workflow id, run id, scope, event type) lifted into indexed columns.
// Schema is auto-migrated on first use.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store from a DSN, e.g.
// "user:pass@tcp(localhost:3306)/bilko?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Stores returns the store bundle an executor needs, with every contract
// backed by this MySQLStore.
func (s *MySQLStore) Stores() flow.Stores {
	return flow.Stores{
		Workflows:    s,
		Runs:         s,
		Events:       s,
		Provenance:   s,
		Attestations: s,
	}
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			document JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			project_id VARCHAR(255) NOT NULL DEFAULT '',
			document JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_runs_workflow (workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(255) NOT NULL UNIQUE,
			run_id VARCHAR(255) NOT NULL DEFAULT '',
			tenant_id VARCHAR(255) NOT NULL DEFAULT '',
			project_id VARCHAR(255) NOT NULL DEFAULT '',
			type VARCHAR(128) NOT NULL,
			document JSON NOT NULL,
			INDEX idx_events_run (run_id, seq),
			INDEX idx_events_scope (tenant_id, project_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			document JSON NOT NULL,
			INDEX idx_provenance_run (run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attestations (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			document JSON NOT NULL,
			INDEX idx_attestations_run (run_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// --- WorkflowStore ---

// CreateWorkflow persists a new workflow document.
func (s *MySQLStore) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
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
		ON DUPLICATE KEY UPDATE document = VALUES(document)
	`
	if _, err := s.db.ExecContext(ctx, query, wf.ID, wf.Version, string(doc)); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the latest version of a workflow.
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string, _ *flow.Scope) (*flow.Workflow, error) {
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
func (s *MySQLStore) GetWorkflowVersion(ctx context.Context, id string, version int, _ *flow.Scope) (*flow.Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM workflows WHERE id = ? AND version = ?`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, id, version))
}

func (s *MySQLStore) scanWorkflow(row *sql.Row) (*flow.Workflow, error) {
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
func (s *MySQLStore) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
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
func (s *MySQLStore) ListWorkflows(ctx context.Context, _ event.Scope) ([]*flow.Workflow, error) {
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
func (s *MySQLStore) CreateRun(ctx context.Context, run *flow.Run) error {
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
func (s *MySQLStore) GetRun(ctx context.Context, id string, scope *flow.Scope) (*flow.Run, error) {
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
func (s *MySQLStore) UpdateRun(ctx context.Context, run *flow.Run) error {
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
		// MySQL reports zero affected rows for no-op updates too, so
		// distinguish a missing row from an identical write.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if exists == 0 {
			return flow.ErrNotFound
		}
	}
	return nil
}

// ListRunsByWorkflow returns the runs of a workflow in creation order.
func (s *MySQLStore) ListRunsByWorkflow(ctx context.Context, workflowID string, scope *flow.Scope) ([]*flow.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT document FROM runs WHERE workflow_id = ?`
	args := []any{workflowID}
	if scope != nil && !scope.IsZero() {
		query += ` AND tenant_id = ? AND project_id = ?`
		args = append(args, scope.TenantID, scope.ProjectID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

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
func (s *MySQLStore) AppendEvent(ctx context.Context, ev event.Event) error {
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
func (s *MySQLStore) ListByRun(ctx context.Context, runID string, scope *event.Scope) ([]event.Event, error) {
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
func (s *MySQLStore) ListByScope(ctx context.Context, scope event.Scope, types []string) ([]event.Event, error) {
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

func (s *MySQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
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
func (s *MySQLStore) CreateProvenance(ctx context.Context, p *flow.Provenance) error {
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
func (s *MySQLStore) GetProvenance(ctx context.Context, id string, _ *flow.Scope) (*flow.Provenance, error) {
	return s.scanProvenance(ctx, `SELECT document FROM provenance WHERE id = ?`, id)
}

// GetProvenanceByRun returns the provenance record of a run.
func (s *MySQLStore) GetProvenanceByRun(ctx context.Context, runID string, _ *flow.Scope) (*flow.Provenance, error) {
	return s.scanProvenance(ctx, `SELECT document FROM provenance WHERE run_id = ? LIMIT 1`, runID)
}

func (s *MySQLStore) scanProvenance(ctx context.Context, query string, arg any) (*flow.Provenance, error) {
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
func (s *MySQLStore) CreateAttestation(ctx context.Context, a *flow.Attestation) error {
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
func (s *MySQLStore) GetAttestation(ctx context.Context, id string, _ *flow.Scope) (*flow.Attestation, error) {
	return s.scanAttestation(ctx, `SELECT document FROM attestations WHERE id = ?`, id)
}

// GetAttestationByRun returns the attestation of a run.
func (s *MySQLStore) GetAttestationByRun(ctx context.Context, runID string, _ *flow.Scope) (*flow.Attestation, error) {
	return s.scanAttestation(ctx, `SELECT document FROM attestations WHERE run_id = ? LIMIT 1`, runID)
}

func (s *MySQLStore) scanAttestation(ctx context.Context, query string, arg any) (*flow.Attestation, error) {
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
