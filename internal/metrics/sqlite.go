// Package metrics persists workflow and step lifecycle events in SQLite
// and serves cost aggregations derived from that event stream.
package metrics

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.MetricsStore with SQLite storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the metrics database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating metrics directory: %w", err)
	}

	// WAL mode: the API server reads while workflows write.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// RecordWorkflowStart registers a newly admitted workflow.
func (s *SQLiteStore) RecordWorkflowStart(ctx context.Context, id, project, sourceWorkItem string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, project, source_work_item, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
		ON CONFLICT(id) DO NOTHING
	`, id, project, sourceWorkItem, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording workflow start: %w", err)
	}
	return nil
}

// RecordWorkflowComplete finalizes a workflow. When explicitCost is nil
// the cost defaults to the sum of recorded step costs.
func (s *SQLiteStore) RecordWorkflowComplete(ctx context.Context, id, status string, explicitCost *float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cost := 0.0
	if explicitCost != nil {
		cost = *explicitCost
	} else {
		err = tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(cost_usd), 0) FROM steps WHERE workflow_id = ?", id,
		).Scan(&cost)
		if err != nil {
			return fmt.Errorf("summing step costs: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, cost_usd = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ?
	`, status, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording workflow completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("workflow", id)
	}

	return tx.Commit()
}

// RecordStepStart registers a step invocation.
func (s *SQLiteStore) RecordStepStart(ctx context.Context, stepID, workflowID, agent string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, workflow_id, agent, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, stepID, workflowID, agent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording step start: %w", err)
	}
	return nil
}

// RecordStepComplete finalizes a step. The write is upsert-safe: recording
// the same completed step twice sets the same values instead of adding.
func (s *SQLiteStore) RecordStepComplete(ctx context.Context, stepID string, costUSD float64, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET cost_usd = ?, outcome = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ?
	`, costUSD, outcome, time.Now().UTC(), stepID)
	if err != nil {
		return fmt.Errorf("recording step completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("step", stepID)
	}
	return nil
}

// GetWorkflow returns one workflow record.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*core.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, source_work_item, status, COALESCE(cost_usd, 0), started_at, completed_at
		FROM workflows WHERE id = ?
	`, id)

	rec, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	return rec, nil
}

// GetWorkflowSteps returns a workflow's steps in start order.
func (s *SQLiteStore) GetWorkflowSteps(ctx context.Context, id string) ([]core.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, agent, cost_usd, COALESCE(outcome, ''), started_at, completed_at
		FROM steps WHERE workflow_id = ? ORDER BY started_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("reading steps: %w", err)
	}
	defer rows.Close()

	var steps []core.StepRecord
	for rows.Next() {
		var rec core.StepRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.Agent, &rec.CostUSD, &rec.Outcome, &rec.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// GetRunningWorkflows returns workflows without a terminal status.
func (s *SQLiteStore) GetRunningWorkflows(ctx context.Context) ([]core.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, source_work_item, status, COALESCE(cost_usd, 0), started_at, completed_at
		FROM workflows WHERE status = 'running' ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("reading running workflows: %w", err)
	}
	defer rows.Close()

	var records []core.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetTotalCost sums completed step costs since a point in time.
func (s *SQLiteStore) GetTotalCost(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM steps
		WHERE completed_at IS NOT NULL AND completed_at >= ?
	`, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing cost: %w", err)
	}
	return total, nil
}

// GetProjectRollups aggregates workflow counts and costs per project.
func (s *SQLiteStore) GetProjectRollups(ctx context.Context) ([]core.CostRollup, error) {
	return s.rollups(ctx, `
		SELECT project, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM workflows GROUP BY project ORDER BY project
	`)
}

// GetAgentRollups aggregates step counts and costs per agent.
func (s *SQLiteStore) GetAgentRollups(ctx context.Context) ([]core.CostRollup, error) {
	return s.rollups(ctx, `
		SELECT agent, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM steps GROUP BY agent ORDER BY agent
	`)
}

func (s *SQLiteStore) rollups(ctx context.Context, query string) ([]core.CostRollup, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading rollups: %w", err)
	}
	defer rows.Close()

	var rollups []core.CostRollup
	for rows.Next() {
		var r core.CostRollup
		if err := rows.Scan(&r.Key, &r.Count, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scanning rollup: %w", err)
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*core.WorkflowRecord, error) {
	var rec core.WorkflowRecord
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Project, &rec.SourceWorkItem, &rec.Status, &rec.CostUSD, &rec.StartedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

var _ core.MetricsStore = (*SQLiteStore)(nil)
