package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dev/bravebird/popup-verifier/pkg/models"

	_ "github.com/go-sql-driver/mysql"
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dsn string) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewWithConn wraps an already opened connection
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS verification_runs (
		id VARCHAR(36) PRIMARY KEY,
		work_dir VARCHAR(1024) NOT NULL,
		layout_check BOOLEAN NOT NULL DEFAULT FALSE,
		temporal_workflow_id VARCHAR(255) NOT NULL DEFAULT '',
		temporal_run_id VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		screenshot_path VARCHAR(1024) NOT NULL DEFAULT '',
		error_message TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME NULL
	)`,
	`CREATE TABLE IF NOT EXISTS layout_results (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		width INT NOT NULL,
		height INT NOT NULL,
		metrics JSON NOT NULL,
		failures JSON NOT NULL,
		screenshot_path VARCHAR(1024) NOT NULL DEFAULT '',
		passed BOOLEAN NOT NULL,
		INDEX idx_layout_results_run (run_id)
	)`,
}

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// ==================== Verification Runs ====================

// CreateRun creates a new verification run
func (db *DB) CreateRun(ctx context.Context, run *models.VerificationRun) error {
	query := `
		INSERT INTO verification_runs (id, work_dir, layout_check, temporal_workflow_id, temporal_run_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, query,
		run.ID,
		run.WorkDir,
		run.LayoutCheck,
		run.TemporalWorkflowID,
		run.TemporalRunID,
		run.Status,
		run.CreatedAt,
	)

	return err
}

// SetTemporalIDs stores the workflow execution a run was started as
func (db *DB) SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error {
	query := `
		UPDATE verification_runs
		SET temporal_workflow_id = ?, temporal_run_id = ?, status = ?
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query, workflowID, runID, models.StatusRunning, id)
	return err
}

const runColumns = `id, work_dir, layout_check, temporal_workflow_id, temporal_run_id, status,
		       screenshot_path, error_message, created_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.VerificationRun, error) {
	var run models.VerificationRun
	var errorMessage sql.NullString
	err := row.Scan(
		&run.ID,
		&run.WorkDir,
		&run.LayoutCheck,
		&run.TemporalWorkflowID,
		&run.TemporalRunID,
		&run.Status,
		&run.ScreenshotPath,
		&errorMessage,
		&run.CreatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// GetRun retrieves a verification run by ID
func (db *DB) GetRun(ctx context.Context, id string) (*models.VerificationRun, error) {
	query := `SELECT ` + runColumns + `
		FROM verification_runs
		WHERE id = ?
	`

	run, err := scanRun(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns retrieves the most recent runs
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error) {
	query := `SELECT ` + runColumns + `
		FROM verification_runs
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.VerificationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a verification run
func (db *DB) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, screenshotPath, errorMsg string) error {
	query := `
		UPDATE verification_runs
		SET status = ?, screenshot_path = ?, error_message = ?,
		    completed_at = CASE WHEN ? IN ('success', 'failed', 'canceled') THEN NOW() ELSE completed_at END
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query, status, screenshotPath, errorMsg, status, id)
	return err
}

// ==================== Layout Results ====================

// SaveLayoutResults replaces the layout results of a run
func (db *DB) SaveLayoutResults(ctx context.Context, runID string, results []models.LayoutResult) error {
	query := `
		INSERT INTO layout_results (id, run_id, width, height, metrics, failures, screenshot_path, passed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM layout_results WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear layout results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, result := range results {
		metricsJSON, _ := json.Marshal(result.Metrics)
		failures := result.Failures
		if failures == nil {
			failures = []string{}
		}
		failuresJSON, _ := json.Marshal(failures)

		id := result.ID
		if id == "" {
			id = uuid.New().String()
		}

		_, err := stmt.ExecContext(ctx,
			id,
			runID,
			result.Viewport.Width,
			result.Viewport.Height,
			string(metricsJSON),
			string(failuresJSON),
			result.ScreenshotPath,
			result.Passed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert layout result: %w", err)
		}
	}

	return tx.Commit()
}

// GetLayoutResults retrieves the layout results of a run
func (db *DB) GetLayoutResults(ctx context.Context, runID string) ([]models.LayoutResult, error) {
	query := `
		SELECT id, run_id, width, height, metrics, failures, screenshot_path, passed
		FROM layout_results
		WHERE run_id = ?
		ORDER BY width, height
	`

	rows, err := db.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get layout results: %w", err)
	}
	defer rows.Close()

	var results []models.LayoutResult
	for rows.Next() {
		var result models.LayoutResult
		var metricsJSON, failuresJSON string

		err := rows.Scan(
			&result.ID,
			&result.RunID,
			&result.Viewport.Width,
			&result.Viewport.Height,
			&metricsJSON,
			&failuresJSON,
			&result.ScreenshotPath,
			&result.Passed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan layout result: %w", err)
		}

		json.Unmarshal([]byte(metricsJSON), &result.Metrics)
		json.Unmarshal([]byte(failuresJSON), &result.Failures)

		results = append(results, result)
	}

	return results, rows.Err()
}
