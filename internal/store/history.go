package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stagehand/internal/logging"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// HistoryStore persists pipeline runs and their invocation outcomes in
// SQLite. It is safe for concurrent use; writes are serialized.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// RunRecord is one pipeline run.
type RunRecord struct {
	ID       string    `json:"id"`
	Pipeline string    `json:"pipeline"`
	Status   string    `json:"status"`
	Total    int       `json:"total"`
	Failed   int       `json:"failed"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

// OutcomeRecord is one invocation within a run.
type OutcomeRecord struct {
	RunID        string    `json:"run_id"`
	InvocationID string    `json:"invocation_id"`
	Task         string    `json:"task"`
	Isolated     bool      `json:"isolated"`
	Status       string    `json:"status"`
	Kind         string    `json:"kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Issues       int       `json:"issues"`
	Report       string    `json:"report,omitempty"` // JSON-encoded tasks.Report
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// Duration returns how long the invocation ran.
func (o OutcomeRecord) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Open opens (creating if needed) the history database at path.
func Open(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening run history at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &HistoryStore{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Times are stored as unix nanoseconds so they round-trip exactly.
func (s *HistoryStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		started_ns INTEGER NOT NULL,
		finished_ns INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_ns);

	CREATE TABLE IF NOT EXISTS outcomes (
		invocation_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task TEXT NOT NULL,
		isolated BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		kind TEXT,
		error TEXT,
		issues INTEGER NOT NULL DEFAULT 0,
		report TEXT,
		started_ns INTEGER NOT NULL,
		finished_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records the start of a run and returns its id.
func (s *HistoryStore) BeginRun(ctx context.Context, pipeline string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, status, started_ns)
		VALUES (?, ?, ?, ?)`,
		id, pipeline, RunRunning, time.Now().UnixNano())
	if err != nil {
		logging.StoreError("Failed to begin run for %s: %v", pipeline, err)
		return "", fmt.Errorf("failed to begin run: %w", err)
	}
	logging.StoreDebug("Run %s started for %s", id, pipeline)
	return id, nil
}

// RecordOutcome stores one invocation outcome of runID.
func (s *HistoryStore) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "RecordOutcome")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outcomes
		(invocation_id, run_id, task, isolated, status, kind, error, issues, report, started_ns, finished_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InvocationID, rec.RunID, rec.Task, rec.Isolated, rec.Status,
		nullString(rec.Kind), nullString(rec.Error), rec.Issues, nullString(rec.Report),
		rec.Started.UnixNano(), rec.Finished.UnixNano(),
	)
	if err != nil {
		logging.StoreError("Failed to record outcome %s: %v", rec.InvocationID, err)
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// FinishRun closes runID, deriving its totals and status from the recorded
// outcomes.
func (s *HistoryStore) FinishRun(ctx context.Context, runID string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RunRecord{}, err
	}
	defer tx.Rollback()

	var total, failed int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM outcomes WHERE run_id = ?`, runID).Scan(&total, &failed)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to count outcomes: %w", err)
	}

	status := RunSucceeded
	if failed > 0 {
		status = RunFailed
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, total = ?, failed = ?, finished_ns = ?
		WHERE id = ?`, status, total, failed, time.Now().UnixNano(), runID)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, runColumns+` WHERE id = ?`, runID))
	if err != nil {
		return RunRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return RunRecord{}, err
	}
	logging.Store("Run %s finished: %s (%d invocations, %d failed)", runID, status, total, failed)
	return run, nil
}

const runColumns = `SELECT id, pipeline, status, total, failed, started_ns, finished_ns FROM runs`

// RecentRuns returns up to limit runs, newest first.
func (s *HistoryStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runColumns+` ORDER BY started_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (s *HistoryStore) Run(ctx context.Context, runID string) (RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runColumns+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Outcomes returns the outcomes of runID in the order they started.
func (s *HistoryStore) Outcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invocation_id, run_id, task, isolated, status, kind, error, issues, report, started_ns, finished_ns
		FROM outcomes WHERE run_id = ?
		ORDER BY started_ns, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var kind, errMsg, report sql.NullString
		var started, finished int64
		if err := rows.Scan(&o.InvocationID, &o.RunID, &o.Task, &o.Isolated, &o.Status,
			&kind, &errMsg, &o.Issues, &report, &started, &finished); err != nil {
			return nil, err
		}
		o.Kind = kind.String
		o.Error = errMsg.String
		o.Report = report.String
		o.Started = time.Unix(0, started)
		o.Finished = time.Unix(0, finished)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep runs and deletes the rest with their
// outcomes. It returns the number of runs deleted.
func (s *HistoryStore) Prune(ctx context.Context, keep int) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Prune")
	defer timer.Stop()

	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stale := `SELECT id FROM runs ORDER BY started_ns DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Pruned %d old runs (keep=%d)", n, keep)
	}
	return n, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.ID, &r.Pipeline, &r.Status, &r.Total, &r.Failed, &started, &finished); err != nil {
		return RunRecord{}, err
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
