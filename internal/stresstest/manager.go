package stresstest

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/studiowebux/loadramp/internal/migrations"
)

// Manager handles load test data persistence
type Manager struct {
	db *sql.DB
}

// StoredReport is a rendered report kept alongside its run
type StoredReport struct {
	RunID     int64
	Verdict   string
	DataState string
	JSON      []byte
	CreatedAt time.Time
}

// NewManager creates a new manager backed by the SQLite database at dbPath
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	m := &Manager{db: db}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return m, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}

const runColumns = `id, uuid, name, target_url, started_at, completed_at, status,
	total_requests, success_count, failure_count, total_retries, peak_workers,
	COALESCE(avg_duration_ms, 0), COALESCE(min_duration_ms, 0), COALESCE(max_duration_ms, 0),
	COALESCE(p50_duration_ms, 0), COALESCE(p95_duration_ms, 0), COALESCE(p99_duration_ms, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.UUID, &run.Name, &run.TargetURL, &run.StartedAt, &completedAt, &run.Status,
		&run.TotalRequests, &run.SuccessCount, &run.FailureCount, &run.TotalRetries, &run.PeakWorkers,
		&run.AvgDurationMs, &run.MinDurationMs, &run.MaxDurationMs,
		&run.P50DurationMs, &run.P95DurationMs, &run.P99DurationMs)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// CreateRun creates a new run record
func (m *Manager) CreateRun(run *Run) error {
	result, err := m.db.Exec(`
		INSERT INTO loadramp_runs (uuid, name, target_url, started_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.UUID, run.Name, run.TargetURL, run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateRun updates a run record
func (m *Manager) UpdateRun(run *Run) error {
	_, err := m.db.Exec(`
		UPDATE loadramp_runs
		SET completed_at = ?, status = ?, total_requests = ?, success_count = ?, failure_count = ?,
		    total_retries = ?, peak_workers = ?, avg_duration_ms = ?, min_duration_ms = ?, max_duration_ms = ?,
		    p50_duration_ms = ?, p95_duration_ms = ?, p99_duration_ms = ?
		WHERE id = ?
	`, run.CompletedAt, run.Status, run.TotalRequests, run.SuccessCount, run.FailureCount,
		run.TotalRetries, run.PeakWorkers, run.AvgDurationMs, run.MinDurationMs, run.MaxDurationMs,
		run.P50DurationMs, run.P95DurationMs, run.P99DurationMs, run.ID)
	return err
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(id int64) (*Run, error) {
	return scanRun(m.db.QueryRow(`SELECT `+runColumns+` FROM loadramp_runs WHERE id = ?`, id))
}

// GetRunByUUID retrieves a run by its UUID
func (m *Manager) GetRunByUUID(uuid string) (*Run, error) {
	return scanRun(m.db.QueryRow(`SELECT `+runColumns+` FROM loadramp_runs WHERE uuid = ?`, uuid))
}

// ListRuns returns runs newest first, optionally restricted to one name
func (m *Manager) ListRuns(name string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM loadramp_runs
		WHERE name = ? OR ? = ''
		ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := m.db.Query(query, name, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run with its samples, backend counts and report
func (m *Manager) DeleteRun(id int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM run_samples WHERE run_id = ?",
		"DELETE FROM run_backends WHERE run_id = ?",
		"DELETE FROM run_reports WHERE run_id = ?",
		"DELETE FROM loadramp_runs WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("failed to delete run %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveSamplesBatch saves multiple timeline points in a single transaction
func (m *Manager) SaveSamplesBatch(points []TimelinePoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO run_samples
		(run_id, timestamp, elapsed_ms, target, active_workers, total_requests, success_count, failure_count, rps, p95_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		_, err := stmt.Exec(p.RunID, p.Timestamp, p.ElapsedMs, p.Target, p.ActiveWorkers,
			p.TotalRequests, p.SuccessCount, p.FailureCount, p.RPS, p.P95Ms)
		if err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	return tx.Commit()
}

// GetSamples retrieves the timeline of a run ordered by elapsed time
func (m *Manager) GetSamples(runID int64) ([]TimelinePoint, error) {
	rows, err := m.db.Query(`
		SELECT run_id, timestamp, elapsed_ms, target, active_workers, total_requests,
		       success_count, failure_count, rps, p95_ms
		FROM run_samples
		WHERE run_id = ?
		ORDER BY elapsed_ms
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TimelinePoint
	for rows.Next() {
		var p TimelinePoint
		err := rows.Scan(&p.RunID, &p.Timestamp, &p.ElapsedMs, &p.Target, &p.ActiveWorkers,
			&p.TotalRequests, &p.SuccessCount, &p.FailureCount, &p.RPS, &p.P95Ms)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// SaveBackends replaces the per-backend counts of a run
func (m *Manager) SaveBackends(runID int64, backends map[string]int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM run_backends WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to clear backends: %w", err)
	}
	for backend, count := range backends {
		if _, err := tx.Exec("INSERT INTO run_backends (run_id, backend, count) VALUES (?, ?, ?)",
			runID, backend, count); err != nil {
			return fmt.Errorf("failed to insert backend %q: %w", backend, err)
		}
	}
	return tx.Commit()
}

// BackendCount is one row of a run's backend distribution
type BackendCount struct {
	Backend string `json:"backend"`
	Count   int64  `json:"count"`
}

// GetBackends returns the backend distribution of a run, highest count first
func (m *Manager) GetBackends(runID int64) ([]BackendCount, error) {
	rows, err := m.db.Query("SELECT backend, count FROM run_backends WHERE run_id = ?", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackendCount
	for rows.Next() {
		var b BackendCount
		if err := rows.Scan(&b.Backend, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Backend < out[j].Backend
	})
	return out, nil
}

// SaveReport stores the rendered JSON report of a run, replacing any earlier one
func (m *Manager) SaveReport(report *StoredReport) error {
	_, err := m.db.Exec(`
		INSERT INTO run_reports (run_id, verdict, data_state, report_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			verdict = excluded.verdict,
			data_state = excluded.data_state,
			report_json = excluded.report_json,
			created_at = CURRENT_TIMESTAMP
	`, report.RunID, report.Verdict, report.DataState, string(report.JSON))
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReport retrieves the stored report of a run
func (m *Manager) GetReport(runID int64) (*StoredReport, error) {
	report := &StoredReport{}
	var data string
	err := m.db.QueryRow(`
		SELECT run_id, verdict, data_state, report_json, created_at
		FROM run_reports WHERE run_id = ?
	`, runID).Scan(&report.RunID, &report.Verdict, &report.DataState, &data, &report.CreatedAt)
	if err != nil {
		return nil, err
	}
	report.JSON = []byte(data)
	return report, nil
}
