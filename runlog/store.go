// Package runlog records fine-tuning runs and their metrics in SQLite and
// plots metric curves.
package runlog

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	task         TEXT NOT NULL,
	model        TEXT NOT NULL,
	config_json  TEXT,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	epoch        INTEGER NOT NULL,
	step         INTEGER NOT NULL,
	name         TEXT NOT NULL,
	value        REAL NOT NULL,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics(run_id, name, id);
`

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID         string
	Task       string
	Model      string
	ConfigJSON string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Metric is one recorded value.
type Metric struct {
	Epoch int
	Step  int
	Key   string
	Value float64
}

// Store manages runs and metrics in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath and runs migrations.
// ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma fk")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running run. cfg is stored as JSON when not nil.
func (s *Store) StartRun(task, model string, cfg any) (Run, error) {
	run := Run{
		ID:        uuid.New().String(),
		Task:      task,
		Model:     model,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if cfg != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return Run{}, errors.Wrap(err, "marshal config")
		}
		run.ConfigJSON = string(raw)
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, task, model, config_json, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, run.Model, nullIfEmpty(run.ConfigJSON), run.Status, run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, errors.Wrap(err, "insert run")
	}
	return run, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(runID, status string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return errors.Wrap(err, "finish run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrRunNotFound, "%s", runID)
	}
	return nil
}

// RecordMetric appends one metric value to a run.
func (s *Store) RecordMetric(runID string, m Metric) error {
	_, err := s.db.Exec(
		`INSERT INTO metrics (run_id, epoch, step, name, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, m.Epoch, m.Step, m.Key, m.Value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "record %s", m.Key)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(runID string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, task, model, config_json, status, started_at, finished_at FROM runs WHERE run_id = ?`, runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrRunNotFound, "%s", runID)
	}
	return run, err
}

// Runs returns the most recent runs first, at most limit (0 means all).
func (s *Store) Runs(limit int) ([]Run, error) {
	q := `SELECT run_id, task, model, config_json, status, started_at, finished_at FROM runs ORDER BY rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Metrics returns every metric of a run in recording order.
func (s *Store) Metrics(runID string) ([]Metric, error) {
	rows, err := s.db.Query(
		`SELECT epoch, step, name, value FROM metrics WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list metrics")
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Epoch, &m.Step, &m.Key, &m.Value); err != nil {
			return nil, errors.Wrap(err, "scan metric")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Series groups a run's metrics by key, each in recording order.
func (s *Store) Series(runID string) (map[string][]Metric, error) {
	metrics, err := s.Metrics(runID)
	if err != nil {
		return nil, err
	}
	series := map[string][]Metric{}
	for _, m := range metrics {
		series[m.Key] = append(series[m.Key], m)
	}
	return series, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run           Run
		cfg, finished sql.NullString
		startedAt     string
	)
	if err := row.Scan(&run.ID, &run.Task, &run.Model, &cfg, &run.Status, &startedAt, &finished); err != nil {
		return Run{}, err
	}
	run.ConfigJSON = cfg.String
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finished.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return run, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
