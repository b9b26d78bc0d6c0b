// Package catalog records runs and their saved sweeps in a SQLite database
// so the data folder can be searched without walking it
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	dir         TEXT NOT NULL,
	delay_type  TEXT NOT NULL,
	time_units  TEXT NOT NULL,
	num_times   INTEGER NOT NULL,
	num_sweeps  INTEGER NOT NULL,
	dry_run     INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	outcome     TEXT
);
CREATE TABLE IF NOT EXISTS sweeps (
	run_id   TEXT NOT NULL REFERENCES runs(run_id),
	sweep    INTEGER NOT NULL,
	files    TEXT NOT NULL,
	retakes  INTEGER NOT NULL,
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, sweep)
);`

// ErrNoRun is returned when a run id is not in the catalog
var ErrNoRun = errors.New("run not in catalog")

// Run is one acquisition run
type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	DelayType string    `json:"delayType"`
	TimeUnits string    `json:"timeUnits"`
	NumTimes  int       `json:"numTimes"`
	NumSweeps int       `json:"numSweeps"`
	DryRun    bool      `json:"dryRun"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
}

// Sweep is one saved sweep of a run
type Sweep struct {
	RunID   string    `json:"runId"`
	Sweep   int       `json:"sweep"`
	Files   []string  `json:"files"`
	Retakes int       `json:"retakes"`
	Saved   time.Time `json:"saved"`
}

// Catalog is a handle to the database.  It is safe for concurrent use.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// retryOnBusy retries f while the database reports it is locked by another
// process
func retryOnBusy(f func() error) error {
	op := func() error {
		err := f()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(op, b)
}

func isBusy(err error) bool {
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// StartRun inserts r, assigning an id if it has none, and returns the id
func (c *Catalog) StartRun(r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	err := retryOnBusy(func() error {
		_, err := c.db.Exec(`
			INSERT INTO runs (run_id, name, dir, delay_type, time_units, num_times, num_sweeps, dry_run, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Dir, r.DelayType, r.TimeUnits, r.NumTimes, r.NumSweeps, r.DryRun, r.Started.UnixNano())
		return err
	})
	return r.ID, err
}

// RecordSweep adds a saved sweep to a run
func (c *Catalog) RecordSweep(s Sweep) error {
	if s.Saved.IsZero() {
		s.Saved = time.Now()
	}
	return retryOnBusy(func() error {
		_, err := c.db.Exec(`
			INSERT OR REPLACE INTO sweeps (run_id, sweep, files, retakes, saved_at)
			VALUES (?, ?, ?, ?, ?)`,
			s.RunID, s.Sweep, strings.Join(s.Files, "\n"), s.Retakes, s.Saved.UnixNano())
		return err
	})
}

// FinishRun stamps the end time and outcome of a run
func (c *Catalog) FinishRun(id, outcome string, at time.Time) error {
	return retryOnBusy(func() error {
		res, err := c.db.Exec(`UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?`,
			at.UnixNano(), outcome, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNoRun, id)
		}
		return nil
	})
}

const runColumns = `run_id, name, dir, delay_type, time_units, num_times, num_sweeps, dry_run,
	started_at, finished_at, outcome`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		outcome  sql.NullString
	)
	err := sc.Scan(&r.ID, &r.Name, &r.Dir, &r.DelayType, &r.TimeUnits, &r.NumTimes,
		&r.NumSweeps, &r.DryRun, &started, &finished, &outcome)
	if err != nil {
		return r, err
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	r.Outcome = outcome.String
	return r, nil
}

// Run looks up one run
func (c *Catalog) Run(id string) (Run, error) {
	row := c.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrNoRun, id)
	}
	return r, err
}

// Runs lists the runs, newest first
func (c *Catalog) Runs() ([]Run, error) {
	rows, err := c.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sweeps lists the saved sweeps of a run in order
func (c *Catalog) Sweeps(runID string) ([]Sweep, error) {
	rows, err := c.db.Query(`
		SELECT sweep, files, retakes, saved_at FROM sweeps WHERE run_id = ? ORDER BY sweep`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sweep
	for rows.Next() {
		var (
			s     = Sweep{RunID: runID}
			files string
			saved int64
		)
		if err := rows.Scan(&s.Sweep, &files, &s.Retakes, &saved); err != nil {
			return nil, err
		}
		if files != "" {
			s.Files = strings.Split(files, "\n")
		}
		s.Saved = time.Unix(0, saved)
		out = append(out, s)
	}
	return out, rows.Err()
}
