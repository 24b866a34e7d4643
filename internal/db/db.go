package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunStopped  RunStatus = "stopped"
	RunFailed   RunStatus = "failed"
)

// Run is one playback request and how it ended.
type Run struct {
	ID        string     `json:"id"`
	Points    int        `json:"points"`
	Played    int        `json:"played"`
	LengthM   float64    `json:"lengthMeters"`
	SpeedKmh  float64    `json:"speedKmh"`
	Provider  string     `json:"provider"`
	Status    RunStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

const (
	DefaultRecentRuns = 20
	MaxRecentRuns     = 500
)

var ErrUnknownRun = errors.New("unknown run")

// Store keeps the playback history in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS simulation_runs (
  id            uuid PRIMARY KEY,
  points        integer NOT NULL,
  played        integer NOT NULL DEFAULT 0,
  length_m      double precision NOT NULL,
  speed_kmh     double precision NOT NULL,
  provider      text NOT NULL DEFAULT '',
  status        text NOT NULL,
  error         text NOT NULL DEFAULT '',
  started_at    timestamptz NOT NULL,
  ended_at      timestamptz
);
CREATE INDEX IF NOT EXISTS simulation_runs_started_at_idx ON simulation_runs (started_at DESC);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create simulation_runs: %w", err)
	}
	return nil
}

func (s *Store) RunStarted(ctx context.Context, r Run) error {
	q := `
INSERT INTO simulation_runs (id, points, length_m, speed_kmh, provider, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q, r.ID, r.Points, r.LengthM, r.SpeedKmh, r.Provider, string(r.Status), r.StartedAt); err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) RunEnded(ctx context.Context, id string, status RunStatus, played int, cause string, endedAt time.Time) error {
	q := `
UPDATE simulation_runs
SET status = $2, played = $3, error = $4, ended_at = $5
WHERE id = $1 AND ended_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, id, string(status), played, cause, endedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `
SELECT id::text, points, played, length_m, speed_kmh, provider, status, error, started_at, ended_at
FROM simulation_runs
ORDER BY started_at DESC
LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r      Run
			status string
			ended  sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Points, &r.Played, &r.LengthM, &r.SpeedKmh, &r.Provider, &status, &r.Error, &r.StartedAt, &ended); err != nil {
			return nil, err
		}
		r.Status = RunStatus(status)
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ClampLimit maps a requested page size into [1, MaxRecentRuns].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentRuns
	case limit > MaxRecentRuns:
		return MaxRecentRuns
	}
	return limit
}
