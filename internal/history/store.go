package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/terminal-bench/repairgym/internal/events"
)

// ErrNotFound is returned when an episode does not exist.
var ErrNotFound = errors.New("episode not found")

// rewardPlaces is the precision rewards are persisted with.
const rewardPlaces = 6

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store persists episodes and their steps in Postgres or SQLite.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// OpenPostgres connects to the database at url.
func OpenPostgres(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db, dialect: dialectPostgres}, nil
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent steps
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA foreign_keys=ON;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &Store{db: db, dialect: dialectSQLite}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	numeric := "TEXT"
	if s.dialect == dialectPostgres {
		numeric = "NUMERIC(12,6)"
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			work_dir TEXT NOT NULL,
			max_steps INTEGER NOT NULL,
			build_error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			steps INTEGER NOT NULL DEFAULT 0,
			final_reward ` + numeric + `,
			bugs_fixed INTEGER NOT NULL DEFAULT 0,
			solved BOOLEAN NOT NULL DEFAULT FALSE,
			truncated BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			episode_id TEXT NOT NULL REFERENCES episodes(id),
			step INTEGER NOT NULL,
			action TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			content_digest TEXT NOT NULL DEFAULT '',
			rejected BOOLEAN NOT NULL,
			success BOOLEAN NOT NULL,
			reward ` + numeric + ` NOT NULL,
			pass_rate ` + numeric + ` NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			total INTEGER NOT NULL,
			bugs_fixed INTEGER NOT NULL,
			done BOOLEAN NOT NULL,
			truncated BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (episode_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_started_at ON episodes(started_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) BeginEpisode(ctx context.Context, ep events.EpisodeStarted) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO episodes (id, work_dir, max_steps, build_error, started_at)
		 VALUES (?, ?, ?, ?, ?)`),
		ep.EpisodeID, ep.WorkDir, ep.MaxSteps, ep.BuildError, ep.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert episode %s: %w", ep.EpisodeID, err)
	}
	return nil
}

func (s *Store) RecordStep(ctx context.Context, ev events.StepEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO steps (episode_id, step, action, path, command, content_digest,
			rejected, success, reward, pass_rate, passed, failed, total, bugs_fixed,
			done, truncated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.EpisodeID, ev.Step, ev.Action, ev.Path, ev.Command, ev.ContentDigest,
		ev.Rejected, ev.Success, round(ev.Reward), round(ev.PassRate),
		ev.Passed, ev.Failed, ev.Total, ev.BugsFixed,
		ev.Done, ev.Truncated, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert step %d of %s: %w", ev.Step, ev.EpisodeID, err)
	}
	return nil
}

func (s *Store) EndEpisode(ctx context.Context, ep events.EpisodeEnded) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE episodes SET ended_at = ?, steps = ?, final_reward = ?, bugs_fixed = ?,
			solved = ?, truncated = ?
		 WHERE id = ?`),
		ep.EndedAt.UnixNano(), ep.Steps, round(ep.FinalReward), ep.BugsFixed,
		ep.Solved, ep.Truncated, ep.EpisodeID,
	)
	if err != nil {
		return fmt.Errorf("update episode %s: %w", ep.EpisodeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end episode %s: %w", ep.EpisodeID, ErrNotFound)
	}
	return nil
}

// Episode is a stored episode summary.
type Episode struct {
	ID          string     `json:"id"`
	WorkDir     string     `json:"work_dir"`
	MaxSteps    int        `json:"max_steps"`
	BuildError  string     `json:"build_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Steps       int        `json:"steps"`
	FinalReward float64    `json:"final_reward"`
	BugsFixed   int        `json:"bugs_fixed"`
	Solved      bool       `json:"solved"`
	Truncated   bool       `json:"truncated"`
}

func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	var (
		ep      Episode
		started int64
		ended   sql.NullInt64
		reward  decimal.NullDecimal
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, work_dir, max_steps, build_error, started_at, ended_at, steps,
			final_reward, bugs_fixed, solved, truncated
		 FROM episodes WHERE id = ?`), id,
	).Scan(&ep.ID, &ep.WorkDir, &ep.MaxSteps, &ep.BuildError, &started, &ended, &ep.Steps,
		&reward, &ep.BugsFixed, &ep.Solved, &ep.Truncated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}

	ep.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		ep.EndedAt = &t
	}
	if reward.Valid {
		ep.FinalReward = reward.Decimal.InexactFloat64()
	}
	return &ep, nil
}

// ListSteps returns the steps of an episode in order.
func (s *Store) ListSteps(ctx context.Context, episodeID string) ([]events.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT episode_id, step, action, path, command, content_digest, rejected, success,
			reward, pass_rate, passed, failed, total, bugs_fixed, done, truncated, created_at
		 FROM steps WHERE episode_id = ? ORDER BY step`), episodeID)
	if err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", episodeID, err)
	}
	defer rows.Close()

	var out []events.StepEvent
	for rows.Next() {
		var (
			ev       events.StepEvent
			reward   decimal.Decimal
			passRate decimal.Decimal
			created  int64
		)
		if err := rows.Scan(&ev.EpisodeID, &ev.Step, &ev.Action, &ev.Path, &ev.Command,
			&ev.ContentDigest, &ev.Rejected, &ev.Success, &reward, &passRate,
			&ev.Passed, &ev.Failed, &ev.Total, &ev.BugsFixed, &ev.Done, &ev.Truncated,
			&created); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		ev.Reward = reward.InexactFloat64()
		ev.PassRate = passRate.InexactFloat64()
		ev.Timestamp = time.Unix(0, created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(rewardPlaces)
}
