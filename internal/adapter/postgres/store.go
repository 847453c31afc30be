package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/domain/usage"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run *testrun.TestRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO test_runs (id, user_id, url, personas, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.UserID, run.URL, personaStrings(run.Personas), run.Status, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status testrun.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s status: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveTerminalRun(ctx context.Context, run *testrun.TestRun) error {
	var aggJSON any
	if run.Aggregate != nil {
		b, err := json.Marshal(run.Aggregate)
		if err != nil {
			return fmt.Errorf("marshal aggregate: %w", err)
		}
		aggJSON = b
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE test_runs SET status = $2, error = $3, aggregate = $4, completed_at = $5
		 WHERE id = $1`,
		run.ID, run.Status, run.Error, aggJSON, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("save terminal run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save terminal run %s: %w", run.ID, domain.ErrNotFound)
	}

	for _, res := range run.Results {
		bugsJSON, err := json.Marshal(orEmpty(res.Bugs))
		if err != nil {
			return fmt.Errorf("marshal bugs: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO agent_results (run_id, persona, status, bugs, quality_score, summary, duration_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (run_id, persona) DO UPDATE
			 SET status = EXCLUDED.status, bugs = EXCLUDED.bugs, quality_score = EXCLUDED.quality_score,
			     summary = EXCLUDED.summary, duration_seconds = EXCLUDED.duration_seconds`,
			run.ID, res.Persona, res.Status, bugsJSON, res.QualityScore, res.Summary, res.DurationSec)
		if err != nil {
			return fmt.Errorf("save result %s/%s: %w", run.ID, res.Persona, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit terminal run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*testrun.TestRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, url, personas, status, error, aggregate, created_at, completed_at
		 FROM test_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT persona, status, bugs, quality_score, summary, duration_seconds
		 FROM agent_results WHERE run_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s results: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var res testrun.AgentResult
		var bugsJSON []byte
		if err := rows.Scan(&res.Persona, &res.Status, &bugsJSON,
			&res.QualityScore, &res.Summary, &res.DurationSec); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(bugsJSON, &res.Bugs); err != nil {
			return nil, fmt.Errorf("unmarshal bugs: %w", err)
		}
		if run.Results == nil {
			run.Results = make(map[persona.ID]*testrun.AgentResult)
		}
		run.Results[res.Persona] = &res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get run %s results: %w", id, err)
	}
	return run, nil
}

func (s *Store) ListRunsByUser(ctx context.Context, userID string, limit int) ([]testrun.TestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, url, personas, status, error, aggregate, created_at, completed_at
		 FROM test_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []testrun.TestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Usage ---

func (s *Store) GetUsage(ctx context.Context, userID string, limit int) (*usage.Record, error) {
	rec := &usage.Record{UserID: userID, Limit: limit}
	err := s.pool.QueryRow(ctx,
		`SELECT tests_used FROM usage_records WHERE user_id = $1`, userID).Scan(&rec.Used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get usage %s: %w", userID, err)
	}
	return rec, nil
}

// AdmitUsage increments the user's counter only while it is below the limit.
// The conditional upsert makes the test-and-increment a single statement, so
// concurrent admissions cannot exceed the limit.
func (s *Store) AdmitUsage(ctx context.Context, userID string, limit int) (*usage.Record, bool, error) {
	rec := &usage.Record{UserID: userID, Limit: limit}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, tests_used) VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE
		 SET tests_used = usage_records.tests_used + 1, updated_at = now()
		 WHERE usage_records.tests_used < $2
		 RETURNING tests_used`,
		userID, limit).Scan(&rec.Used)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("admit usage %s: %w", userID, err)
	}

	// Denied: the WHERE clause filtered the update. Read the current count.
	if err := s.pool.QueryRow(ctx,
		`SELECT tests_used FROM usage_records WHERE user_id = $1`, userID).Scan(&rec.Used); err != nil {
		return nil, false, fmt.Errorf("read usage %s after denial: %w", userID, err)
	}
	return rec, false, nil
}

// --- Helpers ---

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*testrun.TestRun, error) {
	var run testrun.TestRun
	var personas []string
	var aggJSON []byte
	if err := row.Scan(&run.ID, &run.UserID, &run.URL, &personas, &run.Status,
		&run.Error, &aggJSON, &run.CreatedAt, &run.CompletedAt); err != nil {
		return nil, err
	}
	run.Personas = make([]persona.ID, len(personas))
	for i, p := range personas {
		run.Personas[i] = persona.ID(p)
	}
	if len(aggJSON) > 0 {
		var agg testrun.Aggregate
		if err := json.Unmarshal(aggJSON, &agg); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate: %w", err)
		}
		run.Aggregate = &agg
	}
	return &run, nil
}

func personaStrings(ids []persona.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
