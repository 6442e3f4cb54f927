package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helmsman-dev/helmsman/internal/domain"
	"github.com/helmsman-dev/helmsman/internal/domain/plan"
	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

// Store implements repository.Store using PostgreSQL. Each plan is one row
// holding its task arena as JSONB: snapshots are written and read whole,
// matching the repository's point-in-time contract.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertPlan writes the full plan snapshot, replacing any previous version.
func (s *Store) UpsertPlan(ctx context.Context, p *plan.Plan) error {
	tasks, err := json.Marshal(orEmptyTasks(p.Tasks))
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, request, status, tasks, config, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, request = EXCLUDED.request, status = EXCLUDED.status,
		     tasks = EXCLUDED.tasks, config = EXCLUDED.config, version = EXCLUDED.version,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Request, string(p.Status), tasks, cfg, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan reads the last written snapshot for a plan id.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, request, status, tasks, config, version, created_at, updated_at
		 FROM plans WHERE id = $1`, id)

	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get plan %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

// ListPlans returns all plan snapshots, newest first.
func (s *Store) ListPlans(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, request, status, tasks, config, version, created_at, updated_at
		 FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// DeletePlansBefore removes terminal plans last updated before the cutoff.
func (s *Store) DeletePlansBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM plans
		 WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(plan.StatusCompleted), string(plan.StatusFailed), string(plan.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete plans before %s: %w", cutoff, err)
	}
	return int(tag.RowsAffected()), nil
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanPlan(row scannable) (*plan.Plan, error) {
	var p plan.Plan
	var status string
	var tasks, cfg []byte
	err := row.Scan(&p.ID, &p.Name, &p.Request, &status, &tasks, &cfg, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = plan.Status(status)
	if err := json.Unmarshal(tasks, &p.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &p, nil
}

// orEmptyTasks ensures JSON serialization produces [] instead of null.
func orEmptyTasks(tasks []task.Task) []task.Task {
	if tasks == nil {
		return []task.Task{}
	}
	return tasks
}
