package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `id, function_id, event, status, cursor, attempt, version, error, error_kind,
	idempotency_key, created_at, started_at, updated_at, completed_at`

// CreateRun создаёт run; дубликат по idempotency_key возвращает существующий.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	eventJSON, err := json.Marshal(run.Event)
	if err != nil {
		return nil, false, fmt.Errorf("marshal event: %w", err)
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		run.FunctionID,
		eventJSON,
		run.Status,
		run.Cursor,
		run.Attempt,
		run.Version,
		nullString(run.Error),
		nullString(string(run.ErrorKind)),
		run.IdempotencyKey,
		run.CreatedAt,
		run.StartedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	if tag.RowsAffected() == 1 {
		stored := *run
		return &stored, true, nil
	}

	existing, err := r.GetByIdempotencyKey(ctx, run.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("get existing run: %w", err)
	}
	return existing, false, nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE idempotency_key = $1`
	return scanRun(r.pool.QueryRow(ctx, query, key))
}

// UpdateRun обновляет run при совпадении версии (compare-and-set).
func (r *RunRepo) UpdateRun(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs
		SET status = $3, cursor = $4, attempt = $5, version = version + 1,
		    error = $6, error_kind = $7, started_at = $8, updated_at = $9, completed_at = $10
		WHERE id = $1 AND version = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Version,
		run.Status,
		run.Cursor,
		run.Attempt,
		nullString(run.Error),
		nullString(string(run.ErrorKind)),
		run.StartedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	run.Version++
	return nil
}

// ListRuns возвращает страницу runs с фильтрацией и общее количество.
func (r *RunRepo) ListRuns(ctx context.Context, filter store.RunFilter) ([]domain.Run, int, error) {
	var total int
	countQuery := `
		SELECT COUNT(*) FROM runs
		WHERE ($1::text IS NULL OR function_id = $1)
		  AND ($2::text IS NULL OR status = $2::run_status)
	`
	if err := r.pool.QueryRow(ctx, countQuery,
		nullString(filter.FunctionID),
		nullString(string(filter.Status)),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `
		SELECT ` + runColumns + ` FROM runs
		WHERE ($1::text IS NULL OR function_id = $1)
		  AND ($2::text IS NULL OR status = $2::run_status)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.FunctionID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}

	runs, err := collectRuns(rows)
	return runs, total, err
}

// ListStalled возвращает runs, которые никто не продвигает.
func (r *RunRepo) ListStalled(ctx context.Context, before time.Time, limit int) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + ` FROM runs r
		WHERE r.updated_at < $1
		  AND (r.status IN ('PENDING', 'RUNNING')
		       OR (r.status = 'SLEEPING' AND NOT EXISTS (SELECT 1 FROM timers t WHERE t.run_id = r.id)))
		ORDER BY r.updated_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled runs: %w", err)
	}
	return collectRuns(rows)
}

// --- Helpers ---

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanRun сканирует одну строку (pgx.Row или pgx.Rows) в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var eventJSON []byte
	var status string
	var runError, errorKind *string

	err := row.Scan(
		&run.ID,
		&run.FunctionID,
		&eventJSON,
		&status,
		&run.Cursor,
		&run.Attempt,
		&run.Version,
		&runError,
		&errorKind,
		&run.IdempotencyKey,
		&run.CreatedAt,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(eventJSON, &run.Event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	run.Status = domain.ParseRunStatus(status)
	if runError != nil {
		run.Error = *runError
	}
	if errorKind != nil {
		run.ErrorKind = domain.ErrorKind(*errorKind)
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
