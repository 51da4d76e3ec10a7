package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepflow/internal/domain"
)

// TimerRepo — репозиторий таймеров.
type TimerRepo struct {
	pool *pgxpool.Pool
}

// NewTimerRepo создаёт новый TimerRepo.
func NewTimerRepo(pool *pgxpool.Pool) *TimerRepo {
	return &TimerRepo{pool: pool}
}

const timerColumns = `run_id, step_id, position, reason, wake_at, created_at`

// ScheduleTimer ставит таймер run, заменяя предыдущий.
func (r *TimerRepo) ScheduleTimer(ctx context.Context, timer *domain.TimerEntry) error {
	query := `
		INSERT INTO timers (` + timerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			step_id = EXCLUDED.step_id,
			position = EXCLUDED.position,
			reason = EXCLUDED.reason,
			wake_at = EXCLUDED.wake_at,
			created_at = EXCLUDED.created_at
	`
	_, err := r.pool.Exec(ctx, query,
		timer.RunID,
		timer.StepID,
		timer.Position,
		timer.Reason,
		timer.WakeAt,
		timer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

// GetTimer возвращает активный таймер run.
func (r *TimerRepo) GetTimer(ctx context.Context, runID uuid.UUID) (*domain.TimerEntry, error) {
	query := `SELECT ` + timerColumns + ` FROM timers WHERE run_id = $1`
	return scanTimer(r.pool.QueryRow(ctx, query, runID))
}

// DeleteTimer удаляет таймер run.
func (r *TimerRepo) DeleteTimer(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM timers WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

// ClaimDueTimers забирает due-таймеры. SKIP LOCKED позволяет нескольким
// экземплярам опрашивать таблицу параллельно, не получая одни и те же строки.
func (r *TimerRepo) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]domain.TimerEntry, error) {
	query := `
		DELETE FROM timers
		WHERE run_id IN (
			SELECT run_id FROM timers
			WHERE wake_at <= $1
			ORDER BY wake_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + timerColumns
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim timers: %w", err)
	}
	defer rows.Close()

	var timers []domain.TimerEntry
	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, *timer)
	}
	return timers, rows.Err()
}

func scanTimer(row pgx.Row) (*domain.TimerEntry, error) {
	var timer domain.TimerEntry
	err := row.Scan(
		&timer.RunID,
		&timer.StepID,
		&timer.Position,
		&timer.Reason,
		&timer.WakeAt,
		&timer.CreatedAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan timer: %w", err)
	}
	return &timer, nil
}
