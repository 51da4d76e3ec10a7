package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepflow/internal/domain"
)

// StepRepo — репозиторий мемоизированных шагов.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `run_id, step_id, position, kind, status, result, attempt, error, error_kind, completed_at`

// SaveStep пишет запись, если её ещё нет (write-if-absent).
func (r *StepRepo) SaveStep(ctx context.Context, rec *domain.StepRecord) (bool, error) {
	query := `
		INSERT INTO steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, step_id) DO NOTHING
	`
	var result []byte
	if len(rec.Result) > 0 {
		result = rec.Result
	}

	tag, err := r.pool.Exec(ctx, query,
		rec.RunID,
		rec.StepID,
		rec.Position,
		rec.Kind,
		string(rec.Status),
		result,
		rec.Attempt,
		nullString(rec.Error),
		nullString(string(rec.ErrorKind)),
		rec.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetStep возвращает запись шага.
func (r *StepRepo) GetStep(ctx context.Context, runID uuid.UUID, stepID string) (*domain.StepRecord, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 AND step_id = $2`
	return scanStep(r.pool.QueryRow(ctx, query, runID, stepID))
}

// ListSteps возвращает все записи run в порядке плана.
func (r *StepRepo) ListSteps(ctx context.Context, runID uuid.UUID) ([]domain.StepRecord, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var records []domain.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanStep(row pgx.Row) (*domain.StepRecord, error) {
	var rec domain.StepRecord
	var status string
	var result []byte
	var stepError, errorKind *string

	err := row.Scan(
		&rec.RunID,
		&rec.StepID,
		&rec.Position,
		&rec.Kind,
		&status,
		&result,
		&rec.Attempt,
		&stepError,
		&errorKind,
		&rec.CompletedAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}

	rec.Status = domain.StepStatus(status)
	if len(result) > 0 {
		rec.Result = result
	}
	if stepError != nil {
		rec.Error = *stepError
	}
	if errorKind != nil {
		rec.ErrorKind = domain.ErrorKind(*errorKind)
	}
	return &rec, nil
}
