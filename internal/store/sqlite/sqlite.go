// Package sqlite — хранилище run на SQLite для локального режима (stepflow-dev).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store — store.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open открывает (или создаёт) базу по пути path; ":memory:" — база в памяти.
//
// SQLite допускает одного писателя, поэтому пул ограничен одним соединением:
// условные записи сериализуются без SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Runs ---

const runColumns = `id, function_id, event, status, cursor, attempt, version, error, error_kind,
	idempotency_key, created_at, started_at, updated_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	eventJSON, err := json.Marshal(run.Event)
	if err != nil {
		return nil, false, fmt.Errorf("marshal event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		run.ID.String(), run.FunctionID, string(eventJSON), string(run.Status), run.Cursor,
		run.Attempt, run.Version, run.Error, string(run.ErrorKind), run.IdempotencyKey,
		millis(run.CreatedAt), nullMillis(run.StartedAt), millis(run.UpdatedAt), nullMillis(run.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		stored := *run
		return &stored, true, nil
	}

	existing, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, run.IdempotencyKey))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String()))
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, cursor = ?, attempt = ?, version = version + 1, error = ?, error_kind = ?,
		    started_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(run.Status), run.Cursor, run.Attempt, run.Error, string(run.ErrorKind),
		nullMillis(run.StartedAt), millis(run.UpdatedAt), nullMillis(run.CompletedAt),
		run.ID.String(), run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}

	run.Version++
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]domain.Run, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE (? = '' OR function_id = ?) AND (? = '' OR status = ?)`,
		filter.FunctionID, filter.FunctionID, string(filter.Status), string(filter.Status),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE (? = '' OR function_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`,
		filter.FunctionID, filter.FunctionID, string(filter.Status), string(filter.Status),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := s.collectRuns(rows)
	return runs, total, err
}

func (s *Store) ListStalled(ctx context.Context, before time.Time, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs r
		WHERE r.updated_at < ?
		  AND (r.status IN ('PENDING', 'RUNNING')
		       OR (r.status = 'SLEEPING' AND NOT EXISTS (SELECT 1 FROM timers t WHERE t.run_id = r.id)))
		ORDER BY r.updated_at
		LIMIT ?`,
		millis(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stalled runs: %w", err)
	}
	return s.collectRuns(rows)
}

func (s *Store) collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row scanner) (*domain.Run, error) {
	var (
		run                    domain.Run
		id, eventJSON, status  string
		errorKind              string
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)

	err := row.Scan(&id, &run.FunctionID, &eventJSON, &status, &run.Cursor, &run.Attempt, &run.Version,
		&run.Error, &errorKind, &run.IdempotencyKey, &createdAt, &startedAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if err := json.Unmarshal([]byte(eventJSON), &run.Event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	run.Status = domain.ParseRunStatus(status)
	run.ErrorKind = domain.ErrorKind(errorKind)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	run.StartedAt = fromNullMillis(startedAt)
	run.CompletedAt = fromNullMillis(completedAt)
	return &run, nil
}

// --- Steps ---

func (s *Store) SaveStep(ctx context.Context, rec *domain.StepRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, step_id, position, kind, status, result, attempt, error, error_kind, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO NOTHING`,
		rec.RunID.String(), rec.StepID, rec.Position, rec.Kind, string(rec.Status), nullBytes(rec.Result),
		rec.Attempt, rec.Error, string(rec.ErrorKind), millis(rec.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert step: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const stepColumns = `run_id, step_id, position, kind, status, result, attempt, error, error_kind, completed_at`

func (s *Store) GetStep(ctx context.Context, runID uuid.UUID, stepID string) (*domain.StepRecord, error) {
	return scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_id = ?`, runID.String(), stepID))
}

func (s *Store) ListSteps(ctx context.Context, runID uuid.UUID) ([]domain.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY position`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanStep(row scanner) (*domain.StepRecord, error) {
	var (
		rec           domain.StepRecord
		runID, status string
		errorKind     string
		result        sql.NullString
		completedAt   int64
	)

	err := row.Scan(&runID, &rec.StepID, &rec.Position, &rec.Kind, &status, &result,
		&rec.Attempt, &rec.Error, &errorKind, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if rec.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	rec.Status = domain.StepStatus(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CompletedAt = fromMillis(completedAt)
	return &rec, nil
}

// --- Timers ---

func (s *Store) ScheduleTimer(ctx context.Context, timer *domain.TimerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (run_id, step_id, position, reason, wake_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			step_id = excluded.step_id, position = excluded.position, reason = excluded.reason,
			wake_at = excluded.wake_at, created_at = excluded.created_at`,
		timer.RunID.String(), timer.StepID, timer.Position, timer.Reason,
		millis(timer.WakeAt), millis(timer.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

const timerColumns = `run_id, step_id, position, reason, wake_at, created_at`

func (s *Store) GetTimer(ctx context.Context, runID uuid.UUID) (*domain.TimerEntry, error) {
	return scanTimer(s.db.QueryRowContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE run_id = ?`, runID.String()))
}

func (s *Store) DeleteTimer(ctx context.Context, runID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE run_id = ?`, runID.String()); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

func (s *Store) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]domain.TimerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM timers
		WHERE run_id IN (SELECT run_id FROM timers WHERE wake_at <= ? ORDER BY wake_at LIMIT ?)
		RETURNING `+timerColumns,
		millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim timers: %w", err)
	}
	defer rows.Close()

	var out []domain.TimerEntry
	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *timer)
	}
	return out, rows.Err()
}

func scanTimer(row scanner) (*domain.TimerEntry, error) {
	var (
		timer             domain.TimerEntry
		runID             string
		wakeAt, createdAt int64
	)

	err := row.Scan(&runID, &timer.StepID, &timer.Position, &timer.Reason, &wakeAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan timer: %w", err)
	}

	if timer.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	timer.WakeAt = fromMillis(wakeAt)
	timer.CreatedAt = fromMillis(createdAt)
	return &timer, nil
}

// --- Helpers ---

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
