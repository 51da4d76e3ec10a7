// Package storetest — общий набор проверок для реализаций store.Store.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
)

// Factory создаёт чистое хранилище для одного теста.
type Factory func(t *testing.T) store.Store

// Run запускает все проверки.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateRunIdempotent", func(t *testing.T) { testCreateRunIdempotent(t, newStore(t)) })
	t.Run("UpdateRunCompareAndSet", func(t *testing.T) { testUpdateRunCAS(t, newStore(t)) })
	t.Run("ListRunsPagination", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("ListStalled", func(t *testing.T) { testListStalled(t, newStore(t)) })
	t.Run("SaveStepWriteOnce", func(t *testing.T) { testSaveStepWriteOnce(t, newStore(t)) })
	t.Run("SaveStepConcurrent", func(t *testing.T) { testSaveStepConcurrent(t, newStore(t)) })
	t.Run("Timers", func(t *testing.T) { testTimers(t, newStore(t)) })
	t.Run("ClaimDueTimersOnce", func(t *testing.T) { testClaimOnce(t, newStore(t)) })
}

// NewRun строит run для тестов.
func NewRun(functionID, eventID string, createdAt time.Time) *domain.Run {
	fn := &domain.FunctionDefinition{ID: functionID, Steps: []domain.StepSpec{{ID: "a"}, {ID: "b"}}}
	evt := domain.Event{ID: eventID, Name: "test/event", Data: map[string]any{"n": float64(1)}, Timestamp: createdAt.UnixMilli()}
	return domain.NewRun(fn, evt, createdAt.UTC().Truncate(time.Millisecond))
}

func testCreateRunIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	first := NewRun("fn", "evt-1", now)
	stored, created, err := s.CreateRun(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	dup := NewRun("fn", "evt-1", now)
	stored, created, err = s.CreateRun(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID, "duplicate publish must return the existing run")

	got, err := s.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "fn", got.FunctionID)
	assert.Equal(t, domain.RunStatusPending, got.Status)
	assert.Equal(t, "a", got.Cursor)
	assert.Equal(t, "evt-1", got.Event.ID)
	assert.Equal(t, float64(1), got.Event.Data["n"])

	_, err = s.GetRun(ctx, dup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateRunCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	run := NewRun("fn", "evt-cas", time.Now())
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	a, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	b, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)

	a.Advance("b")
	a.MarkRunning(time.Now())
	require.NoError(t, s.UpdateRun(ctx, a))
	assert.Equal(t, run.Version+1, a.Version)

	b.MarkFailed(time.Now(), domain.ErrorKindCancelled, "stale writer")
	assert.ErrorIs(t, s.UpdateRun(ctx, b), store.ErrConflict)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Cursor)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	missing := NewRun("fn", "evt-missing", time.Now())
	assert.ErrorIs(t, s.UpdateRun(ctx, missing), store.ErrNotFound)
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		_, _, err := s.CreateRun(ctx, NewRun("fn", uuid.NewString(), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, _, err := s.CreateRun(ctx, NewRun("other", uuid.NewString(), base))
	require.NoError(t, err)

	page, total, err := s.ListRuns(ctx, store.RunFilter{FunctionID: "fn", Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

	last, total, err := s.ListRuns(ctx, store.RunFilter{FunctionID: "fn", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, last, 1)

	empty, _, err := s.ListRuns(ctx, store.RunFilter{FunctionID: "fn", Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testListStalled(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	pending := NewRun("fn", "stalled-pending", old)
	sleepingWithTimer := NewRun("fn", "stalled-sleeping-timer", old)
	sleepingOrphan := NewRun("fn", "stalled-sleeping-orphan", old)
	done := NewRun("fn", "stalled-done", old)
	fresh := NewRun("fn", "fresh", time.Now())

	for _, r := range []*domain.Run{pending, sleepingWithTimer, sleepingOrphan, done, fresh} {
		_, _, err := s.CreateRun(ctx, r)
		require.NoError(t, err)
	}

	for _, r := range []*domain.Run{sleepingWithTimer, sleepingOrphan} {
		r.MarkSleeping()
		require.NoError(t, s.UpdateRun(ctx, r))
	}
	done.MarkCompleted(old)
	require.NoError(t, s.UpdateRun(ctx, done))

	require.NoError(t, s.ScheduleTimer(ctx, &domain.TimerEntry{
		RunID: sleepingWithTimer.ID, StepID: "a", Reason: domain.TimerReasonSleep,
		WakeAt: time.Now().Add(time.Hour), CreatedAt: old,
	}))

	stalled, err := s.ListStalled(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool)
	for _, r := range stalled {
		ids[r.ID] = true
	}
	assert.True(t, ids[pending.ID], "pending run should be stalled")
	assert.True(t, ids[sleepingOrphan.ID], "sleeping run without timer should be stalled")
	assert.False(t, ids[sleepingWithTimer.ID], "sleeping run with timer is not stalled")
	assert.False(t, ids[done.ID], "terminal run is never stalled")
	assert.False(t, ids[fresh.ID], "recently updated run is not stalled")
}

func testSaveStepWriteOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := uuid.New()

	first := &domain.StepRecord{
		RunID: runID, StepID: "a", Position: 0, Kind: domain.StepKindRun,
		Status: domain.StepStatusCompleted, Result: json.RawMessage(`{"v":1}`),
		Attempt: 1, CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	saved, err := s.SaveStep(ctx, first)
	require.NoError(t, err)
	assert.True(t, saved)

	second := *first
	second.Result = json.RawMessage(`{"v":2}`)
	saved, err = s.SaveStep(ctx, &second)
	require.NoError(t, err)
	assert.False(t, saved, "second write must be discarded")

	got, err := s.GetStep(ctx, runID, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.Result))
	assert.Equal(t, domain.StepStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)

	_, err = s.GetStep(ctx, runID, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	later := &domain.StepRecord{RunID: runID, StepID: "b", Position: 1, Kind: domain.StepKindSleep,
		Status: domain.StepStatusCompleted, CompletedAt: time.Now().UTC()}
	_, err = s.SaveStep(ctx, later)
	require.NoError(t, err)

	list, err := s.ListSteps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].StepID)
	assert.Equal(t, "b", list[1].StepID)
}

func testSaveStepConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &domain.StepRecord{RunID: runID, StepID: "race", Kind: domain.StepKindRun,
				Status: domain.StepStatusCompleted, Attempt: i + 1, CompletedAt: time.Now().UTC()}
			saved, err := s.SaveStep(ctx, rec)
			assert.NoError(t, err)
			if saved {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one writer must win")
}

func testTimers(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := uuid.New()
	wake := time.Now().Add(5 * time.Second).UTC().Truncate(time.Millisecond)

	_, err := s.GetTimer(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.ScheduleTimer(ctx, &domain.TimerEntry{
		RunID: runID, StepID: "sleep", Position: 1, Reason: domain.TimerReasonSleep,
		WakeAt: wake, CreatedAt: time.Now().UTC(),
	}))

	got, err := s.GetTimer(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "sleep", got.StepID)
	assert.True(t, got.WakeAt.Equal(wake))

	// Второй таймер заменяет первый: активен не больше одного
	require.NoError(t, s.ScheduleTimer(ctx, &domain.TimerEntry{
		RunID: runID, StepID: "call", Position: 2, Reason: domain.TimerReasonRetry,
		WakeAt: wake.Add(time.Second), CreatedAt: time.Now().UTC(),
	}))
	got, err = s.GetTimer(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerReasonRetry, got.Reason)

	require.NoError(t, s.DeleteTimer(ctx, runID))
	require.NoError(t, s.DeleteTimer(ctx, runID))
	_, err = s.GetTimer(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	due := uuid.New()
	later := uuid.New()
	require.NoError(t, s.ScheduleTimer(ctx, &domain.TimerEntry{RunID: due, StepID: "s", Reason: domain.TimerReasonSleep, WakeAt: now.Add(-time.Second), CreatedAt: now}))
	require.NoError(t, s.ScheduleTimer(ctx, &domain.TimerEntry{RunID: later, StepID: "s", Reason: domain.TimerReasonSleep, WakeAt: now.Add(time.Hour), CreatedAt: now}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDueTimers(ctx, now, 10)
			assert.NoError(t, err)
			mu.Lock()
			claimed += len(got)
			mu.Unlock()
			for _, timer := range got {
				assert.Equal(t, due, timer.RunID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed, "a due timer is consumed exactly once")

	_, err := s.GetTimer(ctx, later)
	assert.NoError(t, err, "timer in the future must stay")
}
