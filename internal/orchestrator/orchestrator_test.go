package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/genai"
	"github.com/shaiso/Stepflow/internal/lease"
	"github.com/shaiso/Stepflow/internal/registry"
	"github.com/shaiso/Stepflow/internal/steps"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	store   *memory.Store
	clock   *clockwork.FakeClock
	actions *steps.Registry
	gen     *fakeGenerator
	orch    *Orchestrator
	fns     *registry.Registry

	defaultRetry *domain.RetryPolicy
}

func newHarness(t *testing.T, defs ...domain.FunctionDefinition) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		store:   memory.New(),
		clock:   clockwork.NewFakeClockAt(epoch),
		actions: steps.NewRegistry(),
		gen:     &fakeGenerator{},
	}
	h.actions.Register(steps.NewTransformAction())
	return h.withFunctions(defs...)
}

// withFunctions пересоздаёт реестр и orchestrator после регистрации действий.
func (h *harness) withFunctions(defs ...domain.FunctionDefinition) *harness {
	h.t.Helper()

	fns, err := registry.New(defs, nil)
	require.NoError(h.t, err)
	h.fns = fns

	h.orch = h.newOrchestrator(nil)
	return h
}

// newOrchestrator собирает orchestrator над общим хранилищем. nil locker —
// собственный Local (как у отдельного процесса без общего lease).
func (h *harness) newOrchestrator(locker lease.Locker) *Orchestrator {
	return New(Config{
		Store:        h.store,
		Functions:    h.fns,
		Actions:      h.actions,
		Generator:    h.gen,
		Locker:       locker,
		Clock:        h.clock,
		DefaultRetry: h.defaultRetry,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (h *harness) start(functionID string, data map[string]any) uuid.UUID {
	h.t.Helper()

	fn, ok := h.fns.Function(functionID)
	if !ok {
		fn = &domain.FunctionDefinition{ID: functionID, Steps: []domain.StepSpec{{ID: "a"}}}
	}
	run := domain.NewRun(fn, domain.Event{ID: uuid.NewString(), Name: "test/event", Data: data}, h.clock.Now())
	_, created, err := h.store.CreateRun(context.Background(), run)
	require.NoError(h.t, err)
	require.True(h.t, created)
	return run.ID
}

func (h *harness) advance(id uuid.UUID) {
	h.t.Helper()
	require.NoError(h.t, h.orch.Advance(context.Background(), id))
}

func (h *harness) run(id uuid.UUID) *domain.Run {
	h.t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) records(id uuid.UUID) []domain.StepRecord {
	h.t.Helper()
	recs, err := h.store.ListSteps(context.Background(), id)
	require.NoError(h.t, err)
	return recs
}

func (h *harness) timer(id uuid.UUID) *domain.TimerEntry {
	h.t.Helper()
	timer, err := h.store.GetTimer(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(h.t, err)
	return timer
}

type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int, req genai.Request) (*genai.Result, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, req genai.Request) (*genai.Result, error) {
	call := int(g.calls.Add(1))
	if g.fn == nil {
		return &genai.Result{Provider: req.Provider, Model: req.Model, Text: "echo: " + req.Prompt}, nil
	}
	return g.fn(ctx, call, req)
}

func runStep(id, action string, config map[string]any) domain.StepSpec {
	return domain.StepSpec{ID: id, Kind: domain.StepKindRun, Action: action, Config: config}
}

func eventFn(id string, stepList ...domain.StepSpec) domain.FunctionDefinition {
	return domain.FunctionDefinition{
		ID:      id,
		Trigger: domain.Trigger{Event: "test/event"},
		Steps:   stepList,
	}
}

func TestAdvance_ThreeStepsInOrder(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, req *steps.Request) (any, error) {
		mu.Lock()
		order = append(order, req.StepID)
		mu.Unlock()
		return map[string]any{"value": req.Config["value"]}, nil
	}
	h.actions.RegisterFunc("record", record)

	h.withFunctions(eventFn("three",
		runStep("a", "record", map[string]any{"value": "{{ .Event.data.name }}"}),
		runStep("b", "record", map[string]any{"value": "from-{{ .Steps.a.value }}"}),
		runStep("c", "record", map[string]any{"value": "from-{{ .Steps.b.value }}"}),
	))

	id := h.start("three", map[string]any{"name": "ada"})
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Empty(t, run.Cursor)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	recs := h.records(id)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i, rec.Position)
		assert.Equal(t, domain.StepStatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.Attempt)
	}
	assert.JSONEq(t, `{"value":"from-from-ada"}`, string(recs[2].Result))
}

func TestAdvance_TimeoutTwiceThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.gen.fn = func(ctx context.Context, call int, req genai.Request) (*genai.Result, error) {
		if call < 3 {
			<-ctx.Done()
			return nil, &genai.Error{Kind: domain.ErrorKindProviderTimeout, Provider: req.Provider, Err: ctx.Err()}
		}
		return &genai.Result{Provider: req.Provider, Model: req.Model, Text: "done"}, nil
	}
	h.withFunctions(eventFn("ai",
		domain.StepSpec{
			ID:         "summarize",
			Kind:       domain.StepKindAI,
			TimeoutSec: 1,
			AI:         &domain.AIRequest{Provider: "openai", Model: "gpt-4o-mini", Prompt: "sum {{ .Event.data.text }}"},
		},
	))

	id := h.start("ai", map[string]any{"text": "x"})

	h.advance(id)
	run := h.run(id)
	assert.Equal(t, domain.RunStatusSleeping, run.Status)
	assert.Equal(t, 1, run.Attempt)
	timer := h.timer(id)
	require.NotNil(t, timer)
	assert.Equal(t, domain.TimerReasonRetry, timer.Reason)
	assert.Equal(t, epoch.Add(time.Second), timer.WakeAt)

	// До срабатывания таймера повторная доставка ничего не делает.
	h.advance(id)
	assert.Equal(t, 1, h.run(id).Attempt)

	h.clock.Advance(time.Second)
	h.advance(id)
	run = h.run(id)
	assert.Equal(t, domain.RunStatusSleeping, run.Status)
	assert.Equal(t, 2, run.Attempt)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), h.timer(id).WakeAt)

	h.clock.Advance(2 * time.Second)
	h.advance(id)

	run = h.run(id)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Nil(t, h.timer(id))

	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Attempt)

	var res genai.Result
	require.NoError(t, json.Unmarshal(recs[0].Result, &res))
	assert.Equal(t, "done", res.Text)
	assert.EqualValues(t, 3, h.gen.calls.Load())
}

func TestAdvance_ConcurrentAdvanceSingleEffect(t *testing.T) {
	h := newHarness(t)

	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h.actions.RegisterFunc("charge", func(ctx context.Context, req *steps.Request) (any, error) {
		executions.Add(1)
		close(started)
		<-release
		return map[string]any{"charged": true}, nil
	})
	h.withFunctions(eventFn("pay", runStep("charge", "charge", nil)))

	id := h.start("pay", nil)

	done := make(chan error, 1)
	go func() { done <- h.orch.Advance(context.Background(), id) }()

	<-started
	// Вторая доставка того же run id упирается в lease и выходит без эффекта.
	require.NoError(t, h.orch.Advance(context.Background(), id))

	close(release)
	require.NoError(t, <-done)

	// Повторная доставка после завершения тоже ничего не выполняет.
	h.advance(id)

	assert.EqualValues(t, 1, executions.Load())
	assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	assert.Len(t, h.records(id), 1)
}

func TestAdvance_LongStepKeepsLease(t *testing.T) {
	h := newHarness(t)

	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h.actions.RegisterFunc("export", func(ctx context.Context, req *steps.Request) (any, error) {
		if executions.Add(1) == 1 {
			close(started)
			<-release
		}
		return map[string]any{"rows": 10}, nil
	})
	h.withFunctions(eventFn("export", runStep("dump", "export", nil), runStep("after", "transform", nil)))

	id := h.start("export", nil)

	done := make(chan error, 1)
	go func() { done <- h.orch.Advance(context.Background(), id) }()
	<-started

	// Шаг идёт дольше базового TTL lease; stalled-поллинг доставляет run снова.
	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.orch.Advance(context.Background(), id))

	close(release)
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, executions.Load())
	run := h.run(id)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Empty(t, run.ErrorKind)

	recs := h.records(id)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
}

func TestAdvance_LostLeaseDiscardsResult(t *testing.T) {
	h := newHarness(t)

	var executions atomic.Int32
	started := make(chan struct{})
	h.actions.RegisterFunc("export", func(ctx context.Context, req *steps.Request) (any, error) {
		if executions.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"rows": 10}, nil
	})
	h.withFunctions(eventFn("export", runStep("dump", "export", nil)))

	id := h.start("export", nil)

	done := make(chan error, 1)
	go func() { done <- h.orch.Advance(context.Background(), id) }()
	<-started

	// Часы ушли дальше TTL + таймаут шага: продление не успело, lease потерян.
	h.clock.Advance(domain.DefaultStepTimeout + 2*time.Minute)
	require.NoError(t, <-done)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Empty(t, run.ErrorKind)
	assert.Empty(t, h.records(id))
	assert.Nil(t, h.timer(id))

	h.advance(id)

	assert.EqualValues(t, 2, executions.Load())
	assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempt)
}

func TestAdvance_StaleOwnerYieldsToNewOwner(t *testing.T) {
	h := newHarness(t)

	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h.actions.RegisterFunc("ship", func(ctx context.Context, req *steps.Request) (any, error) {
		if executions.Add(1) == 1 {
			close(started)
			<-release
			return map[string]any{"by": "stale"}, nil
		}
		return map[string]any{"by": "current"}, nil
	})
	h.withFunctions(eventFn("ship",
		runStep("a", "ship", nil),
		domain.StepSpec{ID: "nap", Kind: domain.StepKindSleep, Duration: "1h"},
		runStep("b", "transform", map[string]any{"by": "{{ .Steps.a.by }}"}),
	))

	id := h.start("ship", nil)

	done := make(chan error, 1)
	go func() { done <- h.orch.Advance(context.Background(), id) }()
	<-started

	// Другой процесс со своим locker: его lease не видит первого владельца.
	other := h.newOrchestrator(lease.NewLocal(h.clock))
	require.NoError(t, other.Advance(context.Background(), id))
	require.Equal(t, domain.RunStatusSleeping, h.run(id).Status)

	close(release)
	require.NoError(t, <-done)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusSleeping, run.Status)
	assert.Empty(t, run.ErrorKind)
	assert.Equal(t, "nap", run.Cursor)
	require.NotNil(t, h.timer(id))

	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"by":"current"}`, string(recs[0].Result))

	h.clock.Advance(time.Hour)
	h.advance(id)

	assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	recs = h.records(id)
	require.Len(t, recs, 3)
	assert.JSONEq(t, `{"by":"current"}`, string(recs[2].Result))
	assert.EqualValues(t, 2, executions.Load())
}

func TestAdvance_ConfiguredRetryDefaults(t *testing.T) {
	h := newHarness(t)
	h.defaultRetry = &domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 120_000, MaxDelayMs: 600_000}

	var calls atomic.Int32
	h.actions.RegisterFunc("flaky", func(ctx context.Context, req *steps.Request) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	fn := eventFn("flaky", runStep("a", "flaky", nil))
	fn.Retry = &domain.RetryPolicy{MaxAttempts: 5}
	h.withFunctions(fn)

	id := h.start("flaky", nil)
	h.advance(id)

	timer := h.timer(id)
	require.NotNil(t, timer)
	assert.Equal(t, epoch.Add(2*time.Minute), timer.WakeAt)

	for i := 0; i < 4; i++ {
		h.clock.Advance(2 * time.Minute)
		h.advance(id)
	}

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.EqualValues(t, 5, calls.Load())
}

func TestAdvance_PermanentFailureNoRetry(t *testing.T) {
	h := newHarness(t)
	h.actions.RegisterFunc("reject", func(ctx context.Context, req *steps.Request) (any, error) {
		return nil, domain.Permanent(errors.New("bad input"))
	})
	h.withFunctions(eventFn("reject", runStep("a", "reject", nil), runStep("b", "transform", nil)))

	id := h.start("reject", nil)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindPermanent, run.ErrorKind)
	assert.Equal(t, "bad input", run.Error)
	assert.Nil(t, h.timer(id))

	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StepStatusFailed, recs[0].Status)
	assert.Equal(t, domain.ErrorKindPermanent, recs[0].ErrorKind)
}

func TestAdvance_InvalidProviderRequestNotRetried(t *testing.T) {
	h := newHarness(t)
	h.gen.fn = func(ctx context.Context, call int, req genai.Request) (*genai.Result, error) {
		return nil, &genai.Error{Kind: domain.ErrorKindProviderInvalidRequest, Provider: req.Provider, Status: 400, Err: errors.New("bad")}
	}
	h.withFunctions(eventFn("ai", domain.StepSpec{
		ID:   "gen",
		Kind: domain.StepKindAI,
		AI:   &domain.AIRequest{Provider: "anthropic", Model: "m", Prompt: "p"},
	}))

	id := h.start("ai", nil)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindProviderInvalidRequest, run.ErrorKind)
	assert.Nil(t, h.timer(id))
	assert.EqualValues(t, 1, h.gen.calls.Load())
}

func TestAdvance_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.actions.RegisterFunc("flaky", func(ctx context.Context, req *steps.Request) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	fn := eventFn("flaky", runStep("a", "flaky", nil))
	fn.Retry = &domain.RetryPolicy{MaxAttempts: 2, Backoff: "fixed", InitialDelayMs: 500}
	h.withFunctions(fn)

	id := h.start("flaky", nil)
	h.advance(id)
	require.Equal(t, domain.RunStatusSleeping, h.run(id).Status)

	h.clock.Advance(500 * time.Millisecond)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindTransient, run.ErrorKind)
	assert.EqualValues(t, 2, calls.Load())

	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempt)
}

func TestAdvance_Sleep(t *testing.T) {
	h := newHarness(t, eventFn("sleepy",
		domain.StepSpec{ID: "nap", Kind: domain.StepKindSleep, Duration: "5s"},
		runStep("after", "transform", map[string]any{"woke": "{{ .Steps.nap.wake_at }}"}),
	))

	id := h.start("sleepy", nil)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusSleeping, run.Status)
	assert.Equal(t, "nap", run.Cursor)

	timer := h.timer(id)
	require.NotNil(t, timer)
	assert.Equal(t, domain.TimerReasonSleep, timer.Reason)
	assert.False(t, timer.WakeAt.Before(epoch.Add(5*time.Second)))

	// Ранняя доставка не двигает момент пробуждения.
	h.clock.Advance(3 * time.Second)
	h.advance(id)
	assert.Equal(t, domain.RunStatusSleeping, h.run(id).Status)
	assert.Equal(t, timer.WakeAt, h.timer(id).WakeAt)
	assert.Empty(t, h.records(id))

	h.clock.Advance(2 * time.Second)
	h.advance(id)

	run = h.run(id)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Nil(t, h.timer(id))

	recs := h.records(id)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.StepKindSleep, recs[0].Kind)
	assert.JSONEq(t, `{"wake_at":"2026-03-01T12:00:05Z"}`, string(recs[0].Result))
	assert.JSONEq(t, `{"woke":"2026-03-01T12:00:05Z"}`, string(recs[1].Result))
}

func TestAdvance_SleepUntilPast(t *testing.T) {
	h := newHarness(t, eventFn("until",
		domain.StepSpec{ID: "wait", Kind: domain.StepKindSleep, Until: "2020-01-01T00:00:00Z"},
	))

	id := h.start("until", nil)
	h.advance(id)

	assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	assert.Nil(t, h.timer(id))
}

func TestAdvance_ConditionSkipsStep(t *testing.T) {
	h := newHarness(t)
	var called atomic.Bool
	h.actions.RegisterFunc("upgrade", func(ctx context.Context, req *steps.Request) (any, error) {
		called.Store(true)
		return nil, nil
	})
	upgrade := runStep("upgrade", "upgrade", nil)
	upgrade.If = `event.data.plan == "pro"`
	h.withFunctions(eventFn("cond", upgrade))

	id := h.start("cond", map[string]any{"plan": "free"})
	h.advance(id)

	assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	assert.False(t, called.Load())

	recs := h.records(id)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"skipped":true}`, string(recs[0].Result))
}

func TestAdvance_TerminalRunIsNoop(t *testing.T) {
	h := newHarness(t, eventFn("one", runStep("a", "transform", nil)))

	id := h.start("one", nil)
	h.advance(id)

	before := h.run(id)
	require.Equal(t, domain.RunStatusCompleted, before.Status)

	h.clock.Advance(time.Hour)
	h.advance(id)

	after := h.run(id)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestAdvance_AdoptsExistingRecord(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.actions.RegisterFunc("effect", func(ctx context.Context, req *steps.Request) (any, error) {
		calls.Add(1)
		return map[string]any{"fresh": true}, nil
	})
	h.withFunctions(eventFn("adopt",
		runStep("a", "effect", nil),
		runStep("b", "transform", map[string]any{"seen": "{{ .Steps.a.token }}"}),
	))

	id := h.start("adopt", nil)
	_, err := h.store.SaveStep(context.Background(), &domain.StepRecord{
		RunID:  id,
		StepID: "a",
		Kind:   domain.StepKindRun,
		Status: domain.StepStatusCompleted,
		Result: json.RawMessage(`{"token":"abc"}`),
	})
	require.NoError(t, err)

	h.advance(id)

	assert.Zero(t, calls.Load())
	recs := h.records(id)
	require.Len(t, recs, 2)
	assert.JSONEq(t, `{"seen":"abc"}`, string(recs[1].Result))
}

func TestAdvance_UnknownFunction(t *testing.T) {
	h := newHarness(t)

	id := h.start("ghost", nil)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindOrchestratorFault, run.ErrorKind)
}

func TestAdvance_CorruptedCursor(t *testing.T) {
	h := newHarness(t, eventFn("one", runStep("a", "transform", nil)))

	id := h.start("one", nil)
	run := h.run(id)
	run.Cursor = "removed-step"
	require.NoError(t, h.store.UpdateRun(context.Background(), run))

	h.advance(id)

	run = h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindOrchestratorFault, run.ErrorKind)
}

func TestAdvance_RunNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Advance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancel_SleepingRun(t *testing.T) {
	h := newHarness(t, eventFn("sleepy",
		domain.StepSpec{ID: "nap", Kind: domain.StepKindSleep, Duration: "1h"},
		runStep("after", "transform", nil),
	))

	id := h.start("sleepy", nil)
	h.advance(id)
	require.NotNil(t, h.timer(id))

	run, err := h.orch.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindCancelled, run.ErrorKind)
	assert.Nil(t, h.timer(id))

	h.clock.Advance(2 * time.Hour)
	h.advance(id)
	assert.Empty(t, h.records(id))

	_, err = h.orch.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestCancel_BetweenSteps(t *testing.T) {
	h := newHarness(t)
	var secondCalled atomic.Bool
	h.actions.RegisterFunc("first", func(ctx context.Context, req *steps.Request) (any, error) {
		_, err := h.orch.Cancel(ctx, uuid.MustParse(req.RunID))
		return "ok", err
	})
	h.actions.RegisterFunc("second", func(ctx context.Context, req *steps.Request) (any, error) {
		secondCalled.Store(true)
		return nil, nil
	})
	h.withFunctions(eventFn("cancel", runStep("a", "first", nil), runStep("b", "second", nil)))

	id := h.start("cancel", nil)
	h.advance(id)

	run := h.run(id)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindCancelled, run.ErrorKind)
	assert.False(t, secondCalled.Load())
}

func TestAdvance_FunctionConcurrency(t *testing.T) {
	h := newHarness(t)

	var active, peak atomic.Int32
	h.actions.RegisterFunc("slow", func(ctx context.Context, req *steps.Request) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	fn := eventFn("limited", runStep("a", "slow", nil))
	fn.Concurrency = 1
	h.withFunctions(fn)

	ids := []uuid.UUID{h.start("limited", nil), h.start("limited", nil), h.start("limited", nil)}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.Advance(context.Background(), id))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
	for _, id := range ids {
		assert.Equal(t, domain.RunStatusCompleted, h.run(id).Status)
	}
}
