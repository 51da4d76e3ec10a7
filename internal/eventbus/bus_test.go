package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/registry"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/store/memory"
)

type recordingQueue struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail bool
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("broker unavailable")
	}
	q.ids = append(q.ids, id)
	return nil
}

func fn(id, event, cond string) domain.FunctionDefinition {
	return domain.FunctionDefinition{
		ID:      id,
		Trigger: domain.Trigger{Event: event, If: cond},
		Steps:   []domain.StepSpec{{ID: "s1", Kind: domain.StepKindSleep, Duration: "1s"}},
	}
}

func newBus(t *testing.T, defs ...domain.FunctionDefinition) (*Bus, *memory.Store, *recordingQueue) {
	t.Helper()
	reg, err := registry.New(defs, nil)
	require.NoError(t, err)

	st := memory.New()
	q := &recordingQueue{}
	bus := New(Config{
		Runs:      st,
		Functions: reg,
		Enqueuer:  q,
		Clock:     clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return bus, st, q
}

func TestPublish_CreatesRunPerMatchingFunction(t *testing.T) {
	bus, st, q := newBus(t,
		fn("hello-world", "test/hello.world", ""),
		fn("audit", "test/hello.world", ""),
		fn("other", "test/other", ""),
	)
	ctx := context.Background()

	res, err := bus.Publish(ctx, domain.Event{Name: "test/hello.world", Data: map[string]any{"email": "a@b.c"}})
	require.NoError(t, err)

	_, err = ulid.Parse(res.EventID)
	assert.NoError(t, err, "event id should be a ULID")
	require.Len(t, res.RunIDs, 2)
	assert.ElementsMatch(t, res.RunIDs, q.ids)

	for _, id := range res.RunIDs {
		run, err := st.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusPending, run.Status)
		assert.Equal(t, run.FunctionID+":"+res.EventID, run.IdempotencyKey)
		assert.Equal(t, res.EventID, run.Event.ID)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), run.Event.Timestamp)
		assert.Equal(t, "a@b.c", run.Event.Data["email"])
	}
}

func TestPublish_SameEventIDIsIdempotent(t *testing.T) {
	bus, st, q := newBus(t, fn("hello-world", "test/hello.world", ""))
	ctx := context.Background()
	evt := domain.Event{ID: "evt-1", Name: "test/hello.world", Timestamp: 42}

	first, err := bus.Publish(ctx, evt)
	require.NoError(t, err)
	second, err := bus.Publish(ctx, evt)
	require.NoError(t, err)

	assert.Equal(t, first.RunIDs, second.RunIDs)
	assert.Len(t, q.ids, 1)

	_, total, err := st.ListRuns(ctx, store.RunFilter{FunctionID: "hello-world"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPublish_ConcurrentSameEventID(t *testing.T) {
	bus, st, q := newBus(t,
		fn("hello-world", "test/hello.world", ""),
		fn("audit", "test/hello.world", ""),
	)
	ctx := context.Background()
	evt := domain.Event{ID: "evt-race", Name: "test/hello.world"}

	const publishers = 16
	results := make([]*PublishResult, publishers)
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := bus.Publish(ctx, evt)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, fnID := range []string{"hello-world", "audit"} {
		_, total, err := st.ListRuns(ctx, store.RunFilter{FunctionID: fnID})
		require.NoError(t, err)
		assert.Equal(t, 1, total, fnID)
	}

	// Все публикации видят одни и те же runs; в очередь каждый попал один раз.
	require.NotNil(t, results[0])
	for _, res := range results[1:] {
		require.NotNil(t, res)
		assert.ElementsMatch(t, results[0].RunIDs, res.RunIDs)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.ElementsMatch(t, results[0].RunIDs, q.ids)
}

func TestPublish_ConcurrentDistinctEvents(t *testing.T) {
	bus, st, q := newBus(t, fn("hello-world", "test/hello.world", ""))
	ctx := context.Background()

	const publishers = 16
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bus.Publish(ctx, domain.Event{ID: uuid.NewString(), Name: "test/hello.world"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, total, err := st.ListRuns(ctx, store.RunFilter{FunctionID: "hello-world"})
	require.NoError(t, err)
	assert.Equal(t, publishers, total)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.ids, publishers)
}

func TestPublish_NoMatchIsNoop(t *testing.T) {
	bus, _, q := newBus(t, fn("hello-world", "test/hello.world", ""))

	res, err := bus.Publish(context.Background(), domain.Event{Name: "test/hello"})
	require.NoError(t, err)
	assert.Empty(t, res.RunIDs)
	assert.Empty(t, q.ids)
}

func TestPublish_TriggerFilter(t *testing.T) {
	bus, _, _ := newBus(t,
		fn("pro-only", "user/signup", `event.data.plan == "pro"`),
		fn("everyone", "user/signup", ""),
	)
	ctx := context.Background()

	res, err := bus.Publish(ctx, domain.Event{Name: "user/signup", Data: map[string]any{"plan": "free"}})
	require.NoError(t, err)
	assert.Len(t, res.RunIDs, 1)

	res, err = bus.Publish(ctx, domain.Event{Name: "user/signup", Data: map[string]any{"plan": "pro"}})
	require.NoError(t, err)
	assert.Len(t, res.RunIDs, 2)
}

func TestPublish_EnqueueFailureIsNotSurfaced(t *testing.T) {
	bus, st, q := newBus(t, fn("hello-world", "test/hello.world", ""))
	q.fail = true

	res, err := bus.Publish(context.Background(), domain.Event{Name: "test/hello.world"})
	require.NoError(t, err)
	require.Len(t, res.RunIDs, 1)

	run, err := st.GetRun(context.Background(), res.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
}

func TestPublish_EmptyName(t *testing.T) {
	bus, _, _ := newBus(t)
	_, err := bus.Publish(context.Background(), domain.Event{})
	assert.ErrorIs(t, err, ErrEmptyEventName)
}
