package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	testLocker(t, NewLocal(clock), func(d time.Duration) { clock.Advance(d) })
}

func TestRedis(t *testing.T) {
	r := miniredis.RunT(t)
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	defer client.Close()

	testLocker(t, NewRedis(client, ""), r.FastForward)
}

// testLocker проверяет общую семантику; advance сдвигает время хранилища.
func testLocker(t *testing.T, locker Locker, advance func(time.Duration)) {
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "run-1", 10*time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "run-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld, "second acquire must fail while held")

	other, err := locker.Acquire(ctx, "run-2", 10*time.Second)
	require.NoError(t, err, "different keys are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Extend(ctx, 30*time.Second))
	advance(20 * time.Second)
	_, err = locker.Acquire(ctx, "run-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld, "extended lease must still be held")

	require.NoError(t, first.Release(ctx))
	second, err := locker.Acquire(ctx, "run-1", 10*time.Second)
	require.NoError(t, err, "released lease can be re-acquired")

	// Истёкший lease достаётся следующему владельцу; старый владелец его не снимает
	advance(11 * time.Second)
	third, err := locker.Acquire(ctx, "run-1", 10*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, second.Extend(ctx, time.Minute), ErrLeaseLost)
	require.NoError(t, second.Release(ctx))

	_, err = locker.Acquire(ctx, "run-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld, "stale release must not drop the new owner's lease")
	require.NoError(t, third.Release(ctx))
}
