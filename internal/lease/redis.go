package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

// Снятие и продление проверяют токен владельца: чужой lease не трогаем.
var (
	releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	extendScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Redis — распределённый Locker поверх Redis (SET NX EX).
type Redis struct {
	client rueidis.Client
	prefix string
}

// NewRedis создаёт Locker. Ключи получают префикс prefix ("stepflow:lease:").
func NewRedis(client rueidis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "stepflow:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Dial подключается к Redis по адресу addr.
func Dial(addr string) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return client, nil
}

// Acquire берёт lease. TTL округляется до секунд (минимум 1s).
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	ttl = max(ttl, time.Second)
	token := uuid.NewString()
	k := r.prefix + key

	res := r.client.Do(ctx, r.client.B().Set().Key(k).Value(token).Nx().Ex(ttl).Build())
	set, err := res.AsBool()
	if err != nil && !rueidis.IsRedisNil(err) {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !set {
		return nil, ErrLeaseHeld
	}

	return &redisLease{client: r.client, key: k, token: token}, nil
}

type redisLease struct {
	client rueidis.Client
	key    string
	token  string
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Exec(ctx, l.client, []string{l.key},
		[]string{l.token, fmt.Sprint(ttl.Milliseconds())}).AsInt64()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Exec(ctx, l.client, []string{l.key}, []string{l.token}).Error(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
