package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Stepflow/internal/repo"
)

var errLeadershipLost = errors.New("leadership lost")

// RunAsLeader выполняет fn, только пока процесс удерживает advisory-блокировку
// key. Остальные экземпляры ждут и пробуют снова каждые retry.
//
// Без Postgres (sqlite, memory) процесс единственный, и fn вызывается сразу.
// Потеря соединения с блокировкой отменяет контекст fn, после чего
// выборы начинаются заново.
func (a *App) RunAsLeader(ctx context.Context, key int64, retry time.Duration, fn func(ctx context.Context) error) error {
	if a.Pool == nil {
		return fn(ctx)
	}

	for {
		lock, err := repo.TryAdvisoryLock(ctx, a.Pool, key)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			a.Logger.Warn("leader election failed", "error", err)
		case lock == nil:
			a.Logger.Debug("another instance is leader, waiting", "retry", retry)
		default:
			a.Logger.Info("acquired leadership", "lock_key", key)
			err := a.lead(ctx, lock, retry, fn)

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if relErr := lock.Release(releaseCtx); relErr != nil {
				a.Logger.Warn("failed to release leadership", "error", relErr)
			}
			cancel()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, errLeadershipLost) {
				return err
			}
			a.Logger.Warn("leadership lost, re-electing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.Clock.After(retry):
		}
	}
}

func (a *App) lead(ctx context.Context, lock *repo.AdvisoryLock, interval time.Duration, fn func(ctx context.Context) error) error {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(leaderCtx)

	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})

	g.Go(func() error {
		ticker := a.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.Chan():
				if err := lock.Check(gctx); err != nil && gctx.Err() == nil {
					a.Logger.Error("leader lock check failed", "error", err)
					return errLeadershipLost
				}
			}
		}
	})

	return g.Wait()
}
