package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/store"
)

// Значения по умолчанию.
const (
	defaultConcurrency  = 8
	defaultPollInterval = 10 * time.Second
	defaultStaleAfter   = 30 * time.Second
	defaultBatchSize    = 50
)

// Advancer продвигает run. Реализация: *orchestrator.Orchestrator.
type Advancer interface {
	Advance(ctx context.Context, runID uuid.UUID) error
}

// Worker — пул, который достаёт run id и вызывает Advance.
//
// Источники run id:
//   - очередь runs.ready в RabbitMQ (Conn);
//   - LocalQueue в однопроцессном режиме (Queue);
//   - polling зависших runs из хранилища (Runs).
//
// Worker не хранит состояния: несколько экземпляров безопасно
// работают параллельно, взаимоисключение даёт lease в Advance.
type Worker struct {
	advancer Advancer
	runs     store.RunStore
	conn     *mq.Connection
	queue    *LocalQueue

	clock        clockwork.Clock
	concurrency  int
	pollInterval time.Duration
	staleAfter   time.Duration
	batchSize    int

	logger *slog.Logger

	// inflight — run id, отданные пулу polling'ом и ещё не завершённые.
	inflight sync.Map
}

// Config — конфигурация Worker.
type Config struct {
	Advancer Advancer

	// Runs включает polling fallback (опционально).
	Runs store.RunStore

	// Conn включает потребление runs.ready (опционально).
	Conn *mq.Connection

	// Queue включает чтение локальной очереди (опционально).
	Queue *LocalQueue

	Clock        clockwork.Clock
	Concurrency  int           // default: 8
	PollInterval time.Duration // default: 10s
	StaleAfter   time.Duration // run без изменений дольше этого считается зависшим (default: 30s)
	BatchSize    int           // default: 50

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		advancer:     cfg.Advancer,
		runs:         cfg.Runs,
		conn:         cfg.Conn,
		queue:        cfg.Queue,
		clock:        cfg.Clock,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		staleAfter:   cfg.StaleAfter,
		batchSize:    cfg.BatchSize,
		logger:       cfg.Logger,
	}

	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.staleAfter <= 0 {
		w.staleAfter = defaultStaleAfter
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")

	return w
}

// Run запускает все настроенные источники и блокируется до отмены ctx.
// Возвращается после завершения всех начатых Advance.
func (w *Worker) Run(ctx context.Context) error {
	if w.conn == nil && w.queue == nil && w.runs == nil {
		return ErrNoSource
	}

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"amqp", w.conn != nil,
		"local_queue", w.queue != nil,
		"poll", w.runs != nil,
		"poll_interval", w.pollInterval,
	)

	var wg conc.WaitGroup

	if w.conn != nil {
		for range w.concurrency {
			consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
				Queue:    string(mq.QueueRunsReady),
				Handler:  w.handleRunReady,
				Prefetch: 1,
			})
			wg.Go(func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("run consumer stopped", "error", err)
				}
			})
		}
	}

	if w.queue != nil {
		wg.Go(func() { w.consumeLocal(ctx) })
	}

	if w.runs != nil {
		wg.Go(func() { w.pollLoop(ctx) })
	}

	wg.Wait()
	w.logger.Info("worker stopped")

	return ctx.Err()
}

// consumeLocal читает LocalQueue и продвигает runs в пуле.
func (w *Worker) consumeLocal(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(w.concurrency)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case runID, ok := <-w.queue.receive():
			if !ok {
				return
			}
			p.Go(func() {
				if err := w.advance(ctx, runID); err != nil {
					w.logger.Error("advance failed", "run_id", runID, "error", err)
				}
			})
		}
	}
}

// pollLoop периодически подбирает зависшие runs.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	p := pool.New().WithMaxGoroutines(w.concurrency)
	defer p.Wait()

	// Первый проход сразу: подбираем runs, брошенные пока воркер был выключен
	w.poll(ctx, p)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.poll(ctx, p)
		}
	}
}

// Poll выполняет один проход polling и ждёт завершения запущенных Advance.
// Возвращает число отданных в работу runs.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	if w.runs == nil {
		return 0, ErrNoSource
	}
	p := pool.New().WithMaxGoroutines(w.concurrency)
	n, err := w.poll(ctx, p)
	p.Wait()
	return n, err
}

func (w *Worker) poll(ctx context.Context, p *pool.Pool) (int, error) {
	before := w.clock.Now().Add(-w.staleAfter)

	runs, err := w.runs.ListStalled(ctx, before, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list stalled runs", "error", err)
		}
		return 0, err
	}

	dispatched := 0
	for i := range runs {
		runID := runs[i].ID
		if _, busy := w.inflight.LoadOrStore(runID, struct{}{}); busy {
			continue
		}
		dispatched++
		recordEnqueued("poll")

		p.Go(func() {
			defer w.inflight.Delete(runID)
			if err := w.advance(ctx, runID); err != nil {
				w.logger.Error("advance from poll failed", "run_id", runID, "error", err)
			}
		})
	}

	if dispatched > 0 {
		w.logger.Debug("poll picked up stalled runs", "count", dispatched)
	}
	return dispatched, nil
}
