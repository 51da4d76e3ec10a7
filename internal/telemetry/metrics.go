package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики регистрируются в prometheus.DefaultRegisterer и
// отдаются через promhttp.Handler() на /metrics каждого сервиса.
var (
	// EventsPublished — принятые события.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepflow_events_published_total",
		Help: "Total number of events accepted by the event bus",
	})

	// RunsCreated — созданные runs по функциям.
	RunsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_runs_created_total",
		Help: "Total number of runs created",
	}, []string{"function"})

	// RunsFinished — завершённые runs по функциям и статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_runs_finished_total",
		Help: "Total number of runs reaching a terminal status",
	}, []string{"function", "status"})

	// StepsExecuted — попытки шагов по виду и исходу (completed, failed, retry, skipped).
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_steps_executed_total",
		Help: "Total number of step attempts",
	}, []string{"kind", "outcome"})

	// StepDuration — длительность попыток шагов.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepflow_step_duration_seconds",
		Help:    "Duration of step attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TimersFired — сработавшие таймеры по причине.
	TimersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_timers_fired_total",
		Help: "Total number of timers consumed",
	}, []string{"reason"})

	// ProviderRequests — запросы к генеративным провайдерам по исходу.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_provider_requests_total",
		Help: "Total number of generation provider requests",
	}, []string{"provider", "outcome"})

	// LeaseContention — продвижения, пропущенные из-за занятого lease.
	LeaseContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepflow_lease_contention_total",
		Help: "Total number of advances skipped because another worker held the run lease",
	})

	// RunsEnqueued — run id, поставленные в очередь воркеров.
	RunsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_runs_enqueued_total",
		Help: "Total number of run ids enqueued for advancing",
	}, []string{"source"})

	// HTTPRequests — запросы к API по шаблону маршрута и статусу.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_http_requests_total",
		Help: "Total HTTP requests handled by the API",
	}, []string{"method", "route", "status"})
)
