package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_jobs_enqueued_total",
		Help: "Количество задач, поставленных в очередь публикации",
	}, []string{"platform"})

	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "publish_jobs_by_state",
		Help: "Число задач публикации по состояниям",
	}, []string{"state"})

	PublishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_attempts_total",
		Help: "Попытки публикации по площадкам и исходам",
	}, []string{"platform", "outcome"})

	PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publish_dispatch_seconds",
		Help:    "Длительность вызова публикации",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	RateLimitDeferrals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_rate_limit_deferrals_total",
		Help: "Отложенные из-за лимитов попытки диспетчеризации",
	}, []string{"platform"})

	AnalyticsFetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_fetch_errors_total",
		Help: "Ошибки выборки аналитики по площадкам",
	}, []string{"platform"})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_tick_seconds",
		Help:    "Длительность одного прохода диспетчера",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsEnqueued,
		JobsByState,
		PublishAttempts,
		PublishDuration,
		RateLimitDeferrals,
		AnalyticsFetchErrors,
		TickDuration,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveQueueCounts обновляет gauge-метрики состояний очереди.
func ObserveQueueCounts(counts map[string]int) {
	for state, count := range counts {
		JobsByState.WithLabelValues(state).Set(float64(count))
	}
}
