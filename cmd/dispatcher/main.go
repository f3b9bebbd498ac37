package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"publish-scheduler/internal/adapters/enrichment"
	"publish-scheduler/internal/adapters/publisher"
	"publish-scheduler/internal/adapters/repo"
	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/cache"
	"publish-scheduler/internal/infra/config"
	"publish-scheduler/internal/infra/db"
	httpinfra "publish-scheduler/internal/infra/http"
	applog "publish-scheduler/internal/infra/log"
	"publish-scheduler/internal/infra/metrics"
	"publish-scheduler/internal/infra/periodic"
	infraqueue "publish-scheduler/internal/infra/queue"
	analyticsusecase "publish-scheduler/internal/usecase/analytics"
	queueusecase "publish-scheduler/internal/usecase/queue"
	schedulingusecase "publish-scheduler/internal/usecase/scheduling"
	timingusecase "publish-scheduler/internal/usecase/timing"
)

// tickGuardTTL защищает от двойного прохода, если по ошибке запущены два диспетчера.
const tickGuardTTL = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	registry := buildRegistry(cfg, logger)
	if len(registry.Platforms()) == 0 {
		logger.Fatal().Msg("dispatcher: не сконфигурирован ни один издатель")
	}
	scheduleQueue := buildScheduleQueue(cfg, logger)

	var redisCache domain.Cache
	if cfg.RedisAddr != "" {
		redisCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	windows := queueusecase.NewWindowSet(map[domain.Platform]queueusecase.Limit{
		domain.PlatformYouTube: {PerHour: cfg.Rates.YouTubePerHour, PerDay: cfg.Rates.YouTubePerDay},
		domain.PlatformTikTok:  {PerHour: cfg.Rates.TikTokPerHour, PerDay: cfg.Rates.TikTokPerDay},
	}, nil)
	queueService := queueusecase.NewService(
		logger.With().Str("component", "queue").Logger(),
		repoAdapter,
		registry,
		windows,
		queueusecase.WithRetryPolicy(queueusecase.RetryPolicy{
			Base:        cfg.Retry.Base,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
		queueusecase.WithPublishTimeout(cfg.Publishers.PublishTimeout),
	)

	// Задачи, зависшие в dispatching при прошлом падении, считаются потерянными.
	recovered, err := queueService.Recover(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось восстановить очередь после рестарта")
	}
	if recovered > 0 {
		logger.Warn().Int("jobs", recovered).Msg("dispatcher: восстановлены задачи, прерванные рестартом")
	}

	if cfg.Enrichment.BaseURL == "" {
		logger.Fatal().Msg("dispatcher: не указан адрес сервиса обогащения (ENRICHMENT_BASE_URL)")
	}
	enricher, err := enrichment.New(cfg.Enrichment.BaseURL, cfg.Enrichment.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось создать клиента обогащения")
	}

	timingService := timingusecase.NewService(repoAdapter, registry, redisCache)
	schedulingService := schedulingusecase.NewService(
		logger.With().Str("component", "scheduling").Logger(),
		registry,
		enricher,
		timingService,
		queueService,
	)
	analyticsService := analyticsusecase.NewService(
		logger.With().Str("component", "analytics").Logger(),
		repoAdapter,
		repoAdapter,
		repoAdapter,
		registry,
		cfg.Analytics.FetchWindow,
		cfg.Analytics.StatsWindow,
	)

	runner := periodic.NewRunner(logger.With().Str("component", "periodic").Logger())
	mustAdd(logger, runner, "queue_tick", cfg.Cron.Tick, func(taskCtx context.Context) error {
		if redisCache != nil {
			return redisCache.Once("dispatcher:tick_guard", tickGuardTTL, func() error {
				return queueService.Tick(taskCtx)
			})
		}
		return queueService.Tick(taskCtx)
	})
	mustAdd(logger, runner, "analytics_refresh", cfg.Cron.Refresh, analyticsService.RefreshSamples)
	mustAdd(logger, runner, "stats_recompute", cfg.Cron.Recompute, analyticsService.RecomputeStats)
	if err := runner.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось запустить периодические задачи")
	}
	defer runner.Stop()

	go consumeScheduleRequests(ctx, logger, scheduleQueue, schedulingService)

	server := newOpsServer(logger, queueService)
	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("dispatcher: сервер остановлен")
		}
	}()

	logger.Info().Msg("dispatcher: запущен")
	<-ctx.Done()
	logger.Info().Msg("dispatcher: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func mustAdd(logger zerolog.Logger, runner *periodic.Runner, name, spec string, task periodic.Task) {
	if err := runner.Add(name, spec, task); err != nil {
		logger.Fatal().Err(err).Str("task", name).Msg("dispatcher: некорректное cron-выражение")
	}
}

// consumeScheduleRequests читает запросы на планирование из брокера и превращает
// их в задачи очереди. Запрос подтверждается и при частичных пропусках: повтор
// целого запроса создал бы дубликаты задач для уже обслуженных площадок.
func consumeScheduleRequests(ctx context.Context, logger zerolog.Logger, scheduleQueue domain.ScheduleQueue, scheduling *schedulingusecase.Service) {
	for {
		req, ack, err := scheduleQueue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error().Err(err).Msg("dispatcher: ошибка чтения очереди запросов")
			time.Sleep(time.Second)
			continue
		}

		reqLog := logger.With().Str("request_id", req.ID).Int64("content_id", req.ContentID).Logger()
		report, err := scheduling.Schedule(ctx, req.ContentID, req.Platforms, schedulingusecase.Options{
			Immediate:        req.Immediate,
			CustomSchedule:   req.CustomSchedule,
			UseOptimalTiming: req.UseOptimalTiming,
			Priority:         req.Priority,
		})
		if err != nil {
			reqLog.Error().Err(err).Msg("dispatcher: запрос на планирование отклонён")
			if ackErr := ack(true); ackErr != nil {
				reqLog.Error().Err(ackErr).Msg("dispatcher: не удалось подтвердить отклонённый запрос")
			}
			continue
		}
		for _, item := range report.Items {
			if item.Skipped {
				reqLog.Warn().Str("platform", string(item.Platform)).Str("reason", item.Reason).
					Msg("dispatcher: площадка пропущена")
			}
		}
		if err := ack(true); err != nil {
			reqLog.Error().Err(err).Msg("dispatcher: не удалось подтвердить запрос")
		}
	}
}

func newOpsServer(logger zerolog.Logger, queueService *queueusecase.Service) *httpinfra.Server {
	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())

	server.Router.Get("/api/v1/queue/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := queueService.Status(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: не удалось получить статус очереди")
			writeError(w, http.StatusInternalServerError, "failed to read queue status")
			return
		}
		writeJSON(w, status)
	})

	server.Router.Post("/api/v1/queue/retry-abandoned", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			JobIDs []string `json:"job_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.JobIDs) == 0 {
			writeError(w, http.StatusBadRequest, "job_ids are required")
			return
		}
		moved, err := queueService.RetryAbandoned(r.Context(), req.JobIDs)
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: не удалось вернуть задачи в очередь")
			writeError(w, http.StatusInternalServerError, "failed to retry jobs")
			return
		}
		writeJSON(w, map[string]int{"retried": moved})
	})

	server.Router.Post("/api/v1/queue/pause", func(w http.ResponseWriter, r *http.Request) {
		queueService.Pause()
		writeJSON(w, map[string]string{"status": "paused"})
	})

	server.Router.Post("/api/v1/queue/resume", func(w http.ResponseWriter, r *http.Request) {
		queueService.Resume()
		writeJSON(w, map[string]string{"status": "running"})
	})

	return server
}

func buildRegistry(cfg config.AppConfig, logger zerolog.Logger) *publisher.Registry {
	registry := publisher.NewRegistry()
	register := func(platform domain.Platform, baseURL, rawSlot string) {
		if baseURL == "" {
			logger.Warn().Str("platform", string(platform)).Msg("dispatcher: издатель не сконфигурирован, площадка пропущена")
			return
		}
		slot, err := publisher.ParseSlot(rawSlot)
		if err != nil {
			logger.Fatal().Err(err).Str("platform", string(platform)).Msg("dispatcher: некорректный слот по умолчанию")
		}
		bridge, err := publisher.NewBridge(platform, baseURL, slot, cfg.Publishers.PublishTimeout)
		if err != nil {
			logger.Fatal().Err(err).Str("platform", string(platform)).Msg("dispatcher: не удалось создать издателя")
		}
		registry.Register(platform, bridge)
	}
	register(domain.PlatformYouTube, cfg.Publishers.YouTubeURL, cfg.Publishers.YouTubeDefaultSlot)
	register(domain.PlatformTikTok, cfg.Publishers.TikTokURL, cfg.Publishers.TikTokDefaultSlot)
	return registry
}

func buildScheduleQueue(cfg config.AppConfig, logger zerolog.Logger) domain.ScheduleQueue {
	switch cfg.Broker {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			logger.Fatal().Msg("dispatcher: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		q, err := infraqueue.NewRabbitScheduleQueue(cfg.RabbitURL, cfg.Queues.Schedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось инициализировать очередь RabbitMQ")
		}
		return q
	default:
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("dispatcher: не указан адрес Redis (REDIS_ADDR)")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return infraqueue.NewRedisScheduleQueue(client, cfg.Queues.Schedule)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
