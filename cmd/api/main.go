package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"publish-scheduler/internal/adapters/publisher"
	"publish-scheduler/internal/adapters/repo"
	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/config"
	"publish-scheduler/internal/infra/db"
	httpinfra "publish-scheduler/internal/infra/http"
	applog "publish-scheduler/internal/infra/log"
	"publish-scheduler/internal/infra/metrics"
	"publish-scheduler/internal/infra/queue"
	calendarusecase "publish-scheduler/internal/usecase/calendar"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	registry := buildRegistry(cfg, logger)
	scheduleQueue := buildScheduleQueue(cfg, logger)

	calendarService, err := calendarusecase.NewService(repoAdapter, registry, cfg.Calendar.ContentTypes, cfg.Calendar.ExcludedSlots)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: некорректная конфигурация календаря")
	}

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())

	server.Router.Post("/api/v1/schedule", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ContentID <= 0 {
			writeError(w, http.StatusBadRequest, "content_id is required")
			return
		}
		if len(req.Platforms) == 0 {
			writeError(w, http.StatusBadRequest, "platforms are required")
			return
		}
		if req.CustomSchedule != "" {
			if _, err := time.Parse(time.RFC3339, req.CustomSchedule); err != nil {
				writeError(w, http.StatusBadRequest, "custom_schedule must be RFC3339")
				return
			}
		}
		scheduled := domain.ScheduleRequest{
			ID:               uuid.NewString(),
			ContentID:        req.ContentID,
			Platforms:        req.Platforms,
			Immediate:        req.Immediate,
			CustomSchedule:   req.CustomSchedule,
			UseOptimalTiming: req.UseOptimalTiming,
			Priority:         req.Priority,
			RequestedAt:      time.Now().UTC(),
		}
		if err := scheduleQueue.Enqueue(r.Context(), scheduled); err != nil {
			logger.Error().Err(err).Int64("content_id", req.ContentID).Msg("api: не удалось поставить запрос в очередь")
			writeError(w, http.StatusInternalServerError, "failed to enqueue request")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": scheduled.ID})
	})

	server.Router.Get("/api/v1/calendar", func(w http.ResponseWriter, r *http.Request) {
		days := 14
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 90 {
				writeError(w, http.StatusBadRequest, "days must be in 1..90")
				return
			}
			days = parsed
		}
		entries, err := calendarService.Project(r.Context(), days)
		if err != nil {
			logger.Error().Err(err).Msg("api: не удалось построить календарь")
			writeError(w, http.StatusInternalServerError, "failed to project calendar")
			return
		}
		if entries == nil {
			entries = []domain.CalendarEntry{}
		}
		writeJSON(w, map[string]any{"days": days, "entries": entries})
	})

	server.Router.Get("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		state := domain.JobState(r.URL.Query().Get("state"))
		if state == "" {
			state = domain.JobStatePending
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be in 1..1000")
				return
			}
			limit = parsed
		}
		jobs, err := repoAdapter.ListByState(r.Context(), state, limit)
		if err != nil {
			logger.Error().Err(err).Msg("api: не удалось получить задачи")
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		if jobs == nil {
			jobs = []domain.PublishJob{}
		}
		writeJSON(w, map[string]any{"state": state, "jobs": jobs})
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

type scheduleRequest struct {
	ContentID        int64             `json:"content_id"`
	Platforms        []domain.Platform `json:"platforms"`
	Immediate        bool              `json:"immediate"`
	CustomSchedule   string            `json:"custom_schedule"`
	UseOptimalTiming bool              `json:"use_optimal_timing"`
	Priority         int               `json:"priority"`
}

func buildRegistry(cfg config.AppConfig, logger zerolog.Logger) *publisher.Registry {
	registry := publisher.NewRegistry()
	register := func(platform domain.Platform, baseURL, rawSlot string) {
		if baseURL == "" {
			logger.Warn().Str("platform", string(platform)).Msg("api: издатель не сконфигурирован, площадка пропущена")
			return
		}
		slot, err := publisher.ParseSlot(rawSlot)
		if err != nil {
			logger.Fatal().Err(err).Str("platform", string(platform)).Msg("api: некорректный слот по умолчанию")
		}
		bridge, err := publisher.NewBridge(platform, baseURL, slot, cfg.Publishers.PublishTimeout)
		if err != nil {
			logger.Fatal().Err(err).Str("platform", string(platform)).Msg("api: не удалось создать издателя")
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
			logger.Fatal().Msg("api: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		q, err := queue.NewRabbitScheduleQueue(cfg.RabbitURL, cfg.Queues.Schedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		return q
	default:
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("api: не указан адрес Redis (REDIS_ADDR)")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisScheduleQueue(client, cfg.Queues.Schedule)
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
