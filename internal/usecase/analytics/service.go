package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/metrics"
	"publish-scheduler/internal/usecase/timing"
)

// Service обновляет аналитику: забирает свежие выборки по опубликованным роликам
// и ежедневно пересчитывает статистику слотов из полного скользящего окна.
type Service struct {
	log        zerolog.Logger
	jobs       domain.JobRepo
	samples    domain.SampleRepo
	stats      domain.StatsRepo
	publishers domain.PublisherRegistry

	fetchWindow  time.Duration
	statsWindow  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
}

// NewService создаёт обновлятор аналитики.
func NewService(logger zerolog.Logger, jobs domain.JobRepo, samples domain.SampleRepo, stats domain.StatsRepo, publishers domain.PublisherRegistry, fetchWindow, statsWindow time.Duration) *Service {
	if fetchWindow <= 0 {
		fetchWindow = 72 * time.Hour
	}
	if statsWindow <= 0 {
		statsWindow = 30 * 24 * time.Hour
	}
	return &Service{
		log:          logger,
		jobs:         jobs,
		samples:      samples,
		stats:        stats,
		publishers:   publishers,
		fetchWindow:  fetchWindow,
		statsWindow:  statsWindow,
		fetchTimeout: 30 * time.Second,
		now:          time.Now,
	}
}

// WithClock подменяет источник времени (для тестов).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RefreshSamples забирает показатели всех роликов, опубликованных за хвостовое
// окно. Отказ по одному ролику логируется и пропускается: сбой API одной
// площадки не останавливает пакет.
func (s *Service) RefreshSamples(ctx context.Context) error {
	since := s.now().UTC().Add(-s.fetchWindow)
	published, err := s.jobs.ListPublishedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list published: %w", err)
	}

	var fresh []domain.PerformanceSample
	for _, job := range published {
		pub, ok := s.publishers.Lookup(job.Platform)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		sample, err := pub.GetAnalytics(callCtx, job.PlatformVideoID)
		cancel()
		if err != nil {
			metrics.AnalyticsFetchErrors.WithLabelValues(string(job.Platform)).Inc()
			s.log.Warn().Err(err).Str("video_id", job.PlatformVideoID).Str("platform", string(job.Platform)).
				Msg("analytics: выборка по ролику пропущена")
			continue
		}
		sample.Engagement = domain.EngagementRate(sample.Views, sample.Likes, sample.Comments, sample.Shares)
		if sample.FetchedAt.IsZero() {
			sample.FetchedAt = s.now().UTC()
		}
		fresh = append(fresh, sample)
	}

	if len(fresh) == 0 {
		return nil
	}
	if err := s.samples.SaveSamples(ctx, fresh); err != nil {
		return fmt.Errorf("save samples: %w", err)
	}
	s.log.Info().Int("samples", len(fresh)).Int("published", len(published)).
		Msg("analytics: выборки обновлены")
	return nil
}

// RecomputeStats пересчитывает статистику слотов целиком из скользящего окна
// выборок и атомарно заменяет агрегат.
func (s *Service) RecomputeStats(ctx context.Context) error {
	since := s.now().UTC().Add(-s.statsWindow)
	samples, err := s.samples.ListSamplesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list samples: %w", err)
	}
	stats := timing.ComputeSlotStats(samples)
	if err := s.stats.ReplaceSlotStats(ctx, stats); err != nil {
		return fmt.Errorf("replace slot stats: %w", err)
	}
	s.log.Info().Int("samples", len(samples)).Int("slots", len(stats)).
		Msg("analytics: статистика слотов пересчитана")
	return nil
}
