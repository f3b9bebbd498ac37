package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/usecase/queue"
	"publish-scheduler/internal/usecase/timing"
)

// Options управляет выбором времени публикации. Учитывается ровно одна политика:
// немедленно, заданное время или оптимальный слот; по умолчанию — немедленно.
type Options struct {
	Immediate        bool   `json:"immediate,omitempty"`
	CustomSchedule   string `json:"custom_schedule,omitempty"`
	UseOptimalTiming bool   `json:"use_optimal_timing,omitempty"`
	Priority         int    `json:"priority,omitempty"`
}

// Item — результат планирования для одной площадки.
type Item struct {
	Platform    domain.Platform `json:"platform"`
	JobID       string          `json:"job_id,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Report — итог планирования: частичный успех допустим, пропуски по площадкам
// сообщаются вызывающему, а не валят весь запрос.
type Report struct {
	ContentID int64  `json:"content_id"`
	Items     []Item `json:"items"`
}

// Service превращает запрос «опубликовать контент на площадки» в задачи очереди.
type Service struct {
	log        zerolog.Logger
	publishers domain.PublisherRegistry
	enricher   domain.Enricher
	timing     *timing.Service
	queue      *queue.Service
	now        func() time.Time
}

// NewService создаёт планировщик.
func NewService(logger zerolog.Logger, publishers domain.PublisherRegistry, enricher domain.Enricher, timingSvc *timing.Service, queueSvc *queue.Service) *Service {
	return &Service{
		log:        logger,
		publishers: publishers,
		enricher:   enricher,
		timing:     timingSvc,
		queue:      queueSvc,
		now:        time.Now,
	}
}

// WithClock подменяет источник времени (для тестов).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Schedule создаёт по одной задаче очереди на каждую площадку с зарегистрированным
// издателем. Непарсящееся кастомное время отклоняется синхронно и целиком.
func (s *Service) Schedule(ctx context.Context, contentID int64, platforms []domain.Platform, opts Options) (Report, error) {
	report := Report{ContentID: contentID}
	if len(platforms) == 0 {
		return report, fmt.Errorf("%w: no platforms requested", domain.ErrInvalidJob)
	}

	var customAt time.Time
	if !opts.Immediate && opts.CustomSchedule != "" {
		parsed, err := time.Parse(time.RFC3339, opts.CustomSchedule)
		if err != nil {
			return report, fmt.Errorf("%w: bad custom schedule %q: %v", domain.ErrInvalidJob, opts.CustomSchedule, err)
		}
		customAt = parsed.UTC()
	}

	for _, platform := range platforms {
		item := Item{Platform: platform}
		if _, ok := s.publishers.Lookup(platform); !ok {
			item.Skipped = true
			item.Reason = "no registered publisher"
			s.log.Warn().Int64("content_id", contentID).Str("platform", string(platform)).
				Msg("scheduling: площадка без издателя пропущена")
			report.Items = append(report.Items, item)
			continue
		}

		scheduledAt, err := s.targetTime(ctx, platform, opts, customAt)
		if err != nil {
			item.Skipped = true
			item.Reason = err.Error()
			report.Items = append(report.Items, item)
			continue
		}

		payload, err := s.enricher.Enrich(ctx, contentID, platform)
		if err != nil {
			item.Skipped = true
			item.Reason = fmt.Sprintf("enrichment failed: %v", err)
			s.log.Error().Err(err).Int64("content_id", contentID).Str("platform", string(platform)).
				Msg("scheduling: не удалось обогатить контент")
			report.Items = append(report.Items, item)
			continue
		}

		job, err := s.queue.Enqueue(ctx, domain.PublishJob{
			ContentID:   contentID,
			Platform:    platform,
			Payload:     payload,
			ScheduledAt: scheduledAt,
			Priority:    opts.Priority,
		})
		if err != nil {
			item.Skipped = true
			item.Reason = fmt.Sprintf("enqueue failed: %v", err)
			report.Items = append(report.Items, item)
			continue
		}

		item.JobID = job.ID
		item.ScheduledAt = job.ScheduledAt
		report.Items = append(report.Items, item)
		s.log.Info().Int64("content_id", contentID).Str("platform", string(platform)).
			Str("job_id", job.ID).Time("scheduled_at", job.ScheduledAt).
			Msg("scheduling: задача поставлена в очередь")
	}
	return report, nil
}

func (s *Service) targetTime(ctx context.Context, platform domain.Platform, opts Options, customAt time.Time) (time.Time, error) {
	switch {
	case opts.Immediate:
		return s.now().UTC(), nil
	case !customAt.IsZero():
		return customAt, nil
	case opts.UseOptimalTiming:
		at, err := s.timing.NextOccurrence(ctx, platform)
		if err != nil {
			return time.Time{}, fmt.Errorf("optimal timing: %w", err)
		}
		return at, nil
	default:
		return s.now().UTC(), nil
	}
}
