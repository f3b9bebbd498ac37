package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/metrics"
)

// RetryPolicy описывает повторы временных отказов публикации.
type RetryPolicy struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 10 * time.Minute
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 6 * time.Hour
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Backoff возвращает задержку перед следующей попыткой: base * 2^(attempt-1),
// с потолком MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Service — очередь публикаций: допуск, приоритеты, лимиты, повторы и переходы
// состояний. Мутация состояния очереди сериализована: Tick держит один мьютекс,
// поэтому два конкурентных прохода не могут одновременно пройти допуск по лимитам.
type Service struct {
	log        zerolog.Logger
	jobs       domain.JobRepo
	publishers domain.PublisherRegistry
	windows    *WindowSet

	retry          RetryPolicy
	publishTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	paused bool
}

// Option настраивает очередь.
type Option func(*Service)

// WithRetryPolicy задаёт политику повторов.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Service) { s.retry = policy.withDefaults() }
}

// WithPublishTimeout ограничивает длительность одного вызова публикации.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.publishTimeout = timeout
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт очередь публикаций.
func NewService(logger zerolog.Logger, jobs domain.JobRepo, publishers domain.PublisherRegistry, windows *WindowSet, opts ...Option) *Service {
	s := &Service{
		log:            logger,
		jobs:           jobs,
		publishers:     publishers,
		windows:        windows,
		retry:          RetryPolicy{}.withDefaults(),
		publishTimeout: 60 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue валидирует и вставляет новую задачу в pending.
func (s *Service) Enqueue(ctx context.Context, job domain.PublishJob) (domain.PublishJob, error) {
	if job.ScheduledAt.IsZero() {
		return domain.PublishJob{}, fmt.Errorf("%w: scheduled_at is not set", domain.ErrInvalidJob)
	}
	if _, ok := s.publishers.Lookup(job.Platform); !ok {
		return domain.PublishJob{}, fmt.Errorf("%w: %s has no registered publisher", domain.ErrInvalidJob, job.Platform)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = domain.JobStatePending
	job.Attempt = 0
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = s.now().UTC()
	if err := s.jobs.InsertJob(ctx, job); err != nil {
		return domain.PublishJob{}, fmt.Errorf("insert job: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Platform)).Inc()
	return job, nil
}

// Tick — один проход диспетчера: перевод подошедших задач в due и их
// диспетчеризация в детерминированном порядке с учётом лимитов. Проходы
// сериализованы; задачи, не прошедшие допуск, остаются due без штрафа.
func (s *Service) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	if s.paused {
		s.log.Debug().Msg("queue: очередь на паузе, проход пропущен")
		return nil
	}

	now := s.now().UTC()
	if _, err := s.jobs.MarkDue(ctx, now); err != nil {
		return fmt.Errorf("mark due: %w", err)
	}
	due, err := s.jobs.ListDue(ctx)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}

	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.windows.Allow(job.Platform) {
			metrics.RateLimitDeferrals.WithLabelValues(string(job.Platform)).Inc()
			s.log.Debug().Str("job_id", job.ID).Str("platform", string(job.Platform)).
				Msg("queue: допуск отложен лимитом площадки")
			continue
		}
		s.dispatch(ctx, job)
	}

	s.observeCounts(ctx)
	return nil
}

func (s *Service) dispatch(ctx context.Context, job domain.PublishJob) {
	jobLog := s.log.With().Str("job_id", job.ID).Str("platform", string(job.Platform)).Logger()

	pub, ok := s.publishers.Lookup(job.Platform)
	if !ok {
		// Издатель мог исчезнуть между рестартами: допуск уже зарезервирован,
		// но вызывать некого.
		job.Attempt++
		s.fail(ctx, job, domain.NewPermanentError(domain.ErrUnknownPlatform), jobLog)
		return
	}

	job.State = domain.JobStateDispatching
	job.Attempt++
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("queue: не удалось перевести задачу в dispatching")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	start := time.Now()
	videoID, err := pub.Publish(callCtx, job.Payload)
	cancel()
	metrics.PublishDuration.WithLabelValues(string(job.Platform)).Observe(time.Since(start).Seconds())

	if err != nil {
		s.fail(ctx, job, err, jobLog)
		return
	}

	job.State = domain.JobStateSucceeded
	job.PlatformVideoID = videoID
	job.LastError = ""
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("queue: не удалось записать успех публикации")
		return
	}
	metrics.PublishAttempts.WithLabelValues(string(job.Platform), "succeeded").Inc()
	jobLog.Info().Str("video_id", videoID).Int("attempt", job.Attempt).Msg("queue: публикация выполнена")
}

// fail фиксирует отказ и применяет политику повторов: failed → pending с
// экспоненциальной задержкой, либо abandoned при неповторяемом отказе или
// исчерпании бюджета попыток.
func (s *Service) fail(ctx context.Context, job domain.PublishJob, cause error, jobLog zerolog.Logger) {
	job.State = domain.JobStateFailed
	job.LastError = cause.Error()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("queue: не удалось записать отказ публикации")
		return
	}

	switch {
	case domain.IsPermanent(cause):
		job.State = domain.JobStateAbandoned
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "permanent").Inc()
		jobLog.Error().Err(cause).Int("attempt", job.Attempt).Msg("queue: неповторяемый отказ, задача оставлена")
	case job.Attempt >= s.retry.MaxAttempts:
		job.State = domain.JobStateAbandoned
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "exhausted").Inc()
		jobLog.Error().Err(cause).Int("attempt", job.Attempt).Msg("queue: бюджет попыток исчерпан, задача оставлена")
	default:
		job.State = domain.JobStatePending
		job.ScheduledAt = s.now().UTC().Add(s.retry.Backoff(job.Attempt))
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "failed").Inc()
		jobLog.Warn().Err(cause).Int("attempt", job.Attempt).Time("next_try", job.ScheduledAt).
			Msg("queue: временный отказ, повторим с задержкой")
	}

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("queue: не удалось применить политику повторов")
	}
}

// Recover обрабатывает задачи, зависшие в dispatching после рестарта процесса:
// вызов считается потерянным, задача проходит обычный путь отказа, чтобы
// исключить двойную публикацию.
func (s *Service) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stuck, err := s.jobs.ListByState(ctx, domain.JobStateDispatching, 0)
	if err != nil {
		return 0, fmt.Errorf("list dispatching: %w", err)
	}
	for _, job := range stuck {
		jobLog := s.log.With().Str("job_id", job.ID).Str("platform", string(job.Platform)).Logger()
		s.fail(ctx, job, errors.New("dispatch interrupted by process restart"), jobLog)
	}
	return len(stuck), nil
}

// RetryAbandoned — операторская точка повторного входа: abandoned → pending
// со сброшенным счётчиком попыток.
func (s *Service) RetryAbandoned(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved, err := s.jobs.RetryAbandoned(ctx, ids, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("retry abandoned: %w", err)
	}
	if moved > 0 {
		s.log.Info().Int("jobs", moved).Msg("queue: оставленные задачи возвращены в очередь")
	}
	return moved, nil
}

// Status возвращает снимок очереди. Чтение не меняет состояние.
func (s *Service) Status(ctx context.Context) (domain.QueueStatus, error) {
	counts, err := s.jobs.CountByState(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("count by state: %w", err)
	}
	for _, state := range []domain.JobState{
		domain.JobStatePending,
		domain.JobStateDue,
		domain.JobStateDispatching,
		domain.JobStateSucceeded,
		domain.JobStateFailed,
		domain.JobStateAbandoned,
	} {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()

	return domain.QueueStatus{
		Paused:  paused,
		Counts:  counts,
		Windows: s.windows.Snapshot(),
	}, nil
}

// Pause останавливает новые диспетчеризации. Идемпотентен; задачи в due не теряются,
// уже начатые вызовы публикации не отменяются.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.log.Info().Msg("queue: диспетчеризация приостановлена")
	}
}

// Resume возобновляет диспетчеризацию. Идемпотентен.
func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.log.Info().Msg("queue: диспетчеризация возобновлена")
	}
}

func (s *Service) observeCounts(ctx context.Context) {
	counts, err := s.jobs.CountByState(ctx)
	if err != nil {
		return
	}
	plain := make(map[string]int, len(counts))
	for state, count := range counts {
		plain[string(state)] = count
	}
	metrics.ObserveQueueCounts(plain)
}
