package domain

import (
	"context"
	"time"
)

// PlatformPublisher — внешний клиент публикации для одной площадки.
type PlatformPublisher interface {
	// Publish загружает контент и возвращает внешний идентификатор ролика.
	Publish(ctx context.Context, payload PublishPayload) (string, error)
	// GetAnalytics возвращает свежую выборку показателей ролика.
	GetAnalytics(ctx context.Context, platformVideoID string) (PerformanceSample, error)
	// OptimalUploadTimeDefault — статический слот-запасной вариант, когда истории нет.
	OptimalUploadTimeDefault() TimeSlot
}

// PublisherRegistry сопоставляет площадки с зарегистрированными издателями.
type PublisherRegistry interface {
	Lookup(platform Platform) (PlatformPublisher, bool)
	Platforms() []Platform
}

// Enricher — внешний сервис обогащения: выдаёт метаданные публикации по контенту.
type Enricher interface {
	Enrich(ctx context.Context, contentID int64, platform Platform) (PublishPayload, error)
}

// JobRepo управляет задачами публикации.
type JobRepo interface {
	InsertJob(ctx context.Context, job PublishJob) error
	UpdateJob(ctx context.Context, job PublishJob) error
	GetJob(ctx context.Context, id string) (PublishJob, error)
	// MarkDue переводит pending-задачи с подошедшим сроком в due и возвращает их число.
	MarkDue(ctx context.Context, now time.Time) (int, error)
	// ListDue возвращает due-задачи в детерминированном порядке:
	// priority, затем scheduled_at, затем порядок вставки.
	ListDue(ctx context.Context) ([]PublishJob, error)
	ListByState(ctx context.Context, state JobState, limit int) ([]PublishJob, error)
	CountByState(ctx context.Context) (map[JobState]int, error)
	// RetryAbandoned возвращает abandoned-задачи в pending со сброшенным счётчиком попыток.
	RetryAbandoned(ctx context.Context, ids []string, now time.Time) (int, error)
	// ListPublishedSince возвращает успешные задачи с внешним идентификатором за окно.
	ListPublishedSince(ctx context.Context, since time.Time) ([]PublishJob, error)
}

// SampleRepo хранит выборки показателей (только добавление).
type SampleRepo interface {
	SaveSamples(ctx context.Context, samples []PerformanceSample) error
	ListSamplesSince(ctx context.Context, since time.Time) ([]PerformanceSample, error)
}

// StatsRepo хранит агрегаты по слотам.
type StatsRepo interface {
	ListSlotStats(ctx context.Context, platform Platform) ([]PlatformTimeSlotStats, error)
	// ReplaceSlotStats атомарно заменяет все строки агрегата результатом пересчёта.
	ReplaceSlotStats(ctx context.Context, stats []PlatformTimeSlotStats) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
