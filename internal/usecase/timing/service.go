package timing

import (
	"context"
	"fmt"
	"time"

	"publish-scheduler/internal/domain"
)

const bestSlotCacheTTL = time.Hour

// Service вычисляет оптимальное время публикации по накопленной статистике.
// Все времена — в UTC, без таймзонных неоднозначностей.
type Service struct {
	stats      domain.StatsRepo
	publishers domain.PublisherRegistry
	cache      domain.Cache
	now        func() time.Time
}

// NewService создаёт калькулятор. cache может быть nil.
func NewService(stats domain.StatsRepo, publishers domain.PublisherRegistry, cache domain.Cache) *Service {
	return &Service{stats: stats, publishers: publishers, cache: cache, now: time.Now}
}

// WithClock подменяет источник времени (для тестов).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// BestSlot возвращает исторически лучший слот площадки. При пустой статистике —
// статический слот издателя: планирование никогда не падает из-за отсутствия истории.
func (s *Service) BestSlot(ctx context.Context, platform domain.Platform) (domain.TimeSlot, error) {
	pub, ok := s.publishers.Lookup(platform)
	if !ok {
		return domain.TimeSlot{}, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}

	cacheKey := "best_slot:" + string(platform)
	if s.cache != nil {
		if raw, err := s.cache.Get(cacheKey); err == nil {
			var slot domain.TimeSlot
			if _, err := fmt.Sscanf(string(raw), "%d:%d", &slot.DayOfWeek, &slot.HourOfDay); err == nil {
				return slot, nil
			}
		}
	}

	rows, err := s.stats.ListSlotStats(ctx, platform)
	if err != nil {
		return domain.TimeSlot{}, fmt.Errorf("list slot stats: %w", err)
	}
	slot, ok := BestOf(rows)
	if !ok {
		slot = pub.OptimalUploadTimeDefault()
	}

	if s.cache != nil {
		_ = s.cache.Set(cacheKey, []byte(fmt.Sprintf("%d:%d", slot.DayOfWeek, slot.HourOfDay)), bestSlotCacheTTL)
	}
	return slot, nil
}

// NextOccurrence возвращает ближайший будущий момент, попадающий в лучший слот
// площадки. Если текущий час совпадает со слотом и ещё не истёк, допускается
// публикация сегодня же; иначе — ближайший подходящий день недели.
func (s *Service) NextOccurrence(ctx context.Context, platform domain.Platform) (time.Time, error) {
	slot, err := s.BestSlot(ctx, platform)
	if err != nil {
		return time.Time{}, err
	}
	return nextOccurrence(s.now().UTC(), slot), nil
}

func nextOccurrence(now time.Time, slot domain.TimeSlot) time.Time {
	if int(now.Weekday()) == slot.DayOfWeek && now.Hour() == slot.HourOfDay {
		return now
	}
	daysAhead := (slot.DayOfWeek - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), slot.HourOfDay, 0, 0, 0, time.UTC).
		AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
