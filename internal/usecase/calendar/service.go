package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/usecase/timing"
)

// Service строит контент-календарь: проекцию рекомендованных слотов на N дней
// вперёд. Только чтение — ни очередь, ни статистика не изменяются.
type Service struct {
	stats        domain.StatsRepo
	publishers   domain.PublisherRegistry
	contentTypes []string
	// excluded перечисляет пары (площадка, день недели), заведомо невыгодные
	// для публикации и исключаемые из плана.
	excluded map[domain.Platform]map[int]bool
	now      func() time.Time
}

// NewService создаёт проектор календаря. excludedSlots — пары "площадка:деньНедели".
func NewService(stats domain.StatsRepo, publishers domain.PublisherRegistry, contentTypes []string, excludedSlots []string) (*Service, error) {
	if len(contentTypes) == 0 {
		contentTypes = []string{"video"}
	}
	excluded, err := parseExcluded(excludedSlots)
	if err != nil {
		return nil, err
	}
	return &Service{
		stats:        stats,
		publishers:   publishers,
		contentTypes: contentTypes,
		excluded:     excluded,
		now:          time.Now,
	}, nil
}

// WithClock подменяет источник времени (для тестов).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Project возвращает рекомендации на days дней вперёд, отсортированные по дате.
// Для дня недели без статистики используется статический слот издателя.
func (s *Service) Project(ctx context.Context, days int) ([]domain.CalendarEntry, error) {
	if days <= 0 {
		return nil, nil
	}

	platforms := s.publishers.Platforms()
	statsByPlatform := make(map[domain.Platform][]domain.PlatformTimeSlotStats, len(platforms))
	for _, platform := range platforms {
		rows, err := s.stats.ListSlotStats(ctx, platform)
		if err != nil {
			return nil, fmt.Errorf("list slot stats: %w", err)
		}
		statsByPlatform[platform] = rows
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	var entries []domain.CalendarEntry
	for offset := 1; offset <= days; offset++ {
		date := today.AddDate(0, 0, offset)
		weekday := int(date.Weekday())
		for _, platform := range platforms {
			if s.excluded[platform][weekday] {
				continue
			}
			hour, reach := s.slotForWeekday(platform, statsByPlatform[platform], weekday)
			entries = append(entries, domain.CalendarEntry{
				Date:           date,
				Platform:       platform,
				ContentType:    s.contentTypes[len(entries)%len(s.contentTypes)],
				OptimalTime:    date.Add(time.Duration(hour) * time.Hour),
				EstimatedReach: reach,
			})
		}
	}
	return entries, nil
}

// slotForWeekday выбирает лучший час конкретного дня недели; без статистики —
// час статического слота издателя и нулевой прогноз охвата.
func (s *Service) slotForWeekday(platform domain.Platform, rows []domain.PlatformTimeSlotStats, weekday int) (int, float64) {
	var dayRows []domain.PlatformTimeSlotStats
	for _, row := range rows {
		if row.DayOfWeek == weekday {
			dayRows = append(dayRows, row)
		}
	}
	if slot, ok := timing.BestOf(dayRows); ok {
		for _, row := range dayRows {
			if row.HourOfDay == slot.HourOfDay {
				return slot.HourOfDay, row.AvgViews
			}
		}
	}
	if pub, ok := s.publishers.Lookup(platform); ok {
		return pub.OptimalUploadTimeDefault().HourOfDay, 0
	}
	return 0, 0
}

func parseExcluded(raw []string) (map[domain.Platform]map[int]bool, error) {
	excluded := make(map[domain.Platform]map[int]bool)
	for _, pair := range raw {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("excluded slot %q: expected platform:weekday", pair)
		}
		platform := domain.Platform(strings.TrimSpace(parts[0]))
		var weekday int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &weekday); err != nil || weekday < 0 || weekday > 6 {
			return nil, fmt.Errorf("excluded slot %q: bad weekday", pair)
		}
		if excluded[platform] == nil {
			excluded[platform] = make(map[int]bool)
		}
		excluded[platform][weekday] = true
	}
	return excluded, nil
}
