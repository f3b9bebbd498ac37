package timing

import (
	"sort"

	"publish-scheduler/internal/domain"
)

type slotKey struct {
	platform domain.Platform
	day      int
	hour     int
}

// ComputeSlotStats — чистая агрегация выборок в статистику слотов
// (platform, деньНедели, час) по UTC-времени наблюдения. Вызывается
// периодическим пересчётом целиком на всём окне, поэтому агрегат никогда
// не расходится с исходными выборками.
func ComputeSlotStats(samples []domain.PerformanceSample) []domain.PlatformTimeSlotStats {
	type acc struct {
		views      float64
		engagement float64
		count      int
	}
	byKey := make(map[slotKey]*acc)
	for _, s := range samples {
		fetched := s.FetchedAt.UTC()
		key := slotKey{platform: s.Platform, day: int(fetched.Weekday()), hour: fetched.Hour()}
		a := byKey[key]
		if a == nil {
			a = &acc{}
			byKey[key] = a
		}
		a.views += float64(s.Views)
		a.engagement += s.Engagement
		a.count++
	}

	stats := make([]domain.PlatformTimeSlotStats, 0, len(byKey))
	for key, a := range byKey {
		stats = append(stats, domain.PlatformTimeSlotStats{
			Platform:      key.platform,
			DayOfWeek:     key.day,
			HourOfDay:     key.hour,
			AvgViews:      a.views / float64(a.count),
			AvgEngagement: a.engagement / float64(a.count),
			SampleCount:   a.count,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		return a.HourOfDay < b.HourOfDay
	})
	return stats
}

// BestOf выбирает лучший слот из строк статистики: максимальная вовлечённость,
// при равенстве — больше просмотров, затем самый ранний (день, час) для
// детерминизма. ok=false, если строк нет.
func BestOf(stats []domain.PlatformTimeSlotStats) (domain.TimeSlot, bool) {
	if len(stats) == 0 {
		return domain.TimeSlot{}, false
	}
	best := stats[0]
	for _, s := range stats[1:] {
		if betterSlot(s, best) {
			best = s
		}
	}
	return domain.TimeSlot{DayOfWeek: best.DayOfWeek, HourOfDay: best.HourOfDay}, true
}

func betterSlot(a, b domain.PlatformTimeSlotStats) bool {
	if a.AvgEngagement != b.AvgEngagement {
		return a.AvgEngagement > b.AvgEngagement
	}
	if a.AvgViews != b.AvgViews {
		return a.AvgViews > b.AvgViews
	}
	if a.DayOfWeek != b.DayOfWeek {
		return a.DayOfWeek < b.DayOfWeek
	}
	return a.HourOfDay < b.HourOfDay
}
