package calendar

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"publish-scheduler/internal/domain"
)

type stubStats struct {
	rows map[domain.Platform][]domain.PlatformTimeSlotStats
}

func (s *stubStats) ListSlotStats(_ context.Context, platform domain.Platform) ([]domain.PlatformTimeSlotStats, error) {
	return s.rows[platform], nil
}

func (s *stubStats) ReplaceSlotStats(context.Context, []domain.PlatformTimeSlotStats) error {
	return errors.New("not implemented")
}

type stubPublisher struct {
	slot domain.TimeSlot
}

func (p *stubPublisher) Publish(context.Context, domain.PublishPayload) (string, error) {
	return "", errors.New("not implemented")
}

func (p *stubPublisher) GetAnalytics(context.Context, string) (domain.PerformanceSample, error) {
	return domain.PerformanceSample{}, errors.New("not implemented")
}

func (p *stubPublisher) OptimalUploadTimeDefault() domain.TimeSlot { return p.slot }

type stubRegistry map[domain.Platform]domain.PlatformPublisher

func (r stubRegistry) Lookup(p domain.Platform) (domain.PlatformPublisher, bool) {
	pub, ok := r[p]
	return pub, ok
}

func (r stubRegistry) Platforms() []domain.Platform {
	var out []domain.Platform
	for p := range r {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// 2026-08-19 — среда.
var testNow = time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

func TestProjectExcludesWeekends(t *testing.T) {
	registry := stubRegistry{domain.PlatformYouTube: &stubPublisher{slot: domain.TimeSlot{DayOfWeek: 2, HourOfDay: 15}}}
	// Выходные youtube исключены: 0 — воскресенье, 6 — суббота.
	s, err := NewService(&stubStats{}, registry, []string{"tutorial"}, []string{"youtube:0", "youtube:6"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	s.WithClock(func() time.Time { return testNow })

	entries, err := s.Project(context.Background(), 14)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("календарь не должен быть пустым")
	}
	// 14 дней минус 4 выходных.
	if len(entries) != 10 {
		t.Fatalf("ожидали 10 записей, получили %d", len(entries))
	}
	for _, entry := range entries {
		weekday := entry.Date.Weekday()
		if weekday == time.Saturday || weekday == time.Sunday {
			t.Fatalf("запись на исключённый день недели: %v", entry.Date)
		}
	}
}

func TestProjectSortedAndStartsTomorrow(t *testing.T) {
	registry := stubRegistry{
		domain.PlatformTikTok:  &stubPublisher{slot: domain.TimeSlot{DayOfWeek: 5, HourOfDay: 18}},
		domain.PlatformYouTube: &stubPublisher{slot: domain.TimeSlot{DayOfWeek: 2, HourOfDay: 15}},
	}
	s, err := NewService(&stubStats{}, registry, nil, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	s.WithClock(func() time.Time { return testNow })

	entries, err := s.Project(context.Background(), 3)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("ожидали 6 записей (3 дня x 2 площадки), получили %d", len(entries))
	}

	tomorrow := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if !entries[0].Date.Equal(tomorrow) {
		t.Fatalf("план начинается с завтра, получили %v", entries[0].Date)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Date.Before(entries[i-1].Date) {
			t.Fatalf("записи должны идти по возрастанию даты")
		}
	}
	for _, entry := range entries {
		if !entry.OptimalTime.After(testNow) {
			t.Fatalf("рекомендованное время должно быть в будущем: %v", entry.OptimalTime)
		}
	}
}

func TestProjectPrefersStatsOverDefault(t *testing.T) {
	registry := stubRegistry{domain.PlatformYouTube: &stubPublisher{slot: domain.TimeSlot{DayOfWeek: 2, HourOfDay: 15}}}
	stats := &stubStats{rows: map[domain.Platform][]domain.PlatformTimeSlotStats{
		domain.PlatformYouTube: {
			// Четверг: статистика указывает на 20:00 с охватом 800.
			{Platform: domain.PlatformYouTube, DayOfWeek: 4, HourOfDay: 20, AvgViews: 800, AvgEngagement: 0.07},
			{Platform: domain.PlatformYouTube, DayOfWeek: 4, HourOfDay: 9, AvgViews: 300, AvgEngagement: 0.02},
		},
	}}
	s, err := NewService(stats, registry, nil, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	s.WithClock(func() time.Time { return testNow })

	entries, err := s.Project(context.Background(), 2)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ожидали 2 записи, получили %d", len(entries))
	}

	// Завтра четверг: слот из статистики.
	thursday := entries[0]
	if thursday.OptimalTime.Hour() != 20 {
		t.Fatalf("четверг: ожидали час 20 из статистики, получили %d", thursday.OptimalTime.Hour())
	}
	if thursday.EstimatedReach != 800 {
		t.Fatalf("четверг: ожидали охват 800, получили %v", thursday.EstimatedReach)
	}

	// Пятница без статистики: статический слот издателя и нулевой прогноз.
	friday := entries[1]
	if friday.OptimalTime.Hour() != 15 {
		t.Fatalf("пятница: ожидали статический час 15, получили %d", friday.OptimalTime.Hour())
	}
	if friday.EstimatedReach != 0 {
		t.Fatalf("пятница: без статистики прогноз охвата нулевой, получили %v", friday.EstimatedReach)
	}
}

func TestProjectRotatesContentTypes(t *testing.T) {
	registry := stubRegistry{domain.PlatformYouTube: &stubPublisher{}}
	s, err := NewService(&stubStats{}, registry, []string{"tutorial", "short", "vlog"}, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	s.WithClock(func() time.Time { return testNow })

	entries, err := s.Project(context.Background(), 6)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []string{"tutorial", "short", "vlog", "tutorial", "short", "vlog"}
	for i, entry := range entries {
		if entry.ContentType != want[i] {
			t.Fatalf("запись %d: ожидали тип %q, получили %q", i, want[i], entry.ContentType)
		}
	}
}

func TestProjectRejectsBadExcludedSlots(t *testing.T) {
	registry := stubRegistry{}
	if _, err := NewService(&stubStats{}, registry, nil, []string{"youtube"}); err == nil {
		t.Fatalf("ожидали ошибку на паре без дня недели")
	}
	if _, err := NewService(&stubStats{}, registry, nil, []string{"youtube:9"}); err == nil {
		t.Fatalf("ожидали ошибку на дне недели вне диапазона")
	}
}

func TestProjectZeroDays(t *testing.T) {
	s, err := NewService(&stubStats{}, stubRegistry{}, nil, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	entries, err := s.Project(context.Background(), 0)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if entries != nil {
		t.Fatalf("на 0 дней план пуст")
	}
}
