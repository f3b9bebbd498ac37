package queue

import (
	"sync"
	"time"

	"publish-scheduler/internal/domain"
)

// Limit — потолки диспетчеризации площадки. Значение <= 0 снимает ограничение.
type Limit struct {
	PerHour int
	PerDay  int
}

// WindowSet — скользящие счётчики допуска по площадкам. Счётчики строго растут
// внутри окна и атомарно обнуляются на границе часа и суток (UTC). Часы
// инжектируются, чтобы откат окон тестировался без настенного времени.
type WindowSet struct {
	mu      sync.Mutex
	limits  map[domain.Platform]Limit
	windows map[domain.Platform]*window
	now     func() time.Time
}

type window struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
}

// NewWindowSet создаёт счётчики с заданными потолками.
func NewWindowSet(limits map[domain.Platform]Limit, now func() time.Time) *WindowSet {
	if now == nil {
		now = time.Now
	}
	if limits == nil {
		limits = map[domain.Platform]Limit{}
	}
	return &WindowSet{
		limits:  limits,
		windows: make(map[domain.Platform]*window),
		now:     now,
	}
}

// Allow резервирует один слот диспетчеризации площадки. Возвращает false,
// если диспетчеризация превысила бы часовой или суточный потолок; счётчики
// при этом не меняются.
func (ws *WindowSet) Allow(platform domain.Platform) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := ws.now().UTC()
	w := ws.windows[platform]
	if w == nil {
		w = &window{}
		ws.windows[platform] = w
	}
	w.rollover(now)

	limit := ws.limits[platform]
	if limit.PerHour > 0 && w.hourCount >= limit.PerHour {
		return false
	}
	if limit.PerDay > 0 && w.dayCount >= limit.PerDay {
		return false
	}
	w.hourCount++
	w.dayCount++
	return true
}

// Snapshot возвращает состояние окон без изменения счётчиков: истёкшие окна
// отражаются нулями, но не сбрасываются.
func (ws *WindowSet) Snapshot() map[domain.Platform]domain.WindowStatus {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := ws.now().UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := now.Truncate(24 * time.Hour)

	snapshot := make(map[domain.Platform]domain.WindowStatus, len(ws.limits))
	for platform, limit := range ws.limits {
		status := domain.WindowStatus{MaxPerHour: limit.PerHour, MaxPerDay: limit.PerDay}
		if w := ws.windows[platform]; w != nil {
			if w.hourStart.Equal(hourStart) {
				status.CurrentHour = w.hourCount
			}
			if w.dayStart.Equal(dayStart) {
				status.CurrentDay = w.dayCount
			}
		}
		snapshot[platform] = status
	}
	return snapshot
}

func (w *window) rollover(now time.Time) {
	hourStart := now.Truncate(time.Hour)
	if !w.hourStart.Equal(hourStart) {
		w.hourStart = hourStart
		w.hourCount = 0
	}
	dayStart := now.Truncate(24 * time.Hour)
	if !w.dayStart.Equal(dayStart) {
		w.dayStart = dayStart
		w.dayCount = 0
	}
}
