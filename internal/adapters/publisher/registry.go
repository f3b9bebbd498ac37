package publisher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"publish-scheduler/internal/domain"
)

// Registry хранит издателей по площадкам.
type Registry struct {
	publishers map[domain.Platform]domain.PlatformPublisher
}

var _ domain.PublisherRegistry = (*Registry)(nil)

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[domain.Platform]domain.PlatformPublisher)}
}

// Register добавляет издателя площадки. Повторная регистрация заменяет предыдущего.
func (r *Registry) Register(platform domain.Platform, pub domain.PlatformPublisher) {
	r.publishers[platform] = pub
}

// Lookup возвращает издателя площадки.
func (r *Registry) Lookup(platform domain.Platform) (domain.PlatformPublisher, bool) {
	pub, ok := r.publishers[platform]
	return pub, ok
}

// Platforms возвращает зарегистрированные площадки в стабильном порядке.
func (r *Registry) Platforms() []domain.Platform {
	platforms := make([]domain.Platform, 0, len(r.publishers))
	for p := range r.publishers {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// ParseSlot разбирает слот из конфигурации в формате "деньНедели:час".
func ParseSlot(raw string) (domain.TimeSlot, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return domain.TimeSlot{}, fmt.Errorf("slot %q: expected day:hour", raw)
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil || day < 0 || day > 6 {
		return domain.TimeSlot{}, fmt.Errorf("slot %q: bad day of week", raw)
	}
	hour, err := strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return domain.TimeSlot{}, fmt.Errorf("slot %q: bad hour", raw)
	}
	return domain.TimeSlot{DayOfWeek: day, HourOfDay: hour}, nil
}
