package domain

import (
	"context"
	"time"
)

// ScheduleRequest — запрос «опубликовать контент на эти площадки», принятый API
// и переданный диспетчеру через брокер.
type ScheduleRequest struct {
	ID               string     `json:"request_id,omitempty"`
	ContentID        int64      `json:"content_id"`
	Platforms        []Platform `json:"platforms"`
	Immediate        bool       `json:"immediate,omitempty"`
	CustomSchedule   string     `json:"custom_schedule,omitempty"`
	UseOptimalTiming bool       `json:"use_optimal_timing,omitempty"`
	Priority         int        `json:"priority,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
}

// ScheduleAckFunc подтверждает обработку запроса или возвращает его в очередь.
type ScheduleAckFunc func(success bool) error

// ScheduleQueue — брокерная очередь запросов на планирование.
type ScheduleQueue interface {
	Enqueue(ctx context.Context, req ScheduleRequest) error
	Receive(ctx context.Context) (ScheduleRequest, ScheduleAckFunc, error)
}
