package domain

import "time"

// Platform описывает внешнюю площадку публикации.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"
)

// TimeSlot задаёт слот публикации: день недели (0 = воскресенье) и час по UTC.
type TimeSlot struct {
	DayOfWeek int `json:"day_of_week"`
	HourOfDay int `json:"hour_of_day"`
}

// PerformanceSample — одно наблюдение за опубликованным роликом.
// Записи только добавляются; вместе они образуют временной ряд по platform_video_id.
type PerformanceSample struct {
	Platform        Platform  `json:"platform"`
	PlatformVideoID string    `json:"platform_video_id"`
	Views           int64     `json:"views"`
	Likes           int64     `json:"likes"`
	Comments        int64     `json:"comments"`
	Shares          int64     `json:"shares"`
	Engagement      float64   `json:"engagement"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// EngagementRate считает долю вовлечённости по сырым счётчикам, в диапазоне [0,1].
func EngagementRate(views, likes, comments, shares int64) float64 {
	if views <= 0 {
		return 0
	}
	rate := float64(likes+comments+shares) / float64(views)
	if rate > 1 {
		return 1
	}
	return rate
}

// PlatformTimeSlotStats — агрегат по слоту (platform, dayOfWeek, hourOfDay).
// Пересчитывается целиком из скользящего окна выборок, а не правится инкрементально.
type PlatformTimeSlotStats struct {
	Platform      Platform `json:"platform"`
	DayOfWeek     int      `json:"day_of_week"`
	HourOfDay     int      `json:"hour_of_day"`
	AvgViews      float64  `json:"avg_views"`
	AvgEngagement float64  `json:"avg_engagement"`
	SampleCount   int      `json:"sample_count"`
}

// JobState — состояние задачи публикации.
type JobState string

const (
	JobStatePending     JobState = "pending"
	JobStateDue         JobState = "due"
	JobStateDispatching JobState = "dispatching"
	JobStateSucceeded   JobState = "succeeded"
	JobStateFailed      JobState = "failed"
	JobStateAbandoned   JobState = "abandoned"
)

// PublishPayload — метаданные публикации, полученные от сервиса обогащения.
type PublishPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// PublishJob — единица работы: опубликовать один контент на одну площадку.
type PublishJob struct {
	ID              string         `json:"id"`
	ContentID       int64          `json:"content_id"`
	Platform        Platform       `json:"platform"`
	Payload         PublishPayload `json:"payload"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	Priority        int            `json:"priority"`
	State           JobState       `json:"state"`
	Attempt         int            `json:"attempt"`
	LastError       string         `json:"last_error,omitempty"`
	PlatformVideoID string         `json:"platform_video_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// WindowStatus — текущее состояние лимитов площадки.
type WindowStatus struct {
	MaxPerHour  int `json:"max_per_hour"`
	MaxPerDay   int `json:"max_per_day"`
	CurrentHour int `json:"current_hour"`
	CurrentDay  int `json:"current_day"`
}

// QueueStatus — снимок очереди для операторов. Чтение не меняет состояние.
type QueueStatus struct {
	Paused  bool                      `json:"paused"`
	Counts  map[JobState]int          `json:"counts"`
	Windows map[Platform]WindowStatus `json:"windows"`
}

// CalendarEntry — рекомендация контент-календаря на конкретную дату.
type CalendarEntry struct {
	Date           time.Time `json:"date"`
	Platform       Platform  `json:"platform"`
	ContentType    string    `json:"content_type"`
	OptimalTime    time.Time `json:"optimal_time"`
	EstimatedReach float64   `json:"estimated_reach"`
}
