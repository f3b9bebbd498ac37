package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	// Broker выбирает транспорт очереди запросов: redis или rabbitmq.
	Broker string `envconfig:"SCHEDULE_BROKER" default:"redis"`

	Queues struct {
		Schedule string `envconfig:"SCHEDULE_QUEUE_KEY" default:"publish_schedule"`
	} `envconfig:""`

	Enrichment struct {
		BaseURL string        `envconfig:"ENRICHMENT_BASE_URL"`
		Timeout time.Duration `envconfig:"ENRICHMENT_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Publishers struct {
		YouTubeURL     string        `envconfig:"PUBLISHER_YOUTUBE_URL"`
		TikTokURL      string        `envconfig:"PUBLISHER_TIKTOK_URL"`
		PublishTimeout time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"60s"`
		// Слоты по умолчанию в формате "деньНедели:час" (UTC), используются при пустой истории.
		YouTubeDefaultSlot string `envconfig:"PUBLISHER_YOUTUBE_DEFAULT_SLOT" default:"2:15"`
		TikTokDefaultSlot  string `envconfig:"PUBLISHER_TIKTOK_DEFAULT_SLOT" default:"5:18"`
	} `envconfig:""`

	Cron struct {
		Tick      string `envconfig:"CRON_TICK" default:"@every 15m"`
		Refresh   string `envconfig:"CRON_ANALYTICS_REFRESH" default:"@every 4h"`
		Recompute string `envconfig:"CRON_STATS_RECOMPUTE" default:"0 3 * * *"`
	} `envconfig:""`

	Retry struct {
		Base        time.Duration `envconfig:"RETRY_BASE" default:"10m"`
		MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"6h"`
		MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	} `envconfig:""`

	Rates struct {
		YouTubePerHour int `envconfig:"RATE_YOUTUBE_PER_HOUR" default:"5"`
		YouTubePerDay  int `envconfig:"RATE_YOUTUBE_PER_DAY" default:"20"`
		TikTokPerHour  int `envconfig:"RATE_TIKTOK_PER_HOUR" default:"10"`
		TikTokPerDay   int `envconfig:"RATE_TIKTOK_PER_DAY" default:"30"`
	} `envconfig:""`

	Analytics struct {
		FetchWindow time.Duration `envconfig:"ANALYTICS_FETCH_WINDOW" default:"72h"`
		StatsWindow time.Duration `envconfig:"ANALYTICS_STATS_WINDOW" default:"720h"`
	} `envconfig:""`

	Calendar struct {
		ContentTypes []string `envconfig:"CALENDAR_CONTENT_TYPES" default:"tutorial,short,vlog,review"`
		// ExcludedSlots перечисляет пары "площадка:деньНедели", исключаемые из календаря,
		// например "youtube:0,youtube:6".
		ExcludedSlots []string `envconfig:"CALENDAR_EXCLUDED_SLOTS" default:""`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
