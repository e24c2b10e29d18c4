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

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		Ingest string `envconfig:"INGEST_QUEUE_KEY" default:"ingest_jobs"`
	} `envconfig:""`

	Discord struct {
		AuthToken string   `envconfig:"DISCORD_AUTH_TOKEN"`
		Channels  []string `envconfig:"DISCORD_CHANNELS"`
		RateLimit float64  `envconfig:"DISCORD_RATE_LIMIT" default:"5"`
		PageSize  int      `envconfig:"DISCORD_PAGE_SIZE" default:"100"`
	} `envconfig:""`

	Reddit struct {
		ClientID     string   `envconfig:"REDDIT_CLIENT_ID"`
		ClientSecret string   `envconfig:"REDDIT_CLIENT_SECRET"`
		UserAgent    string   `envconfig:"REDDIT_USER_AGENT" default:"discredit/1.0"`
		Subreddits   []string `envconfig:"REDDIT_SUBREDDITS"`
		RateLimit    float64  `envconfig:"REDDIT_RATE_LIMIT" default:"1"`
		PageSize     int      `envconfig:"REDDIT_PAGE_SIZE" default:"100"`
	} `envconfig:""`

	Scrape struct {
		MonthsBack int           `envconfig:"SCRAPE_MONTHS_BACK" default:"3"`
		Interval   time.Duration `envconfig:"SCRAPE_INTERVAL" default:"1h"`
	} `envconfig:""`

	Backoff struct {
		Base time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
		Max  time.Duration `envconfig:"BACKOFF_MAX" default:"32s"`
	} `envconfig:""`
}

// CutoffTime возвращает нижнюю границу времени для выгрузки истории.
func (c AppConfig) CutoffTime(now time.Time) time.Time {
	return now.AddDate(0, -c.Scrape.MonthsBack, 0)
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
