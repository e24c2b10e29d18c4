package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"discredit/internal/domain"
	"discredit/internal/infra/cache"
	"discredit/internal/infra/config"
	applog "discredit/internal/infra/log"
	"discredit/internal/infra/metrics"
	"discredit/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("scheduler: не указан адрес RabbitMQ (RABBITMQ_URL)")
	}
	ingestQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
	}
	defer ingestQueue.Close()

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisCache := cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))

	sched := &scheduler{
		log:   logger,
		cfg:   cfg,
		queue: ingestQueue,
		guard: redisCache,
	}

	logger.Info().Dur("interval", cfg.Scrape.Interval).Msg("scheduler: запущен")
	sched.Run(ctx)
	logger.Info().Msg("scheduler: остановлен")
}

type scheduler struct {
	log   zerolog.Logger
	cfg   config.AppConfig
	queue domain.IngestQueue
	guard domain.Cache
}

// Run ставит задачи инжеста по расписанию. Redis-замок не даёт двум
// экземплярам планировщика поставить один источник дважды за интервал.
func (s *scheduler) Run(ctx context.Context) {
	s.enqueueAll(ctx)

	ticker := time.NewTicker(s.cfg.Scrape.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueAll(ctx)
		}
	}
}

func (s *scheduler) enqueueAll(ctx context.Context) {
	for _, channel := range s.cfg.Discord.Channels {
		s.enqueue(ctx, domain.PlatformDiscord, channel)
	}
	for _, subreddit := range s.cfg.Reddit.Subreddits {
		s.enqueue(ctx, domain.PlatformReddit, subreddit)
	}
}

func (s *scheduler) enqueue(ctx context.Context, platform domain.Platform, source string) {
	key := "ingest:enqueue:" + string(platform) + ":" + source
	err := s.guard.Once(key, s.cfg.Scrape.Interval, func() error {
		return s.queue.Enqueue(ctx, domain.IngestJob{
			ID:          uuid.NewString(),
			Platform:    platform,
			Source:      source,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.IngestCauseScheduled,
		})
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("platform", string(platform)).
			Str("source", source).
			Msg("scheduler: не удалось поставить задачу")
		return
	}
	s.log.Debug().
		Str("platform", string(platform)).
		Str("source", source).
		Msg("scheduler: задача поставлена")
}
