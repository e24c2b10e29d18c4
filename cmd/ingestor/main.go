package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"discredit/internal/adapters/discord"
	"discredit/internal/adapters/reddit"
	"discredit/internal/adapters/repo"
	"discredit/internal/domain"
	"discredit/internal/infra/config"
	"discredit/internal/infra/db"
	applog "discredit/internal/infra/log"
	"discredit/internal/infra/metrics"
	"discredit/internal/infra/queue"
	"discredit/internal/infra/ratelimit"
	ingestusecase "discredit/internal/usecase/ingest"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "ingestor")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("ingestor: не указан адрес RabbitMQ (RABBITMQ_URL)")
	}
	ingestQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось инициализировать очередь RabbitMQ")
	}
	defer ingestQueue.Close()

	service := ingestusecase.NewService(repoAdapter, repoAdapter, logger)

	worker := &jobWorker{
		log:     logger,
		cfg:     cfg,
		queue:   ingestQueue,
		service: service,
	}

	logger.Info().Msg("ingestor: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("ingestor: остановлен")
}

type jobWorker struct {
	log     zerolog.Logger
	cfg     config.AppConfig
	queue   domain.IngestQueue
	service *ingestusecase.Service
}

// Run читает задачи из очереди до отмены контекста.
func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("ingestor: ошибка чтения очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, job, ack)
	}
}

// handle обрабатывает одну задачу. Невосстановимые отказы источника
// подтверждаются, чтобы не зациклить очередь; временные возвращаются
// на повторную доставку.
func (w *jobWorker) handle(ctx context.Context, job domain.IngestJob, ack domain.IngestAckFunc) {
	log := w.log.With().
		Str("job_id", job.ID).
		Str("platform", string(job.Platform)).
		Str("source", job.Source).
		Logger()
	log.Info().Str("cause", string(job.Cause)).Msg("ingestor: задача получена")

	adapter, err := w.buildAdapter(job)
	if err != nil {
		log.Error().Err(err).Msg("ingestor: задача отвергнута")
		metrics.IncJob(string(job.Platform), "rejected")
		if ackErr := ack(true); ackErr != nil {
			log.Error().Err(ackErr).Msg("ingestor: не удалось подтвердить задачу")
		}
		return
	}

	if job.Reset {
		if err := w.service.Reset(ctx, job.Platform, adapter.Source()); err != nil {
			log.Error().Err(err).Msg("ingestor: не удалось сбросить чекпоинт")
			if ackErr := ack(false); ackErr != nil {
				log.Error().Err(ackErr).Msg("ingestor: не удалось вернуть задачу в очередь")
			}
			return
		}
	}

	stats, err := w.service.Run(ctx, adapter)
	switch {
	case err == nil:
		log.Info().
			Int("batches", stats.Batches).
			Int("written", stats.Written).
			Int("skipped", stats.Skipped).
			Msg("ingestor: задача выполнена")
		metrics.IncJob(string(job.Platform), "done")
		if ackErr := ack(true); ackErr != nil {
			log.Error().Err(ackErr).Msg("ingestor: не удалось подтвердить задачу")
		}
	case domain.IsFatal(err):
		// Повтор не поможет: подтверждаем, оператор разберётся по логам.
		log.Error().Err(err).Msg("ingestor: невосстановимый отказ источника")
		metrics.IncJob(string(job.Platform), "fatal")
		if ackErr := ack(true); ackErr != nil {
			log.Error().Err(ackErr).Msg("ingestor: не удалось подтвердить задачу")
		}
	default:
		// Чекпоинт цел, повторная доставка продолжит с него.
		log.Warn().Err(err).Msg("ingestor: временный отказ, задача вернётся в очередь")
		metrics.IncJob(string(job.Platform), "retried")
		if ackErr := ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("ingestor: не удалось вернуть задачу в очередь")
		}
	}
}

// buildAdapter собирает адаптер источника под задачу.
func (w *jobWorker) buildAdapter(job domain.IngestJob) (domain.SourceAdapter, error) {
	cutoff := w.cfg.CutoffTime(time.Now().UTC())
	switch job.Platform {
	case domain.PlatformDiscord:
		if w.cfg.Discord.AuthToken == "" {
			return nil, errors.New("не указан токен Discord (DISCORD_AUTH_TOKEN)")
		}
		governor := ratelimit.NewGovernor(w.cfg.Discord.RateLimit, w.cfg.Backoff.Base, w.cfg.Backoff.Max)
		client := discord.NewClient(w.cfg.Discord.AuthToken, governor)
		return discord.NewAdapter(client, job.Source, w.cfg.Discord.PageSize, cutoff, w.log), nil
	case domain.PlatformReddit:
		if w.cfg.Reddit.ClientID == "" || w.cfg.Reddit.ClientSecret == "" {
			return nil, errors.New("не указаны ключи Reddit (REDDIT_CLIENT_ID, REDDIT_CLIENT_SECRET)")
		}
		governor := ratelimit.NewGovernor(w.cfg.Reddit.RateLimit, w.cfg.Backoff.Base, w.cfg.Backoff.Max)
		client := reddit.NewClient(w.cfg.Reddit.ClientID, w.cfg.Reddit.ClientSecret, w.cfg.Reddit.UserAgent, governor)
		return reddit.NewAdapter(client, job.Source, w.cfg.Reddit.PageSize, cutoff, w.log), nil
	default:
		return nil, errors.New("неизвестная платформа: " + string(job.Platform))
	}
}
