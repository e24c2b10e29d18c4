package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"discredit/internal/domain"
	"discredit/internal/infra/metrics"
)

// Service реализует бизнес-логику инжеста: постраничная выгрузка
// источника с транзакционной записью и чекпоинтом после каждого батча.
type Service struct {
	checkpoints domain.CheckpointRepo
	store       domain.MessageRepo
	log         zerolog.Logger
}

// NewService создаёт сервис инжеста.
func NewService(checkpoints domain.CheckpointRepo, store domain.MessageRepo, logger zerolog.Logger) *Service {
	return &Service{checkpoints: checkpoints, store: store, log: logger}
}

// Run выгружает источник адаптера до исчерпания истории. Чекпоинт
// сохраняется строго после фиксации батча в хранилище: при падении
// между коммитом и чекпоинтом повторный запуск перечитает батч, а
// идемпотентная запись схлопнет дубликаты. Отмена контекста
// обрабатывается только на границе батча.
func (s *Service) Run(ctx context.Context, adapter domain.SourceAdapter) (domain.RunStats, error) {
	platform := adapter.Platform()

	cp, found, err := s.checkpoints.LoadCheckpoint(ctx, platform, adapter.Source())
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("ingest: загрузка чекпоинта: %w", err)
	}
	cursor := ""
	itemsProcessed := int64(0)
	if found {
		cursor = cp.Cursor
		itemsProcessed = cp.ItemsProcessed
		s.log.Info().
			Str("platform", string(platform)).
			Str("source", adapter.Source()).
			Str("cursor", cursor).
			Msg("ingest: продолжаем с чекпоинта")
	}

	var stats domain.RunStats
	for {
		select {
		case <-ctx.Done():
			s.log.Info().
				Str("platform", string(platform)).
				Str("source", adapter.Source()).
				Msg("ingest: остановка на границе батча")
			return stats, ctx.Err()
		default:
		}

		start := time.Now()
		batch, err := adapter.FetchBatch(ctx, cursor)
		if err != nil {
			return stats, fmt.Errorf("ingest: выгрузка батча: %w", err)
		}

		var counts domain.WriteCounts
		if len(batch.Messages) > 0 {
			users := make([]domain.User, 0, len(batch.Users))
			for _, u := range batch.Users {
				users = append(users, u)
			}
			counts, err = s.store.WriteBatch(ctx, users, batch.Messages)
			if err != nil {
				return stats, fmt.Errorf("ingest: запись батча: %w", err)
			}
		}

		stats.Add(batch, counts)
		itemsProcessed += int64(len(batch.Messages))
		metrics.ObserveBatch(string(platform), adapter.Source(), batch.Fetched, counts.MessagesInserted, batch.Skipped, start)

		if batch.NextCursor != cursor || len(batch.Messages) > 0 {
			cursor = batch.NextCursor
			err = s.checkpoints.SaveCheckpoint(ctx, domain.Checkpoint{
				Platform:       platform,
				Source:         adapter.Source(),
				Cursor:         cursor,
				ItemsProcessed: itemsProcessed,
				UpdatedAt:      time.Now().UTC(),
			})
			if err != nil {
				return stats, fmt.Errorf("ingest: сохранение чекпоинта: %w", err)
			}
		}

		s.log.Debug().
			Str("platform", string(platform)).
			Str("source", adapter.Source()).
			Int("fetched", batch.Fetched).
			Int("written", counts.MessagesInserted).
			Int("skipped", batch.Skipped).
			Str("cursor", cursor).
			Msg("ingest: батч обработан")

		if !batch.HasMore {
			break
		}
	}

	s.log.Info().
		Str("platform", string(platform)).
		Str("source", adapter.Source()).
		Int("batches", stats.Batches).
		Int("fetched", stats.Fetched).
		Int("written", stats.Written).
		Int("skipped", stats.Skipped).
		Msg("ingest: источник выгружен")
	return stats, nil
}

// Reset сбрасывает чекпоинт источника перед полной перевыгрузкой.
func (s *Service) Reset(ctx context.Context, platform domain.Platform, source string) error {
	if err := s.checkpoints.ResetCheckpoint(ctx, platform, source); err != nil {
		return fmt.Errorf("ingest: сброс чекпоинта: %w", err)
	}
	s.log.Info().Str("platform", string(platform)).Str("source", source).Msg("ingest: чекпоинт сброшен")
	return nil
}
