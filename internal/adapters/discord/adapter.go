package discord

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"discredit/internal/domain"
)

// Adapter выгружает историю одного канала Discord от новых сообщений к
// старым. Курсор — нативный id самого старого обработанного сообщения,
// он же параметр before следующей страницы.
type Adapter struct {
	client   *Client
	channel  string
	pageSize int
	cutoff   time.Time
	log      zerolog.Logger

	source string
}

var _ domain.SourceAdapter = (*Adapter)(nil)

// NewAdapter создаёт адаптер канала.
func NewAdapter(client *Client, channelID string, pageSize int, cutoff time.Time, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		channel:  channelID,
		pageSize: pageSize,
		cutoff:   cutoff,
		log:      logger,
	}
}

// Platform возвращает платформу адаптера.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformDiscord }

// Source возвращает человекочитаемое имя источника.
func (a *Adapter) Source() string {
	if a.source != "" {
		return a.source
	}
	return "#" + a.channel
}

// FetchBatch выгружает одну страницу истории канала.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string) (domain.Batch, error) {
	if a.source == "" {
		channel, err := a.client.FetchChannel(ctx, a.channel)
		if err != nil {
			return domain.Batch{}, err
		}
		if channel.Name != "" {
			a.source = "#" + channel.Name
		} else {
			a.source = "#" + a.channel
		}
	}

	raws, err := a.client.FetchMessages(ctx, a.channel, cursor, a.pageSize)
	if err != nil {
		return domain.Batch{}, err
	}
	if len(raws) == 0 {
		a.log.Debug().Str("channel", a.channel).Msg("discord: история канала исчерпана")
		return domain.Batch{HasMore: false, NextCursor: cursor}, nil
	}

	now := time.Now().UTC()
	batch := domain.Batch{
		Users:      make(map[string]domain.User),
		NextCursor: cursor,
		HasMore:    len(raws) == a.pageSize,
	}

	for _, raw := range raws {
		batch.Fetched++
		batch.NextCursor = raw.ID

		msg, user, ok := normalizeMessage(raw, a.source, now)
		if !ok {
			batch.Skipped++
			continue
		}
		if time.Unix(msg.Timestamp, 0).Before(a.cutoff) {
			a.log.Info().Str("channel", a.channel).Time("cutoff", a.cutoff).Msg("discord: достигнута граница глубины выгрузки")
			batch.HasMore = false
			break
		}
		batch.Messages = append(batch.Messages, msg)
		batch.Users[user.ID] = user
	}
	return batch, nil
}
