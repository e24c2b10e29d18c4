package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"discredit/internal/domain"
	"discredit/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MessageRepo    = (*Postgres)(nil)
	_ domain.CheckpointRepo = (*Postgres)(nil)
	_ domain.AnnotationRepo = (*Postgres)(nil)
	_ domain.StatsRepo      = (*Postgres)(nil)
)

const writeRetryMax = 3

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

// WriteBatch атомарно записывает пачку пользователей и сообщений.
// Сообщения с уже известным id пропускаются, счётчики пользователей
// увеличиваются только на фактически вставленные строки, поэтому
// повторная запись той же пачки не меняет состояние.
func (p *Postgres) WriteBatch(ctx context.Context, users []domain.User, messages []domain.Message) (domain.WriteCounts, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < writeRetryMax; attempt++ {
		counts, err := p.writeBatchTx(ctx, users, messages)
		if err == nil {
			return counts, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
			lastErr = err
			continue
		}
		return domain.WriteCounts{}, err
	}
	return domain.WriteCounts{}, fmt.Errorf("repo: запись пачки не удалась после %d попыток: %w", writeRetryMax, lastErr)
}

func (p *Postgres) writeBatchTx(ctx context.Context, users []domain.User, messages []domain.Message) (domain.WriteCounts, error) {
	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return domain.WriteCounts{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var counts domain.WriteCounts

	if len(users) > 0 {
		userBatch := &pgx.Batch{}
		for _, u := range users {
			userBatch.Queue(`
INSERT INTO users (id, platform, username, display_name)
VALUES ($1, $2, $3, NULLIF($4,''))
ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, display_name = COALESCE(EXCLUDED.display_name, users.display_name)
RETURNING (xmax = 0) AS inserted
`, u.ID, string(u.Platform), u.Username, u.DisplayName)
		}
		start = time.Now()
		res := tx.SendBatch(ctx, userBatch)
		for range users {
			var inserted bool
			if scanErr := res.QueryRow().Scan(&inserted); scanErr != nil {
				err = scanErr
				break
			}
			if inserted {
				counts.UsersInserted++
			}
		}
		if closeErr := res.Close(); err == nil {
			err = closeErr
		}
		metrics.ObserveNetworkRequest("postgres", "users_upsert_batch", "users", start, err)
		if err != nil {
			return domain.WriteCounts{}, err
		}
	}

	// Счётчики и границы активности пользователей обновляются только
	// вставленными сообщениями: дубликаты не двигают статистику.
	insertedByAuthor := make(map[string][]int64)

	if len(messages) > 0 {
		msgBatch := &pgx.Batch{}
		for _, m := range messages {
			var parent sql.NullString
			if m.ParentID != "" {
				parent = sql.NullString{String: m.ParentID, Valid: true}
			}
			msgBatch.Queue(`
INSERT INTO messages (id, platform, content, author_id, timestamp, source, parent_id, metadata, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, m.ID, string(m.Platform), m.Content, m.AuthorID, m.Timestamp, m.Source, parent, m.RawMeta, m.IngestedAt)
		}
		start = time.Now()
		res := tx.SendBatch(ctx, msgBatch)
		for _, m := range messages {
			tag, execErr := res.Exec()
			if execErr != nil {
				err = execErr
				break
			}
			if tag.RowsAffected() > 0 {
				counts.MessagesInserted++
				insertedByAuthor[m.AuthorID] = append(insertedByAuthor[m.AuthorID], m.Timestamp)
			} else {
				counts.MessagesSkipped++
			}
		}
		if closeErr := res.Close(); err == nil {
			err = closeErr
		}
		metrics.ObserveNetworkRequest("postgres", "messages_insert_batch", "messages", start, err)
		if err != nil {
			return domain.WriteCounts{}, err
		}
	}

	if len(insertedByAuthor) > 0 {
		statsBatch := &pgx.Batch{}
		for authorID, timestamps := range insertedByAuthor {
			earliest, latest := timestamps[0], timestamps[0]
			for _, ts := range timestamps[1:] {
				if ts < earliest {
					earliest = ts
				}
				if ts > latest {
					latest = ts
				}
			}
			statsBatch.Queue(`
UPDATE users SET
	message_count = message_count + $2,
	first_seen = LEAST(COALESCE(first_seen, $3), $3),
	last_seen = GREATEST(COALESCE(last_seen, $4), $4)
WHERE id = $1
`, authorID, len(timestamps), earliest, latest)
		}
		start = time.Now()
		res := tx.SendBatch(ctx, statsBatch)
		for range insertedByAuthor {
			if _, execErr := res.Exec(); execErr != nil {
				err = execErr
				break
			}
		}
		if closeErr := res.Close(); err == nil {
			err = closeErr
		}
		metrics.ObserveNetworkRequest("postgres", "users_stats_update", "users", start, err)
		if err != nil {
			return domain.WriteCounts{}, err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "messages", start, err)
	if err != nil {
		return domain.WriteCounts{}, err
	}
	return counts, nil
}

// LoadCheckpoint возвращает сохранённый курсор источника.
func (p *Postgres) LoadCheckpoint(ctx context.Context, platform domain.Platform, source string) (domain.Checkpoint, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var cp domain.Checkpoint
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT platform, source, cursor, items_processed, updated_at
FROM checkpoints WHERE platform=$1 AND source=$2
`, string(platform), source).Scan(&cp.Platform, &cp.Source, &cp.Cursor, &cp.ItemsProcessed, &cp.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_load", "checkpoints", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// SaveCheckpoint сохраняет курсор источника.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO checkpoints (platform, source, cursor, items_processed, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (platform, source) DO UPDATE SET cursor = EXCLUDED.cursor, items_processed = EXCLUDED.items_processed, updated_at = EXCLUDED.updated_at
`, string(cp.Platform), cp.Source, cp.Cursor, cp.ItemsProcessed, cp.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_save", "checkpoints", start, err)
	return err
}

// ResetCheckpoint удаляет курсор источника, чтобы следующий запуск
// начал выгрузку с начала.
func (p *Postgres) ResetCheckpoint(ctx context.Context, platform domain.Platform, source string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE platform=$1 AND source=$2`, string(platform), source)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_reset", "checkpoints", start, err)
	return err
}

// ListCheckpoints возвращает все сохранённые курсоры.
func (p *Postgres) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT platform, source, cursor, items_processed, updated_at
FROM checkpoints ORDER BY platform, source
`)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_list", "checkpoints", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.Platform, &cp.Source, &cp.Cursor, &cp.ItemsProcessed, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// InsertEntity сохраняет извлечённую сущность и возвращает её id.
func (p *Postgres) InsertEntity(ctx context.Context, entity domain.ExtractedEntity) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO extracted_entities (message_id, entity_type, entity_name, confidence, context)
VALUES ($1, $2, $3, $4, NULLIF($5,''))
RETURNING id
`, entity.MessageID, entity.EntityType, entity.EntityName, entity.Confidence, entity.Context).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "entities_insert", "extracted_entities", start, err)
	return id, err
}

// InsertEmbeddingRef сохраняет ссылку на вектор во внешнем индексе.
func (p *Postgres) InsertEmbeddingRef(ctx context.Context, ref domain.EmbeddingRef) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO embeddings_reference (message_id, vector_id, model, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (message_id) DO UPDATE SET vector_id = EXCLUDED.vector_id, model = EXCLUDED.model, created_at = EXCLUDED.created_at
`, ref.MessageID, ref.VectorID, ref.Model, ref.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "embeddings_insert", "embeddings_reference", start, err)
	return err
}

// ListMessagesWithoutEmbedding возвращает сообщения без вектора,
// достаточно длинные для индексации.
func (p *Postgres) ListMessagesWithoutEmbedding(ctx context.Context, minLength, limit int) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.id, m.platform, m.content, m.author_id, m.timestamp, m.source, COALESCE(m.parent_id,''), m.metadata, m.ingested_at
FROM messages m
LEFT JOIN embeddings_reference e ON e.message_id = m.id
WHERE e.message_id IS NULL AND length(m.content) >= $1
ORDER BY m.timestamp
LIMIT $2
`, minLength, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_without_embedding", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Platform, &m.Content, &m.AuthorID, &m.Timestamp, &m.Source, &m.ParentID, &m.RawMeta, &m.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoreStats возвращает сводку по хранилищу.
func (p *Postgres) StoreStats(ctx context.Context) (domain.StoreStats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stats domain.StoreStats
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT platform, count(*) FROM messages GROUP BY platform`)
	metrics.ObserveNetworkRequest("postgres", "stats_messages", "messages", start, err)
	if err != nil {
		return domain.StoreStats{}, err
	}
	defer rows.Close()
	stats.MessagesByPlatform = make(map[domain.Platform]int64)
	for rows.Next() {
		var platform string
		var count int64
		if err := rows.Scan(&platform, &count); err != nil {
			return domain.StoreStats{}, err
		}
		stats.MessagesByPlatform[domain.Platform(platform)] = count
		stats.Messages += count
	}
	if err := rows.Err(); err != nil {
		return domain.StoreStats{}, err
	}

	start = time.Now()
	userRows, err := p.pool.Query(ctx, `SELECT platform, count(*) FROM users GROUP BY platform`)
	metrics.ObserveNetworkRequest("postgres", "stats_users", "users", start, err)
	if err != nil {
		return domain.StoreStats{}, err
	}
	defer userRows.Close()
	stats.UsersByPlatform = make(map[domain.Platform]int64)
	for userRows.Next() {
		var platform string
		var count int64
		if err := userRows.Scan(&platform, &count); err != nil {
			return domain.StoreStats{}, err
		}
		stats.UsersByPlatform[domain.Platform(platform)] = count
		stats.Users += count
	}
	return stats, userRows.Err()
}
