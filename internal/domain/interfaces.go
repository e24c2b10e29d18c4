package domain

import (
	"context"
	"time"
)

// SourceAdapter выгружает сообщения одного источника постранично.
// FetchBatch — единственная точка приостановки: один вызов может блокироваться
// на сетевом вводе-выводе и обязан проходить через Rate Governor перед каждым
// запросом к источнику. Возвращаемый батч уже нормализован.
type SourceAdapter interface {
	Platform() Platform
	Source() string
	FetchBatch(ctx context.Context, cursor string) (Batch, error)
}

// MessageRepo записывает нормализованные батчи в единое хранилище.
// Запись транзакционна на батч и идемпотентна по id сообщения: повторная
// вставка уже существующего id — тихий no-op, никогда не перезапись.
type MessageRepo interface {
	WriteBatch(ctx context.Context, users []User, messages []Message) (WriteCounts, error)
}

// CheckpointRepo управляет курсорами возобновления.
// SaveCheckpoint выполняет атомарную замену и вызывается строго после
// фиксации соответствующего батча в хранилище.
type CheckpointRepo interface {
	LoadCheckpoint(ctx context.Context, platform Platform, source string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ResetCheckpoint(ctx context.Context, platform Platform, source string) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
}

// AnnotationRepo — узкий контракт нижестоящих этапов анализа: добавление
// аннотаций по существующим id. Поля идентичности сообщений не изменяются.
type AnnotationRepo interface {
	InsertEntity(ctx context.Context, entity ExtractedEntity) (int64, error)
	InsertEmbeddingRef(ctx context.Context, ref EmbeddingRef) error
	ListMessagesWithoutEmbedding(ctx context.Context, minLength int, limit int) ([]Message, error)
}

// StatsRepo отдаёт сводку хранилища операторскому API.
type StatsRepo interface {
	StoreStats(ctx context.Context) (StoreStats, error)
}

// Cache — TTL-замок против двойной постановки задач: Once выполняет fn
// не чаще раза за ttl на ключ, при ошибке fn ключ освобождается.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
