package domain

import "time"

// Platform определяет платформу-источник сообщений.
type Platform string

const (
	// PlatformDiscord — канальная платформа реального времени.
	PlatformDiscord Platform = "discord"
	// PlatformReddit — форумная платформа с древовидными обсуждениями.
	PlatformReddit Platform = "reddit"
)

// Message представляет нормализованное сообщение любой платформы.
type Message struct {
	ID         string
	Platform   Platform
	Content    string
	AuthorID   string
	Timestamp  int64
	Source     string
	ParentID   string
	RawMeta    []byte
	IngestedAt time.Time
}

// User описывает автора сообщений с агрегатами активности.
type User struct {
	ID           string
	Platform     Platform
	Username     string
	DisplayName  string
	MessageCount int64
	FirstSeen    int64
	LastSeen     int64
}

// Checkpoint хранит курсор возобновления для пары (платформа, источник).
type Checkpoint struct {
	Platform       Platform
	Source         string
	Cursor         string
	ItemsProcessed int64
	UpdatedAt      time.Time
}

// Batch содержит результат одного шага пагинации адаптера: уже
// нормализованные сообщения, встреченных авторов и курсор продолжения.
type Batch struct {
	Messages   []Message
	Users      map[string]User
	NextCursor string
	HasMore    bool
	Fetched    int
	Skipped    int
}

// WriteCounts возвращает результат записи батча в хранилище.
type WriteCounts struct {
	MessagesInserted int
	MessagesSkipped  int
	UsersInserted    int
}

// RunStats накапливает счётчики одного запуска задачи инжеста.
type RunStats struct {
	Batches    int
	Fetched    int
	Normalized int
	Written    int
	Skipped    int
}

// Add суммирует результат одного батча.
func (s *RunStats) Add(batch Batch, counts WriteCounts) {
	s.Batches++
	s.Fetched += batch.Fetched
	s.Normalized += len(batch.Messages)
	s.Written += counts.MessagesInserted
	s.Skipped += batch.Skipped
}

// ExtractedEntity — аннотация нижестоящего этапа извлечения сущностей.
type ExtractedEntity struct {
	ID         int64
	MessageID  string
	EntityType string
	EntityName string
	Confidence float64
	Context    string
}

// EmbeddingRef связывает сообщение с идентификатором вектора во внешнем
// векторном хранилище.
type EmbeddingRef struct {
	MessageID string
	VectorID  string
	Model     string
	CreatedAt time.Time
}

// StoreStats — сводка содержимого хранилища для операторского API.
type StoreStats struct {
	Messages           int64
	Users              int64
	MessagesByPlatform map[Platform]int64
	UsersByPlatform    map[Platform]int64
}
