package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"discredit/internal/domain"
)

// stubAdapter отдаёт заранее подготовленные батчи по курсору.
type stubAdapter struct {
	platform domain.Platform
	source   string
	pages    map[string]domain.Batch
	errAt    string
	err      error
	calls    []string
	onFetch  func()
}

func (a *stubAdapter) Platform() domain.Platform { return a.platform }
func (a *stubAdapter) Source() string            { return a.source }

func (a *stubAdapter) FetchBatch(ctx context.Context, cursor string) (domain.Batch, error) {
	a.calls = append(a.calls, cursor)
	if a.onFetch != nil {
		a.onFetch()
	}
	if a.err != nil && cursor == a.errAt {
		return domain.Batch{}, a.err
	}
	batch, ok := a.pages[cursor]
	if !ok {
		return domain.Batch{HasMore: false, NextCursor: cursor}, nil
	}
	return batch, nil
}

// memStore — идемпотентное хранилище в памяти: дубликаты по id
// пропускаются, счётчики авторов растут только на вставленные строки.
type memStore struct {
	messages map[string]domain.Message
	users    map[string]domain.User
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]domain.Message), users: make(map[string]domain.User)}
}

func (m *memStore) WriteBatch(ctx context.Context, users []domain.User, messages []domain.Message) (domain.WriteCounts, error) {
	var counts domain.WriteCounts
	for _, u := range users {
		if _, ok := m.users[u.ID]; !ok {
			m.users[u.ID] = u
			counts.UsersInserted++
		}
	}
	for _, msg := range messages {
		if _, ok := m.messages[msg.ID]; ok {
			counts.MessagesSkipped++
			continue
		}
		m.messages[msg.ID] = msg
		counts.MessagesInserted++
		u := m.users[msg.AuthorID]
		u.MessageCount++
		if u.FirstSeen == 0 || msg.Timestamp < u.FirstSeen {
			u.FirstSeen = msg.Timestamp
		}
		if msg.Timestamp > u.LastSeen {
			u.LastSeen = msg.Timestamp
		}
		m.users[msg.AuthorID] = u
	}
	return counts, nil
}

// memCheckpoints — хранилище чекпоинтов в памяти с настраиваемым
// отказом сохранения.
type memCheckpoints struct {
	byKey   map[string]domain.Checkpoint
	saveErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byKey: make(map[string]domain.Checkpoint)}
}

func (m *memCheckpoints) key(platform domain.Platform, source string) string {
	return string(platform) + "|" + source
}

func (m *memCheckpoints) LoadCheckpoint(ctx context.Context, platform domain.Platform, source string) (domain.Checkpoint, bool, error) {
	cp, ok := m.byKey[m.key(platform, source)]
	return cp, ok, nil
}

func (m *memCheckpoints) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.byKey[m.key(cp.Platform, cp.Source)] = cp
	return nil
}

func (m *memCheckpoints) ResetCheckpoint(ctx context.Context, platform domain.Platform, source string) error {
	delete(m.byKey, m.key(platform, source))
	return nil
}

func (m *memCheckpoints) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	var out []domain.Checkpoint
	for _, cp := range m.byKey {
		out = append(out, cp)
	}
	return out, nil
}

func msgAt(id, author string, ts int64) domain.Message {
	return domain.Message{
		ID:        id,
		Platform:  domain.PlatformDiscord,
		Content:   "текст " + id,
		AuthorID:  author,
		Timestamp: ts,
		Source:    "#general",
	}
}

func userOf(id string) domain.User {
	return domain.User{ID: id, Platform: domain.PlatformDiscord, Username: id}
}

// channelPages — сценарий канала: три записи, одна от бота уже
// отфильтрована адаптером (Fetched=3, Skipped=1).
func channelPages() map[string]domain.Batch {
	return map[string]domain.Batch{
		"": {
			Messages: []domain.Message{
				msgAt("discord_3", "discord_alice", 300),
				msgAt("discord_2", "discord_bob", 200),
			},
			Users:      map[string]domain.User{"discord_alice": userOf("discord_alice"), "discord_bob": userOf("discord_bob")},
			NextCursor: "2",
			HasMore:    true,
			Fetched:    3,
			Skipped:    1,
		},
		"2": {
			Messages:   []domain.Message{msgAt("discord_1", "discord_alice", 100)},
			Users:      map[string]domain.User{"discord_alice": userOf("discord_alice")},
			NextCursor: "1",
			HasMore:    false,
			Fetched:    1,
		},
	}
}

func TestRunIngestsAllBatches(t *testing.T) {
	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	stats, err := svc.Run(context.Background(), adapter)
	if err != nil {
		t.Fatalf("запуск: %v", err)
	}
	if stats.Batches != 2 || stats.Fetched != 4 || stats.Written != 3 || stats.Skipped != 1 {
		t.Fatalf("неверная статистика: %+v", stats)
	}
	if len(store.messages) != 3 {
		t.Fatalf("в хранилище должно быть 3 сообщения, есть %d", len(store.messages))
	}
	if u := store.users["discord_alice"]; u.MessageCount != 2 || u.FirstSeen != 100 || u.LastSeen != 300 {
		t.Fatalf("неверные агрегаты автора: %+v", u)
	}
	cp, ok, _ := checkpoints.LoadCheckpoint(context.Background(), domain.PlatformDiscord, "#general")
	if !ok || cp.Cursor != "1" || cp.ItemsProcessed != 3 {
		t.Fatalf("неверный чекпоинт: %+v, found=%v", cp, ok)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	_ = checkpoints.SaveCheckpoint(context.Background(), domain.Checkpoint{
		Platform: domain.PlatformDiscord, Source: "#general", Cursor: "2", ItemsProcessed: 2,
	})
	svc := NewService(checkpoints, store, zerolog.Nop())

	if _, err := svc.Run(context.Background(), adapter); err != nil {
		t.Fatalf("запуск: %v", err)
	}
	if adapter.calls[0] != "2" {
		t.Fatalf("первый запрос должен идти с курсора чекпоинта, был %q", adapter.calls[0])
	}
	if len(store.messages) != 1 {
		t.Fatalf("дописываться должен только хвост: %d сообщений", len(store.messages))
	}
}

func TestRunRewriteIsIdempotent(t *testing.T) {
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	if _, err := svc.Run(context.Background(), adapter); err != nil {
		t.Fatalf("первый запуск: %v", err)
	}

	// Полная перевыгрузка того же источника не меняет хранилище.
	if err := svc.Reset(context.Background(), domain.PlatformDiscord, "#general"); err != nil {
		t.Fatalf("сброс: %v", err)
	}
	adapter = &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	stats, err := svc.Run(context.Background(), adapter)
	if err != nil {
		t.Fatalf("второй запуск: %v", err)
	}
	if stats.Written != 0 {
		t.Fatalf("повторная выгрузка не должна вставлять дубликаты: %+v", stats)
	}
	if len(store.messages) != 3 {
		t.Fatalf("хранилище не должно меняться: %d сообщений", len(store.messages))
	}
	if u := store.users["discord_alice"]; u.MessageCount != 2 {
		t.Fatalf("счётчики авторов не должны расти на дубликатах: %+v", u)
	}
}

func TestRunReingestPicksOnlyNew(t *testing.T) {
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	if _, err := svc.Run(context.Background(), adapter); err != nil {
		t.Fatalf("первый запуск: %v", err)
	}

	// В источнике появилось новое сообщение, старые выгружаются повторно.
	pages := channelPages()
	page := pages["2"]
	page.Messages = append(page.Messages, msgAt("discord_4", "discord_bob", 400))
	page.Fetched++
	pages["2"] = page
	_ = checkpoints.ResetCheckpoint(context.Background(), domain.PlatformDiscord, "#general")

	adapter = &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: pages}
	stats, err := svc.Run(context.Background(), adapter)
	if err != nil {
		t.Fatalf("второй запуск: %v", err)
	}
	if stats.Written != 1 {
		t.Fatalf("записаться должно только новое сообщение: %+v", stats)
	}
	if len(store.messages) != 4 {
		t.Fatalf("ожидали 4 сообщения, есть %d", len(store.messages))
	}
}

func TestRunCrashBeforeCheckpointIsSafe(t *testing.T) {
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	// Падение между коммитом батча и сохранением чекпоинта.
	checkpoints.saveErr = errors.New("соединение потеряно")
	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	if _, err := svc.Run(context.Background(), adapter); err == nil {
		t.Fatal("ожидали ошибку сохранения чекпоинта")
	}
	if len(store.messages) != 2 {
		t.Fatalf("первый батч уже зафиксирован: %d сообщений", len(store.messages))
	}
	if _, ok, _ := checkpoints.LoadCheckpoint(context.Background(), domain.PlatformDiscord, "#general"); ok {
		t.Fatal("чекпоинт не должен существовать")
	}

	// Повторный запуск перечитывает с начала и схлопывает дубликаты.
	checkpoints.saveErr = nil
	adapter = &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	if _, err := svc.Run(context.Background(), adapter); err != nil {
		t.Fatalf("повторный запуск: %v", err)
	}
	if len(store.messages) != 3 {
		t.Fatalf("итог должен совпадать с чистым запуском: %d сообщений", len(store.messages))
	}
	if u := store.users["discord_alice"]; u.MessageCount != 2 {
		t.Fatalf("агрегаты не должны задваиваться: %+v", u)
	}
}

func TestRunFatalLeavesCheckpoint(t *testing.T) {
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	adapter := &stubAdapter{
		platform: domain.PlatformDiscord,
		source:   "#general",
		pages:    channelPages(),
		errAt:    "2",
		err:      domain.Fatal("авторизация отклонена", nil),
	}
	_, err := svc.Run(context.Background(), adapter)
	if !domain.IsFatal(err) {
		t.Fatalf("ожидали невосстановимую ошибку: %v", err)
	}
	cp, ok, _ := checkpoints.LoadCheckpoint(context.Background(), domain.PlatformDiscord, "#general")
	if !ok || cp.Cursor != "2" {
		t.Fatalf("чекпоинт должен указывать на последний зафиксированный батч: %+v", cp)
	}
}

func TestRunStopsAtBatchBoundary(t *testing.T) {
	store := newMemStore()
	checkpoints := newMemCheckpoints()
	svc := NewService(checkpoints, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	adapter := &stubAdapter{platform: domain.PlatformDiscord, source: "#general", pages: channelPages()}
	adapter.onFetch = cancel

	_, err := svc.Run(ctx, adapter)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали отмену контекста: %v", err)
	}
	// Первый батч успел зафиксироваться вместе с чекпоинтом.
	if len(store.messages) != 2 {
		t.Fatalf("батч на границе отмены дописывается целиком: %d сообщений", len(store.messages))
	}
	cp, ok, _ := checkpoints.LoadCheckpoint(ctx, domain.PlatformDiscord, "#general")
	if !ok || cp.Cursor != "2" {
		t.Fatalf("чекпоинт должен соответствовать записанному батчу: %+v", cp)
	}
}
