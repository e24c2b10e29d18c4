package discord

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleRaw() rawMessage {
	return rawMessage{
		ID:        "111222333",
		Content:   "  привет из канала  ",
		Timestamp: "2026-05-01T12:00:00+00:00",
		Author:    rawAuthor{ID: "42", Username: "alice", GlobalName: "Alice"},
	}
}

func TestNormalizeMessage(t *testing.T) {
	now := time.Now().UTC()
	raw := sampleRaw()
	raw.ReferencedMessage = &rawReference{ID: "111222000"}
	raw.Mentions = []rawAuthor{{ID: "77", Username: "bob"}}

	msg, user, ok := normalizeMessage(raw, "#general", now)
	if !ok {
		t.Fatal("обычное сообщение не должно отфильтровываться")
	}
	if msg.ID != "discord_111222333" {
		t.Fatalf("неверный id: %s", msg.ID)
	}
	if msg.Content != "привет из канала" {
		t.Fatalf("контент должен быть обрезан: %q", msg.Content)
	}
	if msg.AuthorID != "discord_42" {
		t.Fatalf("неверный id автора: %s", msg.AuthorID)
	}
	if msg.ParentID != "discord_111222000" {
		t.Fatalf("неверный id родителя: %s", msg.ParentID)
	}
	if msg.Source != "#general" {
		t.Fatalf("неверный источник: %s", msg.Source)
	}
	want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Unix()
	if msg.Timestamp != want {
		t.Fatalf("неверное время: %d, ожидали %d", msg.Timestamp, want)
	}
	if user.Username != "alice" || user.DisplayName != "Alice" {
		t.Fatalf("неверный пользователь: %+v", user)
	}

	var meta messageMeta
	if err := json.Unmarshal(msg.RawMeta, &meta); err != nil {
		t.Fatalf("метаданные не разбираются: %v", err)
	}
	if len(meta.Mentions) != 1 || meta.Mentions[0] != "discord_77" {
		t.Fatalf("упоминания должны префиксоваться: %+v", meta.Mentions)
	}
}

func TestNormalizeMessageSkipsBots(t *testing.T) {
	raw := sampleRaw()
	raw.Author.Bot = true
	if _, _, ok := normalizeMessage(raw, "#general", time.Now()); ok {
		t.Fatal("сообщение бота должно отфильтровываться")
	}
}

func TestNormalizeMessageSkipsEmpty(t *testing.T) {
	raw := sampleRaw()
	raw.Content = "   "
	if _, _, ok := normalizeMessage(raw, "#general", time.Now()); ok {
		t.Fatal("пустое сообщение без вложений должно отфильтровываться")
	}
}

func TestNormalizeMessageKeepsEmptyWithAttachment(t *testing.T) {
	raw := sampleRaw()
	raw.Content = ""
	raw.Attachments = []rawAttachment{{URL: "https://cdn.example/file.png", Filename: "file.png", ContentType: "image/png"}}
	msg, _, ok := normalizeMessage(raw, "#general", time.Now())
	if !ok {
		t.Fatal("пустое сообщение с вложением должно сохраняться")
	}
	var meta messageMeta
	if err := json.Unmarshal(msg.RawMeta, &meta); err != nil {
		t.Fatalf("метаданные не разбираются: %v", err)
	}
	if len(meta.Attachments) != 1 || meta.Attachments[0].Filename != "file.png" {
		t.Fatalf("вложение должно попадать в метаданные: %+v", meta.Attachments)
	}
}

func TestNormalizeMessageBadTimestamp(t *testing.T) {
	raw := sampleRaw()
	raw.Timestamp = "не время"
	if _, _, ok := normalizeMessage(raw, "#general", time.Now()); ok {
		t.Fatal("сообщение с нечитаемым временем должно отфильтровываться")
	}
}
