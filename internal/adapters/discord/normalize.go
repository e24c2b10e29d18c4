package discord

import (
	"encoding/json"
	"strings"
	"time"

	"discredit/internal/domain"
)

// rawMessage — сообщение в формате API Discord v10.
type rawMessage struct {
	ID                string            `json:"id"`
	Type              int               `json:"type"`
	Content           string            `json:"content"`
	Timestamp         string            `json:"timestamp"`
	EditedTimestamp   *string           `json:"edited_timestamp"`
	Author            rawAuthor         `json:"author"`
	Mentions          []rawAuthor       `json:"mentions"`
	MentionRoles      []string          `json:"mention_roles"`
	Attachments       []rawAttachment   `json:"attachments"`
	Embeds            []json.RawMessage `json:"embeds"`
	Reactions         []rawReaction     `json:"reactions"`
	ReferencedMessage *rawReference     `json:"referenced_message"`
}

type rawAuthor struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

type rawAttachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type rawReaction struct {
	Emoji struct {
		Name string `json:"name"`
	} `json:"emoji"`
	Count int `json:"count"`
}

type rawReference struct {
	ID string `json:"id"`
}

// messageMeta — платформенные атрибуты, сохраняемые рядом с сообщением.
type messageMeta struct {
	Type            int              `json:"type"`
	EditedTimestamp *string          `json:"edited_timestamp"`
	Mentions        []string         `json:"mentions"`
	MentionRoles    []string         `json:"mention_roles"`
	Attachments     []attachmentMeta `json:"attachments"`
	Embeds          int              `json:"embeds"`
	Reactions       []reactionMeta   `json:"reactions"`
}

type attachmentMeta struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type reactionMeta struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// normalizeMessage переводит сообщение в единый формат. Возвращает false,
// если сообщение отфильтровано: бот, либо пустое без вложений и эмбедов.
func normalizeMessage(raw rawMessage, source string, now time.Time) (domain.Message, domain.User, bool) {
	if raw.Author.Bot {
		return domain.Message{}, domain.User{}, false
	}

	content := strings.TrimSpace(raw.Content)
	if content == "" && len(raw.Attachments) == 0 && len(raw.Embeds) == 0 {
		return domain.Message{}, domain.User{}, false
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return domain.Message{}, domain.User{}, false
	}

	var parentID string
	if raw.ReferencedMessage != nil && raw.ReferencedMessage.ID != "" {
		parentID = domain.DiscordMessageID(raw.ReferencedMessage.ID)
	}

	meta := messageMeta{
		Type:            raw.Type,
		EditedTimestamp: raw.EditedTimestamp,
		Mentions:        make([]string, 0, len(raw.Mentions)),
		MentionRoles:    raw.MentionRoles,
		Attachments:     make([]attachmentMeta, 0, len(raw.Attachments)),
		Embeds:          len(raw.Embeds),
		Reactions:       make([]reactionMeta, 0, len(raw.Reactions)),
	}
	for _, m := range raw.Mentions {
		meta.Mentions = append(meta.Mentions, domain.DiscordUserID(m.ID))
	}
	for _, a := range raw.Attachments {
		meta.Attachments = append(meta.Attachments, attachmentMeta{URL: a.URL, Filename: a.Filename, ContentType: a.ContentType})
	}
	for _, r := range raw.Reactions {
		meta.Reactions = append(meta.Reactions, reactionMeta{Emoji: r.Emoji.Name, Count: r.Count})
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Message{}, domain.User{}, false
	}

	msg := domain.Message{
		ID:         domain.DiscordMessageID(raw.ID),
		Platform:   domain.PlatformDiscord,
		Content:    content,
		AuthorID:   domain.DiscordUserID(raw.Author.ID),
		Timestamp:  ts.Unix(),
		Source:     source,
		ParentID:   parentID,
		RawMeta:    metaJSON,
		IngestedAt: now,
	}
	user := domain.User{
		ID:          domain.DiscordUserID(raw.Author.ID),
		Platform:    domain.PlatformDiscord,
		Username:    raw.Author.Username,
		DisplayName: raw.Author.GlobalName,
	}
	return msg, user, true
}
