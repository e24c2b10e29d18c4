package reddit

import (
	"encoding/json"
	"strings"
	"time"

	"discredit/internal/domain"
)

// rawThing — элемент listing-ответа Reddit: пост (t3), комментарий (t1)
// или ссылка на свёрнутую ветку (more).
type rawThing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// rawListing — страница listing-ответа.
type rawListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string     `json:"after"`
		Children []rawThing `json:"children"`
	} `json:"data"`
}

type rawPost struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	Author        string  `json:"author"`
	Distinguished string  `json:"distinguished"`
	CreatedUTC    float64 `json:"created_utc"`
	Score         int     `json:"score"`
	UpvoteRatio   float64 `json:"upvote_ratio"`
	NumComments   int     `json:"num_comments"`
	LinkFlairText string  `json:"link_flair_text"`
	IsSelf        bool    `json:"is_self"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
	Stickied      bool    `json:"stickied"`
	Locked        bool    `json:"locked"`
}

type rawComment struct {
	ID            string          `json:"id"`
	Author        string          `json:"author"`
	Distinguished string          `json:"distinguished"`
	Body          string          `json:"body"`
	CreatedUTC    float64         `json:"created_utc"`
	ParentID      string          `json:"parent_id"`
	Score         int             `json:"score"`
	Permalink     string          `json:"permalink"`
	IsSubmitter   bool            `json:"is_submitter"`
	Replies       json.RawMessage `json:"replies"`
}

type rawMore struct {
	Children []string `json:"children"`
}

// postMeta — платформенные атрибуты поста.
type postMeta struct {
	Type        string  `json:"type"`
	Upvotes     int     `json:"upvotes"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	Flair       string  `json:"flair,omitempty"`
	IsSelfPost  bool    `json:"is_self_post"`
	URL         string  `json:"url,omitempty"`
	Permalink   string  `json:"permalink"`
	IsStickied  bool    `json:"is_stickied"`
	IsLocked    bool    `json:"is_locked"`
}

// commentMeta — платформенные атрибуты комментария.
type commentMeta struct {
	Type        string `json:"type"`
	Upvotes     int    `json:"upvotes"`
	Depth       int    `json:"depth"`
	IsTopLevel  bool   `json:"is_top_level"`
	IsSubmitter bool   `json:"is_submitter"`
	Permalink   string `json:"permalink"`
}

var botNamePatterns = []string{"bot", "automod", "automoderator", "moderator"}

// isBotOrModerator фильтрует служебных авторов по шаблону имени и
// модераторской отметке.
func isBotOrModerator(author, distinguished string) bool {
	if distinguished == "moderator" {
		return true
	}
	name := strings.ToLower(author)
	for _, pattern := range botNamePatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// isDeletedOrRemoved фильтрует удалённый и вычищенный контент.
func isDeletedOrRemoved(content, author string) bool {
	if author == "" || author == "[deleted]" {
		return true
	}
	switch content {
	case "", "[removed]", "[deleted]":
		return true
	}
	return false
}

// normalizePost переводит пост в единый формат: заголовок и тело
// объединяются в один текст, заголовок первым.
func normalizePost(raw rawPost, source string, now time.Time) (domain.Message, domain.User, bool) {
	if isDeletedOrRemoved(raw.Selftext, raw.Author) && raw.Title == "" {
		return domain.Message{}, domain.User{}, false
	}
	if raw.Author == "" || raw.Author == "[deleted]" {
		return domain.Message{}, domain.User{}, false
	}
	if isBotOrModerator(raw.Author, raw.Distinguished) {
		return domain.Message{}, domain.User{}, false
	}

	parts := []string{raw.Title}
	if body := strings.TrimSpace(raw.Selftext); body != "" && body != "[removed]" && body != "[deleted]" {
		parts = append(parts, raw.Selftext)
	}
	content := strings.Join(parts, "\n\n")

	meta := postMeta{
		Type:        "post",
		Upvotes:     raw.Score,
		UpvoteRatio: raw.UpvoteRatio,
		NumComments: raw.NumComments,
		Flair:       raw.LinkFlairText,
		IsSelfPost:  raw.IsSelf,
		Permalink:   "https://reddit.com" + raw.Permalink,
		IsStickied:  raw.Stickied,
		IsLocked:    raw.Locked,
	}
	if !raw.IsSelf {
		meta.URL = raw.URL
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Message{}, domain.User{}, false
	}

	msg := domain.Message{
		ID:         domain.RedditPostID(raw.ID),
		Platform:   domain.PlatformReddit,
		Content:    content,
		AuthorID:   domain.RedditUserID(raw.Author),
		Timestamp:  int64(raw.CreatedUTC),
		Source:     source,
		RawMeta:    metaJSON,
		IngestedAt: now,
	}
	user := domain.User{
		ID:       domain.RedditUserID(raw.Author),
		Platform: domain.PlatformReddit,
		Username: raw.Author,
	}
	return msg, user, true
}

// normalizeComment переводит комментарий в единый формат. Родительская
// ссылка префиксуется без обращения к хранилищу: нативная уже несёт тип.
func normalizeComment(raw rawComment, source string, depth int, now time.Time) (domain.Message, domain.User, bool) {
	if isDeletedOrRemoved(raw.Body, raw.Author) {
		return domain.Message{}, domain.User{}, false
	}
	if isBotOrModerator(raw.Author, raw.Distinguished) {
		return domain.Message{}, domain.User{}, false
	}
	content := strings.TrimSpace(raw.Body)
	if content == "" {
		return domain.Message{}, domain.User{}, false
	}

	meta := commentMeta{
		Type:        "comment",
		Upvotes:     raw.Score,
		Depth:       depth,
		IsTopLevel:  strings.HasPrefix(raw.ParentID, "t3_"),
		IsSubmitter: raw.IsSubmitter,
		Permalink:   "https://reddit.com" + raw.Permalink,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Message{}, domain.User{}, false
	}

	msg := domain.Message{
		ID:         domain.RedditCommentID(raw.ID),
		Platform:   domain.PlatformReddit,
		Content:    content,
		AuthorID:   domain.RedditUserID(raw.Author),
		Timestamp:  int64(raw.CreatedUTC),
		Source:     source,
		ParentID:   domain.RedditParentID(raw.ParentID),
		RawMeta:    metaJSON,
		IngestedAt: now,
	}
	user := domain.User{
		ID:       domain.RedditUserID(raw.Author),
		Platform: domain.PlatformReddit,
		Username: raw.Author,
	}
	return msg, user, true
}

// parseReplies разбирает поле replies: пустая строка или вложенный листинг.
func parseReplies(raw json.RawMessage) []rawThing {
	if len(raw) == 0 || string(raw) == `""` || string(raw) == "null" {
		return nil
	}
	var listing rawListing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil
	}
	return listing.Data.Children
}
