package domain

import "testing"

func TestPrefixedIDs(t *testing.T) {
	cases := map[string]struct {
		got      string
		expected string
	}{
		"discord message": {DiscordMessageID("123456"), "discord_123456"},
		"discord user":    {DiscordUserID("42"), "discord_42"},
		"reddit post":     {RedditPostID("abc123"), "reddit_t3_abc123"},
		"reddit comment":  {RedditCommentID("xyz789"), "reddit_t1_xyz789"},
		"reddit user":     {RedditUserID("someone"), "reddit_someone"},
		"reddit parent":   {RedditParentID("t3_abc123"), "reddit_t3_abc123"},
	}
	for name, c := range cases {
		if c.got != c.expected {
			t.Fatalf("%s: ожидали %s, получили %s", name, c.expected, c.got)
		}
	}
}

func TestPrefixedIDsCollisionFree(t *testing.T) {
	// Обе платформы используют пересекающиеся нативные пространства id:
	// один и тот же нативный id не должен давать одинаковый глобальный.
	native := "1001"
	ids := []string{
		DiscordMessageID(native),
		RedditPostID(native),
		RedditCommentID(native),
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			t.Fatalf("коллизия идентификаторов: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixedIDsDeterministic(t *testing.T) {
	if RedditPostID("abc") != RedditPostID("abc") {
		t.Fatal("префиксация должна быть детерминированной")
	}
	// Родительская ссылка поста и id самого поста сходятся к одной строке —
	// так комментарий ссылается на пост без обращения к хранилищу.
	if RedditParentID("t3_abc") != RedditPostID("abc") {
		t.Fatal("родительская ссылка t3 должна совпадать с id поста")
	}
	if RedditParentID("t1_xyz") != RedditCommentID("xyz") {
		t.Fatal("родительская ссылка t1 должна совпадать с id комментария")
	}
}
