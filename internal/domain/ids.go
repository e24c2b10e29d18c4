package domain

// Схема префиксации идентификаторов. Обе платформы переиспользуют числовые
// пространства id, поэтому каждый нативный идентификатор детерминированно
// превращается в глобально уникальную строку: discord_<id> для канальной
// платформы, reddit_t3_<id>/reddit_t1_<id> для постов и комментариев форума.
// Один и тот же нативный id всегда даёт один и тот же префиксованный —
// на этом свойстве держится идемпотентность записи.

// DiscordMessageID возвращает префиксованный id сообщения Discord.
func DiscordMessageID(native string) string {
	return "discord_" + native
}

// DiscordUserID возвращает префиксованный id пользователя Discord.
func DiscordUserID(native string) string {
	return "discord_" + native
}

// RedditPostID возвращает префиксованный id поста Reddit (тип t3).
func RedditPostID(native string) string {
	return "reddit_t3_" + native
}

// RedditCommentID возвращает префиксованный id комментария Reddit (тип t1).
func RedditCommentID(native string) string {
	return "reddit_t1_" + native
}

// RedditUserID возвращает префиксованный id пользователя Reddit.
func RedditUserID(username string) string {
	return "reddit_" + username
}

// RedditParentID префиксует родительскую ссылку Reddit. Нативная ссылка уже
// несёт тип (t3_xxx или t1_xxx), поэтому достаточно префикса платформы.
func RedditParentID(fullname string) string {
	return "reddit_" + fullname
}
