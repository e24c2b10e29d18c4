package reddit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"discredit/internal/domain"
)

// Adapter выгружает сабреддит постранично: один батч — один пост вместе
// с полным деревом его комментариев. Курсор — fullname (t3_xxx)
// последнего полностью обработанного поста, он же параметр after
// listing-запроса при дозаполнении буфера.
type Adapter struct {
	client    *Client
	subreddit string
	pageSize  int
	cutoff    time.Time
	log       zerolog.Logger

	primed      bool
	after       string
	pending     []rawPost
	listingDone bool
}

var _ domain.SourceAdapter = (*Adapter)(nil)

// NewAdapter создаёт адаптер сабреддита.
func NewAdapter(client *Client, subreddit string, pageSize int, cutoff time.Time, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:    client,
		subreddit: subreddit,
		pageSize:  pageSize,
		cutoff:    cutoff,
		log:       logger,
	}
}

// Platform возвращает платформу адаптера.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformReddit }

// Source возвращает человекочитаемое имя источника.
func (a *Adapter) Source() string { return "r/" + a.subreddit }

// FetchBatch обрабатывает следующий пост сабреддита целиком.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string) (domain.Batch, error) {
	if !a.primed {
		a.after = cursor
		a.primed = true
	}

	if len(a.pending) == 0 && !a.listingDone {
		if err := a.refill(ctx); err != nil {
			return domain.Batch{}, err
		}
	}
	if len(a.pending) == 0 {
		a.log.Debug().Str("subreddit", a.subreddit).Msg("reddit: лента сабреддита исчерпана")
		return domain.Batch{HasMore: false, NextCursor: cursor}, nil
	}

	post := a.pending[0]
	a.pending = a.pending[1:]

	if time.Unix(int64(post.CreatedUTC), 0).Before(a.cutoff) {
		a.log.Info().Str("subreddit", a.subreddit).Time("cutoff", a.cutoff).Msg("reddit: достигнута граница глубины выгрузки")
		a.pending = nil
		a.listingDone = true
		return domain.Batch{HasMore: false, NextCursor: cursor}, nil
	}

	now := time.Now().UTC()
	batch := domain.Batch{
		Users:      make(map[string]domain.User),
		NextCursor: post.Name,
	}

	batch.Fetched++
	msg, user, ok := normalizePost(post, a.Source(), now)
	if !ok {
		// Дерево комментариев отфильтрованного поста не обходим: их
		// parent_id указывал бы на пост, которого в хранилище не будет.
		batch.Skipped += 1 + post.NumComments
		batch.HasMore = len(a.pending) > 0 || !a.listingDone
		a.log.Debug().Str("post", post.Name).Int("comments", post.NumComments).Msg("reddit: пост отфильтрован вместе с поддеревом")
		return batch, nil
	}
	batch.Messages = append(batch.Messages, msg)
	batch.Users[user.ID] = user

	if post.NumComments > 0 {
		if err := a.collectComments(ctx, post, now, &batch); err != nil {
			return domain.Batch{}, err
		}
	}

	batch.HasMore = len(a.pending) > 0 || !a.listingDone
	return batch, nil
}

func (a *Adapter) refill(ctx context.Context) error {
	listing, err := a.client.FetchNewListing(ctx, a.subreddit, a.after, a.pageSize)
	if err != nil {
		return err
	}
	if len(listing.Data.Children) == 0 {
		a.listingDone = true
		return nil
	}
	for _, thing := range listing.Data.Children {
		if thing.Kind != "t3" {
			continue
		}
		var post rawPost
		if err := json.Unmarshal(thing.Data, &post); err != nil {
			return domain.Fatal("reddit: неожиданная схема поста", err)
		}
		a.pending = append(a.pending, post)
	}
	if listing.Data.After == "" {
		a.listingDone = true
	} else {
		a.after = listing.Data.After
	}
	return nil
}

// collectComments обходит дерево комментариев итеративно, со стеком:
// глубина вложенности на живых тредах бывает больше безопасной для
// рекурсии. Свёрнутые ветки догружаются через morechildren.
func (a *Adapter) collectComments(ctx context.Context, post rawPost, now time.Time, batch *domain.Batch) error {
	roots, err := a.client.FetchCommentTree(ctx, a.subreddit, post.ID)
	if err != nil {
		return err
	}

	type frame struct {
		thing rawThing
		depth int
	}
	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{thing: roots[i], depth: 0})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch top.thing.Kind {
		case "t1":
			var comment rawComment
			if err := json.Unmarshal(top.thing.Data, &comment); err != nil {
				return domain.Fatal("reddit: неожиданная схема комментария", err)
			}
			batch.Fetched++
			if msg, user, ok := normalizeComment(comment, a.Source(), top.depth, now); ok {
				batch.Messages = append(batch.Messages, msg)
				batch.Users[user.ID] = user
			} else {
				batch.Skipped++
			}
			replies := parseReplies(comment.Replies)
			for i := len(replies) - 1; i >= 0; i-- {
				stack = append(stack, frame{thing: replies[i], depth: top.depth + 1})
			}
		case "more":
			var more rawMore
			if err := json.Unmarshal(top.thing.Data, &more); err != nil {
				return domain.Fatal("reddit: неожиданная схема more", err)
			}
			if len(more.Children) == 0 {
				continue
			}
			things, err := a.client.FetchMoreChildren(ctx, post.Name, more.Children)
			if err != nil {
				return err
			}
			for i := len(things) - 1; i >= 0; i-- {
				stack = append(stack, frame{thing: things[i], depth: top.depth})
			}
		}
	}
	return nil
}
