package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"discredit/internal/infra/ratelimit"
)

func mustThing(t *testing.T, kind string, data any) rawThing {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	return rawThing{Kind: kind, Data: raw}
}

func listingJSON(t *testing.T, after string, children ...rawThing) rawListing {
	t.Helper()
	var listing rawListing
	listing.Kind = "Listing"
	listing.Data.After = after
	listing.Data.Children = children
	return listing
}

func testPost(id string, createdUTC int64, numComments int) rawPost {
	return rawPost{
		ID:          id,
		Name:        "t3_" + id,
		Title:       "Пост " + id,
		Selftext:    "текст",
		Author:      "poster",
		CreatedUTC:  float64(createdUTC),
		IsSelf:      true,
		NumComments: numComments,
	}
}

func testComment(id, parent, body string, replies json.RawMessage) rawComment {
	return rawComment{
		ID:         id,
		Author:     "commenter",
		Body:       body,
		CreatedUTC: 1750000100,
		ParentID:   parent,
		Replies:    replies,
	}
}

// testServer поднимает фальшивый API с выдачей токена.
func testServer(t *testing.T, mux *http.ServeMux) (*Client, func()) {
	t.Helper()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	})
	srv := httptest.NewServer(mux)
	client := NewClient("id", "secret", "discredit-test/1.0", ratelimit.NewGovernor(10000, time.Millisecond, 4*time.Millisecond))
	client.apiBase = srv.URL
	client.tokenBase = srv.URL
	return client, srv.Close
}

func TestAdapterOnePostPerBatch(t *testing.T) {
	now := time.Now().UTC().Unix()
	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/new", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "" {
			_ = json.NewEncoder(w).Encode(listingJSON(t, ""))
			return
		}
		_ = json.NewEncoder(w).Encode(listingJSON(t, "",
			mustThing(t, "t3", testPost("p1", now, 2)),
			mustThing(t, "t3", testPost("p2", now-100, 0)),
		))
	})
	mux.HandleFunc("/r/golang/comments/p1", func(w http.ResponseWriter, r *http.Request) {
		repliesListing, _ := json.Marshal(listingJSON(t, "", mustThing(t, "t1", testComment("c2", "t1_c1", "ответ", nil))))
		top := testComment("c1", "t3_p1", "комментарий", repliesListing)
		_ = json.NewEncoder(w).Encode([]rawListing{
			listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, 2))),
			listingJSON(t, "", mustThing(t, "t1", top)),
		})
	})
	client, closeFn := testServer(t, mux)
	defer closeFn()

	adapter := NewAdapter(client, "golang", 100, time.Now().AddDate(0, -3, 0), zerolog.Nop())

	batch, err := adapter.FetchBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("первый батч: %v", err)
	}
	// Пост и два комментария одним батчем.
	if len(batch.Messages) != 3 {
		t.Fatalf("ожидали 3 сообщения, получили %d", len(batch.Messages))
	}
	if batch.NextCursor != "t3_p1" {
		t.Fatalf("курсор должен указывать на обработанный пост: %s", batch.NextCursor)
	}
	if !batch.HasMore {
		t.Fatal("в буфере остался второй пост")
	}
	var foundNested bool
	for _, msg := range batch.Messages {
		if msg.ID == "reddit_t1_c2" && msg.ParentID == "reddit_t1_c1" {
			foundNested = true
		}
	}
	if !foundNested {
		t.Fatal("вложенный комментарий должен ссылаться на родительский")
	}

	batch, err = adapter.FetchBatch(context.Background(), batch.NextCursor)
	if err != nil {
		t.Fatalf("второй батч: %v", err)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].ID != "reddit_t3_p2" {
		t.Fatalf("второй батч должен содержать только второй пост: %+v", batch.Messages)
	}
	if batch.HasMore {
		t.Fatal("лента исчерпана")
	}
}

func TestAdapterSkipsSubtreeOfFilteredPost(t *testing.T) {
	now := time.Now().UTC().Unix()
	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/new", func(w http.ResponseWriter, r *http.Request) {
		deleted := testPost("p1", now, 3)
		deleted.Author = "[deleted]"
		_ = json.NewEncoder(w).Encode(listingJSON(t, "", mustThing(t, "t3", deleted)))
	})
	var commentCalls int
	mux.HandleFunc("/r/golang/comments/p1", func(w http.ResponseWriter, r *http.Request) {
		commentCalls++
		_ = json.NewEncoder(w).Encode([]rawListing{
			listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, 3))),
			listingJSON(t, "", mustThing(t, "t1", testComment("c1", "t3_p1", "осиротевший", nil))),
		})
	})
	client, closeFn := testServer(t, mux)
	defer closeFn()

	adapter := NewAdapter(client, "golang", 100, time.Now().AddDate(0, -3, 0), zerolog.Nop())
	batch, err := adapter.FetchBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("батч: %v", err)
	}
	// Комментарии удалённого поста ссылались бы на отсутствующего родителя.
	if len(batch.Messages) != 0 {
		t.Fatalf("батч отфильтрованного поста должен быть пуст: %+v", batch.Messages)
	}
	if commentCalls != 0 {
		t.Fatalf("дерево комментариев не должно запрашиваться, запросов: %d", commentCalls)
	}
	if batch.Skipped != 4 {
		t.Fatalf("пост и 3 комментария должны числиться пропущенными, Skipped=%d", batch.Skipped)
	}
	if batch.NextCursor != "t3_p1" {
		t.Fatalf("курсор должен пройти отфильтрованный пост: %s", batch.NextCursor)
	}
}

func TestAdapterStopsAtCutoff(t *testing.T) {
	now := time.Now().UTC()
	old := now.AddDate(0, -6, 0).Unix()
	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/new", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listingJSON(t, "",
			mustThing(t, "t3", testPost("p1", now.Unix(), 0)),
			mustThing(t, "t3", testPost("p2", old, 0)),
		))
	})
	client, closeFn := testServer(t, mux)
	defer closeFn()

	adapter := NewAdapter(client, "golang", 100, now.AddDate(0, -3, 0), zerolog.Nop())

	batch, err := adapter.FetchBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("первый батч: %v", err)
	}
	if len(batch.Messages) != 1 || !batch.HasMore {
		t.Fatalf("первый пост свежий: %d сообщений, HasMore=%v", len(batch.Messages), batch.HasMore)
	}

	batch, err = adapter.FetchBatch(context.Background(), batch.NextCursor)
	if err != nil {
		t.Fatalf("второй батч: %v", err)
	}
	if len(batch.Messages) != 0 || batch.HasMore {
		t.Fatal("пост старше границы должен завершать выгрузку")
	}
}

func TestAdapterResolvesMoreChildren(t *testing.T) {
	now := time.Now().UTC().Unix()
	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/new", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, 5))))
	})
	mux.HandleFunc("/r/golang/comments/p1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawListing{
			listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, 5))),
			listingJSON(t, "",
				mustThing(t, "t1", testComment("c1", "t3_p1", "видимый", nil)),
				mustThing(t, "more", rawMore{Children: []string{"c2", "c3"}}),
			),
		})
	})
	mux.HandleFunc("/api/morechildren", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "link_id=t3_p1") {
			t.Errorf("morechildren должен запрашиваться по fullname поста: %s", r.URL.RawQuery)
		}
		fmt.Fprintf(w, `{"json":{"data":{"things":[%s,%s]}}}`,
			thingJSON(t, "t1", testComment("c2", "t3_p1", "свёрнутый", nil)),
			thingJSON(t, "t1", testComment("c3", "t1_c2", "свёрнутый ответ", nil)),
		)
	})
	client, closeFn := testServer(t, mux)
	defer closeFn()

	adapter := NewAdapter(client, "golang", 100, time.Now().AddDate(0, -3, 0), zerolog.Nop())
	batch, err := adapter.FetchBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("батч: %v", err)
	}
	// Пост, видимый комментарий и два догруженных.
	if len(batch.Messages) != 4 {
		t.Fatalf("ожидали 4 сообщения, получили %d", len(batch.Messages))
	}
}

func TestAdapterDeepTreeWithoutRecursion(t *testing.T) {
	now := time.Now().UTC().Unix()

	// Цепочка из 200 вложенных комментариев.
	const depth = 200
	var leaf json.RawMessage
	for i := depth; i >= 2; i-- {
		parent := fmt.Sprintf("t1_c%d", i-1)
		comment := testComment(fmt.Sprintf("c%d", i), parent, fmt.Sprintf("уровень %d", i), leaf)
		var listing rawListing
		listing.Kind = "Listing"
		listing.Data.Children = []rawThing{mustThing(t, "t1", comment)}
		leaf, _ = json.Marshal(listing)
	}
	root := testComment("c1", "t3_p1", "уровень 1", leaf)

	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/new", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, depth))))
	})
	mux.HandleFunc("/r/golang/comments/p1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawListing{
			listingJSON(t, "", mustThing(t, "t3", testPost("p1", now, depth))),
			listingJSON(t, "", mustThing(t, "t1", root)),
		})
	})
	client, closeFn := testServer(t, mux)
	defer closeFn()

	adapter := NewAdapter(client, "golang", 100, time.Now().AddDate(0, -3, 0), zerolog.Nop())
	batch, err := adapter.FetchBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("батч: %v", err)
	}
	if len(batch.Messages) != depth+1 {
		t.Fatalf("ожидали %d сообщений, получили %d", depth+1, len(batch.Messages))
	}
}

func thingJSON(t *testing.T, kind string, data any) string {
	t.Helper()
	raw, err := json.Marshal(mustThing(t, kind, data))
	if err != nil {
		t.Fatalf("marshal thing: %v", err)
	}
	return string(raw)
}
