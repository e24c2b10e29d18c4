package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"discredit/internal/domain"
	"discredit/internal/infra/metrics"
	"discredit/internal/infra/ratelimit"
)

const (
	defaultAPIBase   = "https://oauth.reddit.com"
	defaultTokenBase = "https://www.reddit.com"
	requestRetryMax  = 5
	requestTimeout   = 15 * time.Second
	componentReddit  = "reddit"
)

// Client ходит в OAuth API Reddit от имени приложения.
type Client struct {
	httpClient   *http.Client
	apiBase      string
	tokenBase    string
	clientID     string
	clientSecret string
	userAgent    string
	governor     *ratelimit.Governor

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient создаёт клиент API.
func NewClient(clientID, clientSecret, userAgent string, governor *ratelimit.Governor) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		apiBase:      defaultAPIBase,
		tokenBase:    defaultTokenBase,
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		governor:     governor,
	}
}

// token возвращает действующий OAuth токен приложения, обновляя его по
// мере истечения срока.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenBase+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest(componentReddit, "access_token", "oauth", start, err)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", domain.Fatal("reddit: авторизация приложения отклонена, проверьте client_id и client_secret", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reddit: токен не выдан, статус %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", domain.Fatal("reddit: неожиданная схема ответа токена", err)
	}
	if payload.AccessToken == "" {
		return "", domain.Fatal("reddit: пустой токен в ответе", nil)
	}
	c.accessToken = payload.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

// FetchNewListing возвращает страницу свежих постов сабреддита.
func (c *Client) FetchNewListing(ctx context.Context, subreddit, after string, limit int) (rawListing, error) {
	endpoint := fmt.Sprintf("%s/r/%s/new?limit=%d&raw_json=1", c.apiBase, url.PathEscape(subreddit), limit)
	if after != "" {
		endpoint += "&after=" + url.QueryEscape(after)
	}
	var listing rawListing
	if err := c.getJSON(ctx, "subreddit_new", endpoint, &listing); err != nil {
		return rawListing{}, err
	}
	return listing, nil
}

// FetchCommentTree возвращает дерево комментариев поста.
func (c *Client) FetchCommentTree(ctx context.Context, subreddit, postID string) ([]rawThing, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s?limit=500&raw_json=1", c.apiBase, url.PathEscape(subreddit), url.PathEscape(postID))
	// Ответ — пара листингов: пост и верхний уровень комментариев.
	var listings []rawListing
	if err := c.getJSON(ctx, "post_comments", endpoint, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}
	return listings[1].Data.Children, nil
}

// FetchMoreChildren догружает свёрнутые ветки комментариев.
func (c *Client) FetchMoreChildren(ctx context.Context, linkFullname string, children []string) ([]rawThing, error) {
	endpoint := fmt.Sprintf("%s/api/morechildren?api_type=json&raw_json=1&link_id=%s&children=%s",
		c.apiBase, url.QueryEscape(linkFullname), url.QueryEscape(strings.Join(children, ",")))
	var payload struct {
		JSON struct {
			Data struct {
				Things []rawThing `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := c.getJSON(ctx, "morechildren", endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.JSON.Data.Things, nil
}

func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt < requestRetryMax; attempt++ {
		if err := c.governor.Acquire(ctx); err != nil {
			return err
		}

		token, err := c.token(ctx)
		if err != nil {
			if domain.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}

		start := time.Now()
		status, header, body, err := c.doRequest(ctx, endpoint, token)
		metrics.ObserveNetworkRequest(componentReddit, operation, "api", start, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusOK:
			c.governor.Success()
			if err := json.Unmarshal(body, out); err != nil {
				return domain.Fatal("reddit: неожиданная схема ответа", err)
			}
			return nil
		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(header)
			c.governor.Throttled(retryAfter)
			metrics.IncRateLimitHit(string(domain.PlatformReddit))
			lastErr = &domain.RateLimitError{RetryAfter: retryAfter}
		case status == http.StatusUnauthorized:
			// Токен мог протухнуть раньше срока, забываем его и повторяем.
			c.mu.Lock()
			c.accessToken = ""
			c.mu.Unlock()
			lastErr = fmt.Errorf("reddit: токен отклонён")
		case status == http.StatusForbidden || status == http.StatusNotFound:
			return domain.Fatal("reddit: источник недоступен, проверьте имя сабреддита", fmt.Errorf("status %d", status))
		default:
			lastErr = fmt.Errorf("reddit: api вернул статус %d", status)
		}
	}
	return fmt.Errorf("reddit: запрос не удался после %d попыток: %w", requestRetryMax, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint, token string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// parseRetryAfter извлекает срок ожидания из заголовка ответа 429.
func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
