package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"discredit/internal/domain"
	"discredit/internal/infra/metrics"
	"discredit/internal/infra/ratelimit"
)

const (
	defaultBaseURL   = "https://discord.com/api/v10"
	requestRetryMax  = 5
	requestTimeout   = 15 * time.Second
	componentDiscord = "discord"
)

// Client ходит в REST API Discord с учётом лимитов платформы.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	governor   *ratelimit.Governor
}

// NewClient создаёт клиент API.
func NewClient(token string, governor *ratelimit.Governor) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		token:      token,
		governor:   governor,
	}
}

// rawChannel — ответ GET /channels/{id}.
type rawChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FetchChannel возвращает информацию о канале.
func (c *Client) FetchChannel(ctx context.Context, channelID string) (rawChannel, error) {
	var channel rawChannel
	endpoint := fmt.Sprintf("%s/channels/%s", c.baseURL, channelID)
	if err := c.getJSON(ctx, "channel_info", endpoint, &channel); err != nil {
		return rawChannel{}, err
	}
	return channel, nil
}

// FetchMessages возвращает страницу сообщений канала, от новых к старым.
// Параметр before ограничивает страницу сообщениями старше указанного id.
func (c *Client) FetchMessages(ctx context.Context, channelID, before string, limit int) ([]rawMessage, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages?limit=%d", c.baseURL, channelID, limit)
	if before != "" {
		endpoint += "&before=" + url.QueryEscape(before)
	}
	var messages []rawMessage
	if err := c.getJSON(ctx, "channel_messages", endpoint, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// getJSON выполняет GET с повторами. Отказ 429 учитывается регулятором,
// 5xx повторяется, 401/403/404 прерывает задачу.
func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt < requestRetryMax; attempt++ {
		if err := c.governor.Acquire(ctx); err != nil {
			return err
		}

		start := time.Now()
		status, body, err := c.doRequest(ctx, endpoint)
		metrics.ObserveNetworkRequest(componentDiscord, operation, "api", start, err)
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
				return domain.Fatal("discord: неожиданная схема ответа", err)
			}
			return nil
		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(body)
			c.governor.Throttled(retryAfter)
			metrics.IncRateLimitHit(string(domain.PlatformDiscord))
			lastErr = &domain.RateLimitError{RetryAfter: retryAfter}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return domain.Fatal("discord: авторизация отклонена, проверьте токен", fmt.Errorf("status %d", status))
		case status == http.StatusNotFound:
			return domain.Fatal("discord: канал не найден", fmt.Errorf("status %d", status))
		default:
			lastErr = fmt.Errorf("discord: api вернул статус %d", status)
		}
	}
	return fmt.Errorf("discord: запрос не удался после %d попыток: %w", requestRetryMax, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// parseRetryAfter извлекает срок ожидания из тела ответа 429.
func parseRetryAfter(body []byte) time.Duration {
	var payload struct {
		RetryAfter json.Number `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(payload.RetryAfter.String(), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
