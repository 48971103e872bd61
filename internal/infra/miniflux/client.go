package miniflux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/metrics"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
	defaultTimeout    = 30 * time.Second
)

// Credentials описывает доступ к агрегатору.
type Credentials struct {
	URL      string
	APIKey   string
	Username string
	Password string
}

// Configured сообщает, достаточно ли данных для запросов.
func (c Credentials) Configured() bool {
	if strings.TrimSpace(c.URL) == "" {
		return false
	}
	return c.APIKey != "" || c.Username != ""
}

// APIError — ответ агрегатора с неуспешным статусом.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("miniflux: status %d: %s", e.StatusCode, e.Message)
}

// Client — RPC-обёртка над REST API Miniflux.
type Client struct {
	http       *http.Client
	baseURL    string
	creds      Credentials
	attempts   uint
	retryDelay time.Duration
}

var _ domain.Upstream = (*Client)(nil)

// NewClient создаёт клиента агрегатора.
func NewClient(creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		http:       httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(creds.URL), "/"),
		creds:      creds,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
	}
}

// BaseURL возвращает адрес агрегатора без завершающего слэша.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Entries запрашивает статьи с фильтрами q.
func (c *Client) Entries(ctx context.Context, q domain.EntryQuery) (domain.EntryList, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.Direction != "" {
		params.Set("direction", q.Direction)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After > 0 {
		params.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.FeedID > 0 {
		params.Set("feed_id", strconv.FormatInt(q.FeedID, 10))
	} else if q.CategoryID > 0 {
		params.Set("category_id", strconv.FormatInt(q.CategoryID, 10))
	}
	var list domain.EntryList
	err := c.request(ctx, "entries", http.MethodGet, "/v1/entries?"+params.Encode(), nil, &list)
	return list, err
}

// Feeds возвращает все подписки.
func (c *Client) Feeds(ctx context.Context) ([]domain.Feed, error) {
	var feeds []domain.Feed
	err := c.request(ctx, "feeds", http.MethodGet, "/v1/feeds", nil, &feeds)
	return feeds, err
}

// Feed возвращает подписку по id.
func (c *Client) Feed(ctx context.Context, id int64) (domain.Feed, error) {
	var feed domain.Feed
	err := c.request(ctx, "feed", http.MethodGet, "/v1/feeds/"+strconv.FormatInt(id, 10), nil, &feed)
	return feed, err
}

// Categories возвращает все категории.
func (c *Client) Categories(ctx context.Context) ([]domain.Category, error) {
	var categories []domain.Category
	err := c.request(ctx, "categories", http.MethodGet, "/v1/categories", nil, &categories)
	return categories, err
}

// UpdateEntries меняет статус пачки статей.
func (c *Client) UpdateEntries(ctx context.Context, ids []int64, status string) error {
	body := struct {
		EntryIDs []int64 `json:"entry_ids"`
		Status   string  `json:"status"`
	}{EntryIDs: ids, Status: status}
	return c.request(ctx, "update_entries", http.MethodPut, "/v1/entries", body, nil)
}

// request выполняет запрос с повторами. Ответ 204 оставляет out нетронутым.
func (c *Client) request(ctx context.Context, operation, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("miniflux: marshal request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			start := time.Now()
			err := c.once(ctx, method, path, payload, out)
			metrics.ObserveNetworkRequest("miniflux", operation, "", start, err)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.DelayType(c.linearDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// linearDelay даёт паузы 500 мс, 1 с, 1.5 с...
func (c *Client) linearDelay(n uint, _ error, _ *retry.Config) time.Duration {
	return c.retryDelay * time.Duration(n+1)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("miniflux: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.APIKey != "" {
		req.Header.Set("X-Auth-Token", c.creds.APIKey)
	} else {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("miniflux: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("miniflux: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("miniflux: decode response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrorMessage != "" {
		return &APIError{StatusCode: status, Message: payload.ErrorMessage}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
