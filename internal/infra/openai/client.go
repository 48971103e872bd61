package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/metrics"
)

// DefaultTimeout ограничивает непотоковый запрос к LLM.
const DefaultTimeout = 10 * time.Minute

const completionsPath = "chat/completions"

// Client выполняет Chat Completions запросы к OpenAI-совместимому API.
// Адрес и ключ берутся из настроек пользователя на каждый вызов.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient создаёт клиента. httpClient не должен иметь собственного Timeout,
// иначе он оборвёт потоковые ответы.
func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: httpClient, timeout: timeout}
}

var (
	_ domain.ChatCompleter = (*Client)(nil)
	_ domain.ChatStreamer  = (*Client)(nil)
)

// ChatCompletionRequest описывает тело запроса.
type ChatCompletionRequest struct {
	Model       string               `json:"model"`
	Temperature float64              `json:"temperature"`
	Messages    []domain.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
}

// ChatCompletionResponse описывает ответ модели.
type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice содержит сообщение модели.
type ChatCompletionChoice struct {
	Message domain.ChatMessage `json:"message"`
}

// ChatCompletionUsage описывает статистику использования токенов.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError — ошибка, которую вернул LLM-провайдер.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// NormalizeURL гарантирует завершающий слэш и суффикс chat/completions.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	if strings.HasSuffix(u, completionsPath+"/") {
		return strings.TrimSuffix(u, "/")
	}
	return u + completionsPath
}

// Complete отправляет prompt одной user-репликой и возвращает текст первого варианта.
func (c *Client) Complete(ctx context.Context, cfg domain.AIConfig, prompt string) (string, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return "", domain.ErrNoAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := newRequest(cfg, []domain.ChatMessage{{Role: "user", Content: prompt}}, false)
	start := time.Now()
	resp, err := c.do(ctx, cfg, req)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := newAPIError(resp.StatusCode, respBody)
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return "", err
	}
	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, nil)
	if completion.Usage != nil {
		metrics.ObserveLLMGeneration(req.Model, time.Since(start), completion.Usage.PromptTokens, completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream отправляет запрос со stream=true и копирует тело ответа в w без изменений.
// Запрос к провайдеру отменяется вместе с ctx. Если w умеет Flush, данные
// сбрасываются после каждого чтения.
func (c *Client) Stream(ctx context.Context, cfg domain.AIConfig, messages []domain.ChatMessage, w io.Writer) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return domain.ErrNoAPIKey
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := newRequest(cfg, messages, true)
	start := time.Now()
	resp, err := c.do(ctx, cfg, req)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_stream", req.Model, start, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		err := newAPIError(resp.StatusCode, body)
		metrics.ObserveNetworkRequest("openai", "chat_stream", req.Model, start, err)
		return err
	}

	if hw, ok := w.(http.ResponseWriter); ok {
		h := hw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		hw.WriteHeader(http.StatusOK)
	}
	err = pipe(ctx, w, resp.Body)
	metrics.ObserveNetworkRequest("openai", "chat_stream", req.Model, start, err)
	return err
}

// ErrStreamInterrupted оборачивает ошибки после начала передачи.
var ErrStreamInterrupted = errors.New("openai: stream interrupted")

func pipe(ctx context.Context, w io.Writer, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write: %v", ErrStreamInterrupted, err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", ErrStreamInterrupted, readErr)
		}
	}
}

func newRequest(cfg domain.AIConfig, messages []domain.ChatMessage, stream bool) ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:       cfg.ModelOrDefault(),
		Temperature: cfg.TemperatureOrDefault(),
		Messages:    messages,
		Stream:      stream,
	}
}

func (c *Client) do(ctx context.Context, cfg domain.AIConfig, req ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, NormalizeURL(cfg.APIURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	return resp, nil
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIError(status int, body []byte) *APIError {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{StatusCode: status, Message: apiErr.Error.Message}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
