package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/metrics"
)

var quoteReplacer = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")

// Webhook отправляет push после генерации дайджеста.
// Ошибки только логируются и не влияют на генерацию.
type Webhook struct {
	http *http.Client
	log  zerolog.Logger
	now  func() time.Time
}

var _ domain.Notifier = (*Webhook)(nil)

// NewWebhook создаёт отправителя.
func NewWebhook(httpClient *http.Client, logger zerolog.Logger) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{
		http: httpClient,
		log:  logger.With().Str("component", "push").Logger(),
		now:  time.Now,
	}
}

// Notify раскрывает шаблон тела и отправляет запрос.
func (w *Webhook) Notify(ctx context.Context, settings domain.PushSettings, content, title string) {
	target := strings.TrimSpace(settings.URL)
	if target == "" {
		return
	}
	method := strings.ToUpper(strings.TrimSpace(settings.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method == http.MethodPost && settings.Body != "" {
		// кавычки нормализуются в шаблоне: значения уже экранированы как JSON-строки
		tpl := quoteReplacer.Replace(settings.Body)
		body = strings.NewReader(domain.ExpandTemplate(tpl, domain.TemplateVars{
			Title:   title,
			Content: content,
			At:      w.now(),
		}, jsonEscape))
	}

	start := time.Now()
	err := w.send(ctx, method, target, body)
	metrics.ObserveNetworkRequest("push", "notify", "", start, err)
	if err != nil {
		metrics.PushTotal.WithLabelValues("error").Inc()
		w.log.Warn().Err(err).Str("method", method).Msg("push: не удалось отправить уведомление")
		return
	}
	metrics.PushTotal.WithLabelValues("success").Inc()
	w.log.Info().Str("method", method).Msg("push: уведомление отправлено")
}

func (w *Webhook) send(ctx context.Context, method, target string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// StatusError — неуспешный ответ webhook.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push: unexpected status %d", e.StatusCode)
}

// jsonEscape экранирует s для вставки внутрь JSON-строки.
func jsonEscape(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s
	}
	out := strings.TrimSuffix(buf.String(), "\n")
	return out[1 : len(out)-1]
}
