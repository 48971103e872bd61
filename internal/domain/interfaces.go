package domain

import (
	"context"
	"io"
	"time"
)

// Upstream — то, что ядро использует от RSS-агрегатора.
type Upstream interface {
	Entries(ctx context.Context, q EntryQuery) (EntryList, error)
	Feed(ctx context.Context, id int64) (Feed, error)
	Categories(ctx context.Context) ([]Category, error)
}

// UpstreamProvider выдаёт общий клиент агрегатора.
type UpstreamProvider interface {
	Upstream() (Upstream, error)
}

// ChatCompleter выполняет запрос к LLM и возвращает сгенерированный текст.
type ChatCompleter interface {
	Complete(ctx context.Context, cfg AIConfig, prompt string) (string, error)
}

// ChatStreamer проксирует потоковый ответ LLM в w.
type ChatStreamer interface {
	Stream(ctx context.Context, cfg AIConfig, messages []ChatMessage, w io.Writer) error
}

// ChatMessage — сообщение диалога с LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Notifier отправляет push после генерации.
type Notifier interface {
	Notify(ctx context.Context, settings PushSettings, content, title string)
}

// DigestRepo сохраняет и возвращает дайджесты.
type DigestRepo interface {
	Add(user string, digest Digest) (Digest, error)
	Get(user, id string) (Digest, error)
	SetRead(user, id string, read bool) (bool, error)
	Delete(user, id string) (bool, error)
	List(user string, opts ListOptions) ([]Digest, error)
	ForArticleList(user string, opts ListOptions) (ArticleListView, error)
}

// PreferenceRepo читает настройки пользователей.
type PreferenceRepo interface {
	ListUsers() ([]string, error)
	Load(user string) (Preferences, error)
	Save(user string, prefs Preferences) error
}

// DigestService отвечает за генерацию дайджестов.
type DigestService interface {
	Generate(ctx context.Context, user string, req GenerateRequest) (GenerateResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
