package domain

import (
	"errors"
	"time"
)

var (
	// ErrDigestNotFound возвращается, когда дайджест не найден.
	ErrDigestNotFound = errors.New("digest not found")
	// ErrNoAPIKey возвращается, если у пользователя не настроен ключ LLM.
	ErrNoAPIKey = errors.New("ai api key is not configured")
	// ErrUpstreamNotConfigured возвращается, если клиент агрегатора не настроен.
	ErrUpstreamNotConfigured = errors.New("upstream aggregator is not configured")
	// ErrInvalidCron возвращается для некорректного cron-выражения.
	ErrInvalidCron = errors.New("invalid cron expression")
)

// DigestType — значение поля type у всех дайджестов.
const DigestType = "digest"

// Scope описывает подмножество подписок, которое покрывает дайджест.
type Scope string

const (
	ScopeAll   Scope = "all"
	ScopeFeed  Scope = "feed"
	ScopeGroup Scope = "group"
)

// Valid сообщает, известна ли область.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeFeed, ScopeGroup:
		return true
	}
	return false
}

// Digest представляет сохранённый дайджест пользователя.
type Digest struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Scope        Scope     `json:"scope"`
	ScopeID      *int64    `json:"scopeId"`
	ScopeName    string    `json:"scopeName"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ArticleCount int       `json:"articleCount"`
	Hours        int       `json:"hours"`
	GeneratedAt  time.Time `json:"generatedAt"`
	IsRead       bool      `json:"isRead"`
}

// ListOptions задаёт постраничную выборку дайджестов.
type ListOptions struct {
	Limit      int
	Before     *time.Time
	Scope      Scope
	ScopeID    *int64
	UnreadOnly bool
}

// ArticleListItem — дайджест, приведённый к виду статьи для общей ленты.
type ArticleListItem struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Content      string          `json:"content"`
	Status       string          `json:"status"`
	PublishedAt  time.Time       `json:"published_at"`
	Feed         ArticleListFeed `json:"feed"`
	Scope        Scope           `json:"scope"`
	ScopeID      *int64          `json:"scopeId"`
	ArticleCount int             `json:"articleCount"`
	Hours        int             `json:"hours"`
	IsRead       bool            `json:"isRead"`
}

// ArticleListFeed имитирует источник статьи.
type ArticleListFeed struct {
	Title string `json:"title"`
}

// ArticleListView разделяет дайджесты на закреплённые и обычные.
type ArticleListView struct {
	Pinned []ArticleListItem `json:"pinned"`
	Normal []ArticleListItem `json:"normal"`
}

// AsArticle приводит дайджест к виду статьи.
func (d Digest) AsArticle() ArticleListItem {
	status := "unread"
	if d.IsRead {
		status = "read"
	}
	return ArticleListItem{
		ID:           d.ID,
		Type:         DigestType,
		Title:        d.Title,
		Content:      d.Content,
		Status:       status,
		PublishedAt:  d.GeneratedAt,
		Feed:         ArticleListFeed{Title: d.ScopeName},
		Scope:        d.Scope,
		ScopeID:      d.ScopeID,
		ArticleCount: d.ArticleCount,
		Hours:        d.Hours,
		IsRead:       d.IsRead,
	}
}

// Category описывает категорию агрегатора.
type Category struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Feed описывает подписку агрегатора.
type Feed struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title"`
	SiteURL  string   `json:"site_url,omitempty"`
	FeedURL  string   `json:"feed_url,omitempty"`
	Category Category `json:"category"`
}

// Entry представляет статью агрегатора.
type Entry struct {
	ID          int64     `json:"id"`
	FeedID      int64     `json:"feed_id"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	Feed        Feed      `json:"feed"`
}

// EntryList — ответ агрегатора на выборку статей.
type EntryList struct {
	Total   int     `json:"total"`
	Entries []Entry `json:"entries"`
}

// EntryQuery описывает фильтры выборки статей.
type EntryQuery struct {
	Status     string
	Order      string
	Direction  string
	Limit      int
	After      int64
	FeedID     int64
	CategoryID int64
}
