package digest

import (
	"context"
	"time"

	"rss-digest/internal/domain"
)

// DefaultFetchLimit — максимум статей за одну генерацию.
const DefaultFetchLimit = 500

// FetchParams задаёт окно и фильтр выборки статей.
type FetchParams struct {
	Hours       int
	FeedID      *int64
	GroupID     *int64
	Limit       int
	IncludeRead bool
}

// FetchEntries запрашивает статьи за последние Hours часов одним запросом.
// Ошибки агрегатора возвращаются без обёртки.
func FetchEntries(ctx context.Context, up domain.Upstream, p FetchParams, now time.Time) ([]domain.Entry, error) {
	hours := p.Hours
	if hours <= 0 {
		hours = domain.DefaultHours
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	q := domain.EntryQuery{
		Order:     "published_at",
		Direction: "desc",
		Limit:     limit,
		After:     now.Add(-time.Duration(hours) * time.Hour).Unix(),
	}
	if !p.IncludeRead {
		q.Status = "unread"
	}
	if p.FeedID != nil {
		q.FeedID = *p.FeedID
	} else if p.GroupID != nil {
		q.CategoryID = *p.GroupID
	}
	list, err := up.Entries(ctx, q)
	if err != nil {
		return nil, err
	}
	return list.Entries, nil
}
