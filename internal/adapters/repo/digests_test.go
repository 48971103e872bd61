package repo

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
)

func newTestStore(t *testing.T, now time.Time) *DigestStore {
	t.Helper()
	s := NewDigestStore(t.TempDir(), time.UTC, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func ids(items []domain.Digest) []string {
	out := make([]string, 0, len(items))
	for _, d := range items {
		out = append(out, d.ID)
	}
	return out
}

func TestAddAssignsIDAndShard(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 30, 0, 123456789, time.UTC)
	s := newTestStore(t, now)

	d, err := s.Add("alice", domain.Digest{Title: "T", Scope: domain.ScopeAll})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !d.GeneratedAt.Equal(now.Truncate(time.Millisecond)) || d.Type != domain.DigestType {
		t.Fatalf("digest = %+v", d)
	}
	ts, ok := digestIDTime(d.ID)
	if !ok || !ts.Equal(d.GeneratedAt) {
		t.Fatalf("id %q не содержит время генерации", d.ID)
	}
	if len(d.ID) != len("digest_")+13+1+idSuffixLen {
		t.Fatalf("неожиданная длина id %q", d.ID)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "alice_2024-06-01.json")); err != nil {
		t.Fatalf("шард не создан: %v", err)
	}
}

func TestShardResolvedFromID(t *testing.T) {
	s := newTestStore(t, time.Now())
	gen := time.UnixMilli(1717200000000)
	if _, err := s.Add("u", domain.Digest{ID: "digest_1717200000000_abcdef123", GeneratedAt: gen}); err != nil {
		t.Fatalf("add: %v", err)
	}
	path, err := s.locate("u", "digest_1717200000000_abcdef123")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if filepath.Base(path) != "u_2024-06-01.json" {
		t.Fatalf("shard = %s", filepath.Base(path))
	}
	got, err := s.Get("u", "digest_1717200000000_abcdef123")
	if err != nil || !got.GeneratedAt.Equal(gen) {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestAddRejectsIDFromAnotherDay(t *testing.T) {
	s := newTestStore(t, time.Now())
	_, err := s.Add("u", domain.Digest{
		ID:          "digest_1717200000000_abcdef123",
		GeneratedAt: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrIDDateMismatch) {
		t.Fatalf("ожидали ErrIDDateMismatch, получили %v", err)
	}
	dates, err := s.shardDates("u")
	if err != nil || len(dates) != 0 {
		t.Fatalf("шард не должен создаваться: %v %v", dates, err)
	}

	d, err := s.Add("u", domain.Digest{ID: "digest_1717200000000_abcdef123"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !d.GeneratedAt.Equal(time.UnixMilli(1717200000000)) {
		t.Fatalf("generatedAt = %v, ожидали время из id", d.GeneratedAt)
	}
	if _, err := s.Get("u", d.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestShardOrderingNewestFirst(t *testing.T) {
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	inserts := []struct {
		id     string
		offset time.Duration
	}{
		{"a", 10 * time.Minute},
		{"b", 30 * time.Minute},
		{"c", 20 * time.Minute},
		{"d", 30 * time.Minute},
	}
	for _, in := range inserts {
		if _, err := s.Add("u", domain.Digest{ID: in.id, GeneratedAt: base.Add(in.offset)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	items, err := s.readShard(s.shardPath("u", "2024-06-01"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// при равном времени позже добавленный идёт первым
	if diff := cmp.Diff([]string{"d", "b", "c", "a"}, ids(items)); diff != "" {
		t.Fatalf("порядок шарда (-want +got):\n%s", diff)
	}
}

func TestListPaginatesAcrossShards(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	var all []domain.Digest
	for day := 1; day <= 3; day++ {
		for hour := 9; hour <= 10; hour++ {
			at := time.Date(2024, 6, day, hour, 0, 0, 0, time.UTC)
			d, err := s.Add("u", domain.Digest{GeneratedAt: at, Scope: domain.ScopeAll})
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			all = append([]domain.Digest{d}, all...)
		}
	}

	page1, err := s.List("u", domain.ListOptions{Limit: 4})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(ids(all[:4]), ids(page1)); diff != "" {
		t.Fatalf("первая страница (-want +got):\n%s", diff)
	}

	before := page1[len(page1)-1].GeneratedAt
	page2, err := s.List("u", domain.ListOptions{Limit: 4, Before: &before})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(ids(all[4:]), ids(page2)); diff != "" {
		t.Fatalf("вторая страница (-want +got):\n%s", diff)
	}
	for _, d := range page2 {
		if !d.GeneratedAt.Before(before) {
			t.Fatalf("%s не старше before", d.ID)
		}
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	seven := int64(7)
	eight := int64(8)
	feed, _ := s.Add("u", domain.Digest{GeneratedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), Scope: domain.ScopeFeed, ScopeID: &seven})
	other, _ := s.Add("u", domain.Digest{GeneratedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), Scope: domain.ScopeFeed, ScopeID: &eight})
	all, _ := s.Add("u", domain.Digest{GeneratedAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), Scope: domain.ScopeAll})
	if ok, err := s.SetRead("u", other.ID, true); !ok || err != nil {
		t.Fatalf("set read: %v %v", ok, err)
	}

	got, _ := s.List("u", domain.ListOptions{Scope: domain.ScopeFeed, ScopeID: &seven})
	if diff := cmp.Diff([]string{feed.ID}, ids(got)); diff != "" {
		t.Fatalf("фильтр по ленте (-want +got):\n%s", diff)
	}
	got, _ = s.List("u", domain.ListOptions{UnreadOnly: true})
	if diff := cmp.Diff([]string{all.ID, feed.ID}, ids(got)); diff != "" {
		t.Fatalf("только непрочитанные (-want +got):\n%s", diff)
	}
}

func TestSetReadAndDelete(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	d, _ := s.Add("u", domain.Digest{Title: "x"})

	if ok, err := s.SetRead("u", d.ID, true); !ok || err != nil {
		t.Fatalf("set read: %v %v", ok, err)
	}
	got, _ := s.Get("u", d.ID)
	if !got.IsRead {
		t.Fatalf("флаг прочтения не сохранён")
	}
	if ok, _ := s.SetRead("u", "digest_1717200000000_missing00", true); ok {
		t.Fatalf("несуществующий дайджест помечен")
	}
	if ok, err := s.Delete("u", d.ID); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := s.Get("u", d.ID); err != domain.ErrDigestNotFound {
		t.Fatalf("ожидали ErrDigestNotFound, получили %v", err)
	}
	if ok, _ := s.Delete("u", d.ID); ok {
		t.Fatalf("повторное удаление вернуло true")
	}
}

func TestGetFallsBackToScanForForeignIDs(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	if _, err := s.Add("u", domain.Digest{ID: "imported-1", Title: "old"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := s.Get("u", "imported-1")
	if err != nil || got.Title != "old" {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestForArticleListPinsTodayUnread(t *testing.T) {
	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)
	yesterday, _ := s.Add("u", domain.Digest{GeneratedAt: now.Add(-24 * time.Hour), ScopeName: "All"})
	readToday, _ := s.Add("u", domain.Digest{GeneratedAt: now.Add(-2 * time.Hour)})
	unreadToday, _ := s.Add("u", domain.Digest{GeneratedAt: now.Add(-time.Hour), ScopeName: "All"})
	_, _ = s.SetRead("u", readToday.ID, true)

	view, err := s.ForArticleList("u", domain.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Pinned) != 1 || view.Pinned[0].ID != unreadToday.ID || view.Pinned[0].Status != "unread" {
		t.Fatalf("pinned = %+v", view.Pinned)
	}
	if view.Pinned[0].Feed.Title != "All" || view.Pinned[0].Type != domain.DigestType {
		t.Fatalf("pinned не приведён к статье: %+v", view.Pinned[0])
	}
	var normal []string
	for _, item := range view.Normal {
		normal = append(normal, item.ID)
	}
	if diff := cmp.Diff([]string{readToday.ID, yesterday.ID}, normal); diff != "" {
		t.Fatalf("normal (-want +got):\n%s", diff)
	}

	before := now
	view, _ = s.ForArticleList("u", domain.ListOptions{Limit: 10, Before: &before})
	if len(view.Pinned) != 0 || len(view.Normal) != 3 {
		t.Fatalf("со страницей before закрепления нет: %+v", view)
	}
}

func TestConcurrentAddsKeepAllDigests(t *testing.T) {
	s := NewDigestStore(t.TempDir(), time.UTC, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Add("u", domain.Digest{}); err != nil {
				t.Errorf("add: %v", err)
			}
		}()
	}
	wg.Wait()
	items, err := s.List("u", domain.ListOptions{})
	if err != nil || len(items) != 20 {
		t.Fatalf("ожидали 20 дайджестов, получили %d (%v)", len(items), err)
	}
}
