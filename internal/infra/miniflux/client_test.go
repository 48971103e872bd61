package miniflux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rss-digest/internal/domain"
)

func newTestClient(t *testing.T, creds Credentials, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds.URL = srv.URL + "/"
	client := NewClient(creds, srv.Client())
	client.retryDelay = time.Millisecond
	return client
}

func TestEntriesEncodesQueryAndToken(t *testing.T) {
	client := newTestClient(t, Credentials{APIKey: "token"}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entries" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Token"); got != "token" {
			t.Errorf("X-Auth-Token = %q", got)
		}
		q := r.URL.Query()
		if q.Get("status") != "unread" || q.Get("order") != "published_at" || q.Get("direction") != "desc" {
			t.Errorf("неожиданные параметры: %v", q)
		}
		if q.Get("limit") != "1000" || q.Get("after") != "1700000000" || q.Get("feed_id") != "7" {
			t.Errorf("неожиданные параметры: %v", q)
		}
		if q.Has("category_id") {
			t.Errorf("category_id не должен уходить вместе с feed_id")
		}
		_, _ = io.WriteString(w, `{"total":1,"entries":[{"id":1,"feed_id":7,"status":"unread","title":"A","url":"https://a","content":"<p>x</p>","published_at":"2024-01-01T00:00:00Z","feed":{"id":7,"title":"Feed"}}]}`)
	})

	list, err := client.Entries(context.Background(), domain.EntryQuery{
		Status: "unread", Order: "published_at", Direction: "desc",
		Limit: 1000, After: 1700000000, FeedID: 7, CategoryID: 3,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if list.Total != 1 || len(list.Entries) != 1 || list.Entries[0].Feed.Title != "Feed" {
		t.Fatalf("неожиданный ответ: %+v", list)
	}
}

func TestBasicAuthWithoutToken(t *testing.T) {
	client := newTestClient(t, Credentials{Username: "admin", Password: "secret"}, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if r.Header.Get("X-Auth-Token") != "" {
			t.Errorf("токен не должен отправляться")
		}
		_, _ = io.WriteString(w, `[{"id":1,"title":"Tech"}]`)
	})

	categories, err := client.Categories(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(categories) != 1 || categories[0].Title != "Tech" {
		t.Fatalf("categories = %+v", categories)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, Credentials{APIKey: "k"}, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":5,"title":"Feed"}`)
	})

	feed, err := client.Feed(context.Background(), 5)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feed.Title != "Feed" || calls.Load() != 3 {
		t.Fatalf("feed = %+v, calls = %d", feed, calls.Load())
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, Credentials{APIKey: "k"}, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error_message":"boom"}`)
	})

	_, err := client.Feeds(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "boom" {
		t.Fatalf("ожидали APIError 500, получили %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, Credentials{APIKey: "bad"}, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Categories(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ожидали APIError 401, получили %v", err)
	}
	if apiErr.Message != http.StatusText(http.StatusUnauthorized) {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestUpdateEntriesNoContent(t *testing.T) {
	client := newTestClient(t, Credentials{APIKey: "k"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/entries" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			EntryIDs []int64 `json:"entry_ids"`
			Status   string  `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.EntryIDs) != 2 || body.Status != "read" {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.UpdateEntries(context.Background(), []int64{1, 2}, "read"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
}

func TestCredentialsConfigured(t *testing.T) {
	cases := []struct {
		creds Credentials
		want  bool
	}{
		{Credentials{}, false},
		{Credentials{URL: "http://x"}, false},
		{Credentials{URL: "  ", APIKey: "k"}, false},
		{Credentials{URL: "http://x", APIKey: "k"}, true},
		{Credentials{URL: "http://x", Username: "u"}, true},
	}
	for _, tc := range cases {
		if got := tc.creds.Configured(); got != tc.want {
			t.Fatalf("Configured(%+v) = %v, want %v", tc.creds, got, tc.want)
		}
	}
}
