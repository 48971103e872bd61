package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
)

func TestNotifyExpandsTemplate(t *testing.T) {
	var (
		gotBody   []byte
		gotMethod string
		gotType   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.Client(), zerolog.Nop())
	hook.now = func() time.Time { return time.Date(2024, 6, 1, 8, 5, 9, 0, time.UTC) }
	hook.Notify(context.Background(), domain.PushSettings{
		URL:  srv.URL,
		Body: `{“title”:“{{title}}”,“text”:“{{summary_content}}”,“at”:“{{yyyy}}-{{MM}}-{{dd}} {{HH}}:{{mm}}:{{ss}}”}`,
	}, "line \"one\"\n<b>two</b>", "Tech · Digest")

	if gotMethod != http.MethodPost || gotType != "application/json" {
		t.Fatalf("method = %s, content-type = %s", gotMethod, gotType)
	}
	var payload map[string]string
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("тело не является JSON: %v: %s", err, gotBody)
	}
	if payload["title"] != "Tech · Digest" || payload["text"] != "line \"one\"\n<b>two</b>" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload["at"] != "2024-06-01 08:05:09" {
		t.Fatalf("at = %q", payload["at"])
	}
}

func TestNotifyKeepsCurlyQuotesInValues(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	NewWebhook(srv.Client(), zerolog.Nop()).Notify(context.Background(), domain.PushSettings{
		URL:  srv.URL,
		Body: `{“text”:“{{summary_content}}”}`,
	}, "he said “hi”", "T")

	var payload map[string]string
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("тело не является JSON: %v: %s", err, gotBody)
	}
	if payload["text"] != "he said “hi”" {
		t.Fatalf("text = %q", payload["text"])
	}
}

func TestNotifyGetSendsNoBody(t *testing.T) {
	var length int64 = -2
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		body, _ := io.ReadAll(r.Body)
		length = int64(len(body))
	}))
	defer srv.Close()

	NewWebhook(srv.Client(), zerolog.Nop()).Notify(context.Background(), domain.PushSettings{
		URL: srv.URL, Method: "get", Body: `{"x":"{{title}}"}`,
	}, "c", "t")
	if method != http.MethodGet || length != 0 {
		t.Fatalf("method = %s, body length = %d", method, length)
	}
}

func TestNotifySwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// не должно паниковать и не возвращает ошибку
	NewWebhook(srv.Client(), zerolog.Nop()).Notify(context.Background(), domain.PushSettings{URL: srv.URL}, "c", "t")
	NewWebhook(nil, zerolog.Nop()).Notify(context.Background(), domain.PushSettings{URL: "http://127.0.0.1:0/"}, "c", "t")
	NewWebhook(nil, zerolog.Nop()).Notify(context.Background(), domain.PushSettings{}, "c", "t")
}

func TestJSONEscape(t *testing.T) {
	cases := map[string]string{
		`plain`:     `plain`,
		"a\"b":      `a\"b`,
		"x\ny":      `x\ny`,
		"<tag>&":    `<tag>&`,
		"中文“引号”": "中文“引号”",
	}
	for in, want := range cases {
		if got := jsonEscape(in); got != want {
			t.Fatalf("jsonEscape(%q) = %q, want %q", in, got, want)
		}
	}
}
