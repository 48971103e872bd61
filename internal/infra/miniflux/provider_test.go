package miniflux

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/secret"
)

func testBox(t *testing.T) *secret.Box {
	t.Helper()
	box, err := secret.NewBox([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	return box
}

func TestProviderNotConfigured(t *testing.T) {
	p := NewProvider(Credentials{}, filepath.Join(t.TempDir(), ConfigFileName), testBox(t), nil, zerolog.Nop())
	if _, err := p.Upstream(); !errors.Is(err, domain.ErrUpstreamNotConfigured) {
		t.Fatalf("ожидали ErrUpstreamNotConfigured, получили %v", err)
	}
}

func TestProviderPrefersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	p := NewProvider(Credentials{URL: "http://env", APIKey: "env"}, path, testBox(t), nil, zerolog.Nop())
	if err := p.Save(Credentials{URL: "http://file", APIKey: "file"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	client, err := p.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if client.baseURL != "http://env" {
		t.Fatalf("baseURL = %q", client.baseURL)
	}
}

func TestProviderSaveEncryptsAndCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	p := NewProvider(Credentials{}, path, testBox(t), nil, zerolog.Nop())
	if err := p.Save(Credentials{URL: "http://file/", APIKey: "very-secret"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "very-secret") {
		t.Fatalf("ключ записан в открытом виде: %s", raw)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}

	first, err := p.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if first.creds.APIKey != "very-secret" || first.baseURL != "http://file" {
		t.Fatalf("creds = %+v base = %q", first.creds, first.baseURL)
	}
	second, _ := p.Client()
	if first != second {
		t.Fatalf("клиент должен кэшироваться")
	}
	p.Invalidate()
	third, _ := p.Client()
	if third == first {
		t.Fatalf("после Invalidate ожидали новый клиент")
	}
}

func TestProviderReadsPlaintextLegacyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	data, _ := json.Marshal(map[string]string{"url": "http://legacy", "username": "admin", "password": "pw"})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := NewProvider(Credentials{}, path, testBox(t), nil, zerolog.Nop())
	client, err := p.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if client.creds.Password != "pw" || client.creds.Username != "admin" {
		t.Fatalf("creds = %+v", client.creds)
	}
}

func TestWatchInvalidatesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	p := NewProvider(Credentials{}, path, testBox(t), nil, zerolog.Nop())
	if err := p.Save(Credentials{URL: "http://one", APIKey: "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := p.Client(); err != nil {
		t.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// даём наблюдателю подписаться
	time.Sleep(100 * time.Millisecond)

	// запись в обход Save, чтобы кэш сбросил именно наблюдатель
	other := NewProvider(Credentials{}, path, testBox(t), nil, zerolog.Nop())
	if err := other.Save(Credentials{URL: "http://two", APIKey: "b"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		client, err := p.Client()
		if err == nil && client.baseURL == "http://two" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("наблюдатель не сбросил клиент")
}

func TestProviderConcurrentSaves(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(Credentials{}, filepath.Join(dir, ConfigFileName), testBox(t), nil, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Save(Credentials{URL: "http://rss", APIKey: "k"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != ConfigFileName {
		t.Fatalf("в каталоге лишние файлы: %v", entries)
	}
	client, err := p.Client()
	if err != nil || client.BaseURL() != "http://rss" {
		t.Fatalf("client: %v", err)
	}
}
