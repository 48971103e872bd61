package miniflux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/atomicfile"
	"rss-digest/internal/infra/secret"
)

// ConfigFileName — имя файла с настройками агрегатора внутри каталога данных.
const ConfigFileName = "miniflux-config.json"

// Provider хранит общий клиент агрегатора и пересоздаёт его после смены настроек.
// Переменные окружения имеют приоритет над файлом.
type Provider struct {
	env        Credentials
	path       string
	box        *secret.Box
	httpClient *http.Client
	log        zerolog.Logger

	mu     sync.Mutex
	client *Client
}

var _ domain.UpstreamProvider = (*Provider)(nil)

// NewProvider создаёт провайдер.
func NewProvider(env Credentials, path string, box *secret.Box, httpClient *http.Client, logger zerolog.Logger) *Provider {
	return &Provider{env: env, path: path, box: box, httpClient: httpClient, log: logger}
}

// Upstream возвращает кэшированный клиент или строит новый.
func (p *Provider) Upstream() (domain.Upstream, error) {
	client, err := p.Client()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Client возвращает конкретный клиент агрегатора.
func (p *Provider) Client() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	creds := p.env
	if !creds.Configured() {
		fromFile, err := p.load()
		if err != nil {
			return nil, err
		}
		creds = fromFile
	}
	if !creds.Configured() {
		return nil, domain.ErrUpstreamNotConfigured
	}
	p.client = NewClient(creds, p.httpClient)
	return p.client, nil
}

// Invalidate сбрасывает кэшированный клиент.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

// Save шифрует и записывает настройки, затем сбрасывает кэш.
func (p *Provider) Save(creds Credentials) error {
	file := configFile{URL: creds.URL, Username: creds.Username}
	var err error
	if file.APIKey, err = p.seal(creds.APIKey); err != nil {
		return err
	}
	if file.Password, err = p.seal(creds.Password); err != nil {
		return err
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("miniflux config: marshal: %w", err)
	}
	if err := atomicfile.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("miniflux config: %w", err)
	}
	p.Invalidate()
	return nil
}

// Watch следит за файлом настроек и сбрасывает кэш при изменениях.
// Блокируется до отмены ctx.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("miniflux config: watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("miniflux config: mkdir: %w", err)
	}
	// каталог, а не файл: запись идёт через rename
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("miniflux config: watch %s: %w", dir, err)
	}
	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			p.log.Info().Str("op", event.Op.String()).Msg("miniflux: настройки изменились, клиент сброшен")
			p.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warn().Err(err).Msg("miniflux: ошибка наблюдения за настройками")
		}
	}
}

type configFile struct {
	URL      string          `json:"url"`
	APIKey   json.RawMessage `json:"apiKey,omitempty"`
	Username string          `json:"username,omitempty"`
	Password json.RawMessage `json:"password,omitempty"`
}

func (p *Provider) load() (Credentials, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("miniflux config: read: %w", err)
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Credentials{}, fmt.Errorf("miniflux config: decode: %w", err)
	}
	creds := Credentials{URL: file.URL, Username: file.Username}
	if creds.APIKey, err = p.open(file.APIKey); err != nil {
		return Credentials{}, fmt.Errorf("miniflux config: api key: %w", err)
	}
	if creds.Password, err = p.open(file.Password); err != nil {
		return Credentials{}, fmt.Errorf("miniflux config: password: %w", err)
	}
	return creds, nil
}

func (p *Provider) seal(value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if p.box == nil {
		return nil, errors.New("miniflux config: encryption is not configured")
	}
	env, err := p.box.Encrypt(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// open принимает конверт или строку в открытом виде.
func (p *Provider) open(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var env secret.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.IsZero() {
		return "", nil
	}
	if p.box == nil {
		return "", errors.New("encryption is not configured")
	}
	return p.box.Decrypt(env)
}
