package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ"`
	Port   int    `envconfig:"PORT" default:"3000"`

	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	Auth struct {
		JWTSecret       string     `envconfig:"JWT_SECRET"`
		TokenExpiration Expiration `envconfig:"TOKEN_EXPIRATION" default:"7d"`
	} `envconfig:""`

	HTTP struct {
		CORSOrigin   string `envconfig:"CORS_ORIGIN" default:"*"`
		ReverseProxy bool   `envconfig:"REVERSE_PROXY" default:"false"`
	} `envconfig:""`

	Miniflux struct {
		URL      string `envconfig:"MINIFLUX_URL"`
		APIKey   string `envconfig:"MINIFLUX_API_KEY"`
		Username string `envconfig:"MINIFLUX_USERNAME"`
		Password string `envconfig:"MINIFLUX_PASSWORD"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает окружение и возвращает ошибку вместо завершения процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return AppConfig{}, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	return cfg, nil
}

// Addr возвращает адрес HTTP-сервера.
func (c AppConfig) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Path строит путь внутри каталога данных.
func (c AppConfig) Path(elem ...string) string {
	return filepath.Join(append([]string{c.DataDir}, elem...)...)
}

// Expiration — длительность, допускающая суффикс d для суток.
type Expiration time.Duration

// Decode реализует envconfig.Decoder.
func (e *Expiration) Decode(value string) error {
	d, err := ParseExpiration(value)
	if err != nil {
		return err
	}
	*e = Expiration(d)
	return nil
}

// Duration возвращает значение как time.Duration.
func (e Expiration) Duration() time.Duration { return time.Duration(e) }

// ParseExpiration разбирает значения вида 7d, 12h, 30m или 3600 (секунды).
func ParseExpiration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty expiration")
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid expiration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid expiration %q", value)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid expiration %q", value)
	}
	return d, nil
}
