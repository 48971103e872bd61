package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"rss-digest/internal/adapters/push"
	"rss-digest/internal/adapters/repo"
	"rss-digest/internal/domain"
	"rss-digest/internal/infra/cache"
	"rss-digest/internal/infra/config"
	httpinfra "rss-digest/internal/infra/http"
	loginfra "rss-digest/internal/infra/log"
	"rss-digest/internal/infra/metrics"
	"rss-digest/internal/infra/miniflux"
	"rss-digest/internal/infra/openai"
	"rss-digest/internal/infra/secret"
	"rss-digest/internal/usecase/digest"
	"rss-digest/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := loginfra.NewLogger(cfg.AppEnv)
	loginfra.Install(logger)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := time.Local
	if cfg.TZ != "" {
		l, err := time.LoadLocation(cfg.TZ)
		if err != nil {
			log.Fatal().Err(err).Str("tz", cfg.TZ).Msg("api: некорректный часовой пояс")
		}
		loc = l
	}

	box, err := secret.LoadOrCreate(cfg.Path(".encryption-key"))
	if err != nil {
		log.Fatal().Err(err).Msg("api: не удалось загрузить ключ шифрования")
	}

	upstream := miniflux.NewProvider(miniflux.Credentials{
		URL:      cfg.Miniflux.URL,
		APIKey:   cfg.Miniflux.APIKey,
		Username: cfg.Miniflux.Username,
		Password: cfg.Miniflux.Password,
	}, cfg.Path(miniflux.ConfigFileName), box, nil, logger.With().Str("component", "miniflux").Logger())
	go func() {
		if err := upstream.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("api: наблюдение за настройками агрегатора остановлено")
		}
	}()

	digestStore := repo.NewDigestStore(cfg.Path("digests"), loc, logger)
	prefStore := repo.NewPreferenceStore(cfg.Path("preferences"), box, logger)
	accounts := repo.NewUserStore(cfg.Path("users.json"))

	llm := openai.NewClient(nil, openai.DefaultTimeout)
	notifier := push.NewWebhook(nil, logger)
	digestService := digest.NewService(upstream, llm, digestStore, notifier, logger)

	scheduler := schedule.NewService(prefStore, digestService, upstream, newFireGuard(ctx, cfg.RedisAddr), logger)
	go scheduler.Run(ctx)

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		log.Warn().Msg("api: JWT_SECRET не задан, токены не переживут перезапуск")
	}

	server := httpinfra.NewServer(logger, httpinfra.Options{
		CORSOrigin:   cfg.HTTP.CORSOrigin,
		ReverseProxy: cfg.HTTP.ReverseProxy,
	})
	handlers := &api{
		accounts:  accounts,
		tokens:    httpinfra.NewTokens(jwtSecret, cfg.Auth.TokenExpiration.Duration()),
		prefs:     prefStore,
		digests:   digestStore,
		generator: digestService,
		chat:      llm,
		upstream:  upstream,
		scheduler: scheduler,
		log:       logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
	handlers.routes(server.Router)

	go func() {
		if err := server.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// newFireGuard выбирает Redis, если он настроен, иначе память процесса.
func newFireGuard(ctx context.Context, addr string) domain.Cache {
	if addr == "" {
		return cache.NewMemory()
	}
	rc := cache.NewRedis(redis.NewClient(&redis.Options{Addr: addr}), "rss-digest:")
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("api: Redis недоступен, используется защита в памяти")
		return cache.NewMemory()
	}
	return rc
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal().Err(err).Msg("api: не удалось сгенерировать секрет")
	}
	return hex.EncodeToString(buf)
}

