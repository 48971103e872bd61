package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/metrics"
)

const (
	// InitialDelay — пауза перед первой проверкой после старта.
	InitialDelay = 10 * time.Second
	// tickOffset сдвигает проверку от начала минуты.
	tickOffset = 5 * time.Second
	// fireGuardTTL держит ключ срабатывания дольше одной минуты.
	fireGuardTTL = 2 * time.Minute
)

// Snapshot — состояние последней проверки планировщика.
type Snapshot struct {
	LastTick     time.Time `json:"lastTick"`
	UsersScanned int       `json:"usersScanned"`
	Dispatched   int       `json:"dispatched"`
	Skipped      int       `json:"skipped"`
	LastError    string    `json:"lastError,omitempty"`
}

// Service раз в минуту проверяет задачи пользователей и запускает генерацию.
type Service struct {
	prefs    domain.PreferenceRepo
	digests  domain.DigestService
	upstream domain.UpstreamProvider
	guard    domain.Cache
	log      zerolog.Logger

	initialDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) bool

	wg   sync.WaitGroup
	mu   sync.Mutex
	snap Snapshot
}

// NewService создаёт планировщик. upstream может быть nil: тогда проверка клиента пропускается.
func NewService(prefs domain.PreferenceRepo, digests domain.DigestService, upstream domain.UpstreamProvider, guard domain.Cache, logger zerolog.Logger) *Service {
	return &Service{
		prefs:        prefs,
		digests:      digests,
		upstream:     upstream,
		guard:        guard,
		log:          logger.With().Str("component", "scheduler").Logger(),
		initialDelay: InitialDelay,
		sleep:        sleepContext,
	}
}

// Run блокируется до отмены ctx.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Dur("initial_delay", s.initialDelay).Msg("scheduler: запущен")
	if !s.sleep(ctx, s.initialDelay) {
		return
	}
	for {
		s.RunCheck(ctx, time.Now())
		if !s.sleep(ctx, NextDelay(time.Now())) {
			s.log.Info().Msg("scheduler: остановлен")
			return
		}
	}
}

// NextDelay возвращает паузу до следующей минуты плюс 5 секунд.
func NextDelay(now time.Time) time.Duration {
	ms := now.UnixMilli() % time.Minute.Milliseconds()
	return time.Minute - time.Duration(ms)*time.Millisecond + tickOffset
}

// RunCheck проверяет всех пользователей на минуте now. Генерации запускаются
// в отдельных горутинах, RunCheck их не ждёт.
func (s *Service) RunCheck(ctx context.Context, now time.Time) {
	metrics.SchedulerTicks.Inc()
	snap := Snapshot{LastTick: now}
	defer func() {
		if r := recover(); r != nil {
			snap.LastError = fmt.Sprint(r)
			s.log.Error().Interface("panic", r).Msg("scheduler: проверка прервана")
		}
		s.mu.Lock()
		s.snap = snap
		s.mu.Unlock()
	}()

	users, err := s.prefs.ListUsers()
	if err != nil {
		snap.LastError = err.Error()
		s.log.Error().Err(err).Msg("scheduler: не удалось получить пользователей")
		return
	}
	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		snap.UsersScanned++
		s.checkUser(ctx, user, now, &snap)
	}
}

// Snapshot возвращает результат последней проверки.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Wait ждёт завершения запущенных генераций.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) checkUser(ctx context.Context, user string, now time.Time, snap *Snapshot) {
	logger := s.log.With().Str("user", user).Logger()
	prefs, err := s.prefs.Load(user)
	if err != nil {
		snap.LastError = err.Error()
		logger.Error().Err(err).Msg("scheduler: не удалось загрузить настройки")
		return
	}

	hhmm := now.Format("15:04")
	for _, task := range prefs.DigestSchedules {
		if !task.Enabled || strings.TrimSpace(task.Time) != hhmm {
			continue
		}
		s.fire(ctx, logger, user, "legacy", task.ID, now, prefs, snap, func() domain.GenerateRequest {
			return legacyRequest(task, prefs)
		})
	}

	for _, task := range prefs.DigestTasks {
		if !task.IsEnabled() {
			continue
		}
		c, err := ParseCron(task.CronExpression)
		if err != nil {
			logger.Warn().Err(err).Str("task", task.ID).Msg("scheduler: некорректное расписание")
			continue
		}
		if !c.Matches(now) {
			continue
		}
		s.fire(ctx, logger, user, "cron", task.ID, now, prefs, snap, func() domain.GenerateRequest {
			return taskRequest(task, prefs)
		})
	}
}

func (s *Service) fire(ctx context.Context, logger zerolog.Logger, user, kind, taskID string, now time.Time, prefs domain.Preferences, snap *Snapshot, build func() domain.GenerateRequest) {
	logger = logger.With().Str("task", taskID).Str("kind", kind).Logger()
	if strings.TrimSpace(prefs.AIConfig.APIKey) == "" {
		snap.Skipped++
		metrics.ObserveDispatch(kind, "no_api_key")
		logger.Warn().Msg("scheduler: skipping, не настроен ключ LLM")
		return
	}
	if s.upstream != nil {
		if _, err := s.upstream.Upstream(); err != nil {
			snap.Skipped++
			metrics.ObserveDispatch(kind, "no_upstream")
			logger.Warn().Err(err).Msg("scheduler: skipping, агрегатор недоступен")
			return
		}
	}

	key := fmt.Sprintf("digest:fire:%s:%s:%s", user, taskID, now.Format("200601021504"))
	req := build()
	fired := false
	err := s.guard.Once(key, fireGuardTTL, func() error {
		fired = true
		s.wg.Add(1)
		go s.generate(ctx, logger, user, req)
		return nil
	})
	if err != nil {
		snap.LastError = err.Error()
		metrics.ObserveDispatch(kind, "guard_error")
		logger.Error().Err(err).Msg("scheduler: не удалось занять ключ срабатывания")
		return
	}
	if !fired {
		metrics.ObserveDispatch(kind, "duplicate")
		logger.Debug().Msg("scheduler: срабатывание уже обработано")
		return
	}
	snap.Dispatched++
	metrics.ObserveDispatch(kind, "dispatched")
	logger.Info().Msg("scheduler: генерация запущена")
}

func (s *Service) generate(ctx context.Context, logger zerolog.Logger, user string, req domain.GenerateRequest) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("scheduler: генерация упала")
		}
	}()
	res, err := s.digests.Generate(ctx, user, req)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: генерация не удалась")
		return
	}
	if !res.Stored {
		logger.Info().Msg("scheduler: нет новых статей")
		return
	}
	logger.Info().Str("digest", res.Digest.ID).Int("articles", res.Digest.ArticleCount).Msg("scheduler: дайджест сохранён")
}

func taskRequest(task domain.Task, prefs domain.Preferences) domain.GenerateRequest {
	scope, groupID := task.ResolveScope()
	prompt := task.CustomPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = prefs.AIConfig.DigestPrompt
	}
	req := domain.GenerateRequest{
		Scope:        scope,
		GroupID:      groupID,
		Hours:        task.Hours(),
		TargetLang:   prefs.AIConfig.TargetLang,
		CustomPrompt: prompt,
		AIConfig:     prefs.AIConfig,
		CustomTitle:  task.DigestTitle,
		TaskTitle:    task.Title,
		IncludeRead:  task.IncludeRead,
		Cause:        domain.DigestCauseScheduled,
		TaskID:       task.ID,
	}
	if task.EnablePush && prefs.PushSettings != nil && strings.TrimSpace(prefs.PushSettings.URL) != "" {
		push := *prefs.PushSettings
		req.Push = &push
	}
	return req
}

func legacyRequest(task domain.LegacyTask, prefs domain.Preferences) domain.GenerateRequest {
	scope := task.Scope
	if !scope.Valid() {
		scope = domain.ScopeAll
	}
	feedID, groupID := task.Target()
	return domain.GenerateRequest{
		Scope:        scope,
		FeedID:       feedID,
		GroupID:      groupID,
		Hours:        task.WindowHours(),
		TargetLang:   prefs.AIConfig.TargetLang,
		CustomPrompt: prefs.AIConfig.DigestPrompt,
		AIConfig:     prefs.AIConfig,
		Cause:        domain.DigestCauseScheduled,
		TaskID:       task.ID,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
