package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/metrics"
)

// ErrScopeTarget возвращается, если для области feed или group не указан id.
var ErrScopeTarget = errors.New("scope requires a feed or group id")

// Service собирает дайджест: статьи агрегатора, промпт, ответ LLM, сохранение и push.
type Service struct {
	upstream  domain.UpstreamProvider
	llm       domain.ChatCompleter
	repo      domain.DigestRepo
	notifier  domain.Notifier
	estimator TokenEstimator
	log       zerolog.Logger
	now       func() time.Time
}

var _ domain.DigestService = (*Service)(nil)

// NewService создаёт сервис дайджестов. notifier может быть nil.
func NewService(upstream domain.UpstreamProvider, llm domain.ChatCompleter, repo domain.DigestRepo, notifier domain.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		upstream:  upstream,
		llm:       llm,
		repo:      repo,
		notifier:  notifier,
		estimator: DefaultEstimator,
		log:       logger.With().Str("component", "digest").Logger(),
		now:       time.Now,
	}
}

// Generate строит один дайджест. Если статей нет, возвращается несохранённый
// результат с локализованным сообщением. Ошибки до сохранения ничего не пишут.
func (s *Service) Generate(ctx context.Context, user string, req domain.GenerateRequest) (domain.GenerateResult, error) {
	start := time.Now()
	res, err := s.generate(ctx, user, req)
	result := "stored"
	switch {
	case err != nil:
		result = "error"
	case !res.Stored:
		result = "empty"
	}
	metrics.ObserveDigest(string(req.Cause), result, start)
	return res, err
}

func (s *Service) generate(ctx context.Context, user string, req domain.GenerateRequest) (domain.GenerateResult, error) {
	if strings.TrimSpace(req.AIConfig.APIKey) == "" {
		return domain.GenerateResult{}, domain.ErrNoAPIKey
	}
	up, err := s.upstream.Upstream()
	if err != nil {
		return domain.GenerateResult{}, err
	}
	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeAll
	}
	hours := req.Hours
	if hours <= 0 {
		hours = domain.DefaultHours
	}
	zh := isChinese(req.TargetLang)

	scopeName, scopeID, err := s.resolveScope(ctx, up, scope, req, zh)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	logger := s.log.With().Str("user", user).Str("scope", string(scope)).Str("cause", string(req.Cause)).Logger()

	params := FetchParams{Hours: hours, IncludeRead: req.IncludeRead}
	switch scope {
	case domain.ScopeFeed:
		params.FeedID = scopeID
	case domain.ScopeGroup:
		params.GroupID = scopeID
	}
	entries, err := FetchEntries(ctx, up, params, s.now())
	if err != nil {
		return domain.GenerateResult{}, fmt.Errorf("fetch entries: %w", err)
	}

	base := domain.Digest{
		Type:      domain.DigestType,
		Scope:     scope,
		ScopeID:   scopeID,
		ScopeName: scopeName,
		Hours:     hours,
	}
	if len(entries) == 0 {
		base.Content = emptyMessage(hours, zh)
		logger.Info().Int("hours", hours).Msg("digest: нет статей за окно")
		return domain.GenerateResult{Digest: base}, nil
	}

	articles, err := PrepareArticles(ctx, entries, s.estimator)
	if err != nil {
		return domain.GenerateResult{}, fmt.Errorf("prepare articles: %w", err)
	}
	prompt := BuildPrompt(articles, req.TargetLang, req.CustomPrompt)

	content, err := s.llm.Complete(ctx, req.AIConfig, prompt)
	if err != nil {
		return domain.GenerateResult{}, fmt.Errorf("llm: %w", err)
	}

	now := s.now()
	base.Content = content
	base.ArticleCount = len(articles)
	base.GeneratedAt = now
	base.Title = s.title(req, scopeName, content, now, zh)

	stored, err := s.repo.Add(user, base)
	if err != nil {
		logger.Error().Err(err).Msg("digest: не удалось сохранить")
		return domain.GenerateResult{}, fmt.Errorf("store digest: %w", err)
	}
	logger.Info().Str("digest", stored.ID).Int("articles", stored.ArticleCount).Msg("digest: сохранён")

	if req.Push != nil && s.notifier != nil {
		s.notifier.Notify(context.WithoutCancel(ctx), *req.Push, stored.Content, stored.Title)
	}
	return domain.GenerateResult{Digest: stored, Stored: true}, nil
}

func (s *Service) resolveScope(ctx context.Context, up domain.Upstream, scope domain.Scope, req domain.GenerateRequest, zh bool) (string, *int64, error) {
	switch scope {
	case domain.ScopeFeed:
		if req.FeedID == nil {
			return "", nil, ErrScopeTarget
		}
		feed, err := up.Feed(ctx, *req.FeedID)
		if err != nil {
			return "", nil, fmt.Errorf("resolve feed %d: %w", *req.FeedID, err)
		}
		return feed.Title, req.FeedID, nil
	case domain.ScopeGroup:
		if req.GroupID == nil {
			return "", nil, ErrScopeTarget
		}
		categories, err := up.Categories(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("resolve group %d: %w", *req.GroupID, err)
		}
		for _, c := range categories {
			if c.ID == *req.GroupID {
				return c.Title, req.GroupID, nil
			}
		}
		return fmt.Sprintf("#%d", *req.GroupID), req.GroupID, nil
	case domain.ScopeAll:
		return allSubscriptions(zh), nil, nil
	}
	return "", nil, fmt.Errorf("unknown scope %q", scope)
}

// title раскрывает шаблон заголовка задачи. Пустой результат заменяется стандартным заголовком.
func (s *Service) title(req domain.GenerateRequest, scopeName, content string, now time.Time, zh bool) string {
	if tpl := strings.TrimSpace(req.CustomTitle); tpl != "" {
		expanded := strings.TrimSpace(domain.ExpandTemplate(tpl, domain.TemplateVars{
			Title:   req.TaskTitle,
			Content: content,
			At:      now,
		}, nil))
		if expanded != "" {
			return expanded
		}
	}
	word := "Digest"
	if zh {
		word = "简报"
	}
	return fmt.Sprintf("%s · %s %s", scopeName, word, now.Format("01-02-15:04"))
}

func isChinese(lang string) bool {
	lang = strings.ToLower(lang)
	return strings.Contains(lang, "zh") || strings.Contains(lang, "chinese") || strings.Contains(lang, "中")
}

func allSubscriptions(zh bool) string {
	if zh {
		return "全部订阅"
	}
	return "All Subscriptions"
}

func emptyMessage(hours int, zh bool) string {
	if zh {
		return fmt.Sprintf("在过去 %d 小时内没有未读文章。", hours)
	}
	return fmt.Sprintf("No unread articles in the past %d hours.", hours)
}
