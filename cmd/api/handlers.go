package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"rss-digest/internal/adapters/repo"
	"rss-digest/internal/domain"
	httpinfra "rss-digest/internal/infra/http"
	"rss-digest/internal/infra/miniflux"
	"rss-digest/internal/infra/openai"
	"rss-digest/internal/usecase/digest"
	"rss-digest/internal/usecase/schedule"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultPreview   = 5
	maxPreview       = 20
	apiKeyMask       = "********"
	maxRequestBodyKB = 1024
)

type accountStore interface {
	Create(username, password string) error
	Verify(username, password string) error
}

type upstreamAdmin interface {
	Client() (*miniflux.Client, error)
	Save(creds miniflux.Credentials) error
}

type schedulerStatus interface {
	Snapshot() schedule.Snapshot
}

// api связывает HTTP-маршруты с сервисами.
type api struct {
	accounts  accountStore
	tokens    *httpinfra.Tokens
	prefs     domain.PreferenceRepo
	digests   domain.DigestRepo
	generator domain.DigestService
	chat      domain.ChatStreamer
	upstream  upstreamAdmin
	scheduler schedulerStatus
	log       zerolog.Logger
	now       func() time.Time
}

func (a *api) routes(r chi.Router) {
	r.Post("/api/auth/register", a.register)
	r.Post("/api/auth/login", a.login)

	r.Group(func(p chi.Router) {
		p.Use(a.tokens.Middleware)

		p.Get("/api/preferences", a.getPreferences)
		p.Put("/api/preferences", a.putPreferences)

		p.Post("/api/digests/generate", a.generate)
		p.Get("/api/digests", a.listDigests)
		p.Get("/api/digests/article-list", a.articleList)
		p.Get("/api/digests/{id}", a.getDigest)
		p.Patch("/api/digests/{id}", a.patchDigest)
		p.Delete("/api/digests/{id}", a.deleteDigest)

		p.Post("/api/ai/chat", a.aiChat)
		p.Get("/api/cron/preview", a.cronPreview)
		p.Get("/api/scheduler/status", a.schedulerStatus)

		p.Get("/api/miniflux/config", a.getUpstreamConfig)
		p.Put("/api/miniflux/config", a.putUpstreamConfig)
		p.Get("/api/miniflux/feeds", a.feeds)
		p.Get("/api/miniflux/categories", a.categories)
		p.Post("/api/miniflux/entries/read", a.markEntriesRead)
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.accounts.Create(req.Username, req.Password)
	switch {
	case errors.Is(err, repo.ErrUserExists):
		httpinfra.WriteError(w, http.StatusConflict, err)
		return
	case errors.Is(err, repo.ErrInvalidCredentials):
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	case err != nil:
		a.internalError(w, "api: регистрация", err)
		return
	}
	a.issueToken(w, http.StatusCreated, strings.TrimSpace(req.Username))
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.accounts.Verify(req.Username, req.Password); err != nil {
		if errors.Is(err, repo.ErrInvalidCredentials) {
			httpinfra.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		a.internalError(w, "api: вход", err)
		return
	}
	a.issueToken(w, http.StatusOK, strings.TrimSpace(req.Username))
}

func (a *api) issueToken(w http.ResponseWriter, status int, username string) {
	token, err := a.tokens.Issue(username)
	if err != nil {
		a.internalError(w, "api: выпуск токена", err)
		return
	}
	httpinfra.WriteJSON(w, status, tokenResponse{Token: token, Username: username})
}

func (a *api) getPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, ok := a.loadPrefs(w, r)
	if !ok {
		return
	}
	if prefs.AIConfig.APIKey != "" {
		prefs.AIConfig.APIKey = apiKeyMask
	}
	httpinfra.WriteJSON(w, http.StatusOK, prefs)
}

func (a *api) putPreferences(w http.ResponseWriter, r *http.Request) {
	var next domain.Preferences
	if !decodeBody(w, r, &next) {
		return
	}
	for _, task := range next.DigestTasks {
		if strings.TrimSpace(task.ID) == "" {
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("task id is required"))
			return
		}
		if !schedule.Validate(task.CronExpression) {
			httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("task %s: %w", task.ID, domain.ErrInvalidCron))
			return
		}
	}
	current, ok := a.loadPrefs(w, r)
	if !ok {
		return
	}
	if next.AIConfig.APIKey == apiKeyMask {
		next.AIConfig.APIKey = current.AIConfig.APIKey
	}
	if len(next.DigestSchedules) == 0 {
		next.DigestSchedules = current.DigestSchedules
	}
	if err := a.prefs.Save(handle(r), next); err != nil {
		a.internalError(w, "api: сохранение настроек", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	Scope        domain.Scope      `json:"scope"`
	FeedID       domain.OptionalID `json:"feedId"`
	GroupID      domain.OptionalID `json:"groupId"`
	Hours        int               `json:"hours"`
	TargetLang   string            `json:"targetLang"`
	CustomPrompt string            `json:"customPrompt"`
	CustomTitle  string            `json:"customTitle"`
	IncludeRead  bool              `json:"includeRead"`
}

// digestView отдаёт id=null для несохранённого результата.
type digestView struct {
	domain.Digest
	ID *string `json:"id"`
}

type generateResponse struct {
	Success bool       `json:"success"`
	Digest  digestView `json:"digest"`
}

func (a *api) generate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Scope == "" {
		body.Scope = domain.ScopeAll
	}
	if !body.Scope.Valid() {
		httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("unknown scope %q", body.Scope))
		return
	}
	if body.Hours < 0 || body.Hours > 24*30 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("hours must be between 1 and 720"))
		return
	}
	prefs, ok := a.loadPrefs(w, r)
	if !ok {
		return
	}
	req := domain.GenerateRequest{
		Scope:        body.Scope,
		FeedID:       body.FeedID.Ptr(),
		GroupID:      body.GroupID.Ptr(),
		Hours:        body.Hours,
		TargetLang:   firstNonEmpty(body.TargetLang, prefs.AIConfig.TargetLang),
		CustomPrompt: firstNonEmpty(body.CustomPrompt, prefs.AIConfig.DigestPrompt),
		AIConfig:     prefs.AIConfig,
		CustomTitle:  body.CustomTitle,
		IncludeRead:  body.IncludeRead,
		Cause:        domain.DigestCauseManual,
	}
	res, err := a.generator.Generate(r.Context(), handle(r), req)
	if err != nil {
		a.generationError(w, err)
		return
	}
	view := digestView{Digest: res.Digest}
	if res.Stored {
		id := res.Digest.ID
		view.ID = &id
	} else {
		view.GeneratedAt = a.now()
	}
	httpinfra.WriteJSON(w, http.StatusOK, generateResponse{Success: true, Digest: view})
}

func (a *api) generationError(w http.ResponseWriter, err error) {
	var (
		upErr  *miniflux.APIError
		llmErr *openai.APIError
	)
	switch {
	case errors.Is(err, domain.ErrNoAPIKey), errors.Is(err, digest.ErrScopeTarget):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrUpstreamNotConfigured):
		httpinfra.WriteError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &upErr), errors.As(err, &llmErr):
		httpinfra.WriteError(w, http.StatusBadGateway, err)
	case errors.Is(err, context.DeadlineExceeded):
		httpinfra.WriteError(w, http.StatusGatewayTimeout, err)
	default:
		a.internalError(w, "api: генерация дайджеста", err)
	}
}

func (a *api) listDigests(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	items, err := a.digests.List(handle(r), opts)
	if err != nil {
		a.internalError(w, "api: список дайджестов", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, items)
}

func (a *api) articleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.digests.ForArticleList(handle(r), opts)
	if err != nil {
		a.internalError(w, "api: лента дайджестов", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, view)
}

func (a *api) getDigest(w http.ResponseWriter, r *http.Request) {
	d, err := a.digests.Get(handle(r), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrDigestNotFound) {
		httpinfra.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.internalError(w, "api: чтение дайджеста", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, d)
}

func (a *api) patchDigest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsRead *bool `json:"isRead"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.IsRead == nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("isRead is required"))
		return
	}
	found, err := a.digests.SetRead(handle(r), chi.URLParam(r, "id"), *body.IsRead)
	if err != nil {
		a.internalError(w, "api: отметка прочтения", err)
		return
	}
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrDigestNotFound)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) deleteDigest(w http.ResponseWriter, r *http.Request) {
	found, err := a.digests.Delete(handle(r), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, "api: удаление дайджеста", err)
		return
	}
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrDigestNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) aiChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Messages) == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("messages are required"))
		return
	}
	prefs, ok := a.loadPrefs(w, r)
	if !ok {
		return
	}
	err := a.chat.Stream(r.Context(), prefs.AIConfig, body.Messages, w)
	if err == nil {
		return
	}
	var llmErr *openai.APIError
	switch {
	case errors.Is(err, domain.ErrNoAPIKey):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
	case errors.As(err, &llmErr):
		httpinfra.WriteError(w, http.StatusBadGateway, err)
	case errors.Is(err, openai.ErrStreamInterrupted), errors.Is(err, context.Canceled):
		// заголовки уже отправлены, статус не поменять
		a.log.Debug().Err(err).Msg("api: поток чата прерван")
	default:
		httpinfra.WriteError(w, http.StatusBadGateway, err)
	}
}

type cronPreviewResponse struct {
	Valid bool        `json:"valid"`
	Next  []time.Time `json:"next"`
}

func (a *api) cronPreview(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	count, err := intParam(r, "count", defaultPreview, 1, maxPreview)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	next, err := schedule.NextFireTimes(expr, a.now(), count)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, Next: next})
}

func (a *api) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	httpinfra.WriteJSON(w, http.StatusOK, a.scheduler.Snapshot())
}

type upstreamConfigRequest struct {
	URL      string `json:"url"`
	APIKey   string `json:"apiKey"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *api) getUpstreamConfig(w http.ResponseWriter, r *http.Request) {
	client, err := a.upstream.Client()
	resp := map[string]any{"configured": err == nil}
	if err == nil {
		resp["url"] = client.BaseURL()
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (a *api) putUpstreamConfig(w http.ResponseWriter, r *http.Request) {
	var body upstreamConfigRequest
	if !decodeBody(w, r, &body) {
		return
	}
	creds := miniflux.Credentials{URL: body.URL, APIKey: body.APIKey, Username: body.Username, Password: body.Password}
	if !creds.Configured() {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("url and apiKey or username are required"))
		return
	}
	if err := a.upstream.Save(creds); err != nil {
		a.internalError(w, "api: сохранение настроек агрегатора", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) feeds(w http.ResponseWriter, r *http.Request) {
	client, ok := a.upstreamClient(w)
	if !ok {
		return
	}
	feeds, err := client.Feeds(r.Context())
	if err != nil {
		a.generationError(w, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, feeds)
}

func (a *api) categories(w http.ResponseWriter, r *http.Request) {
	client, ok := a.upstreamClient(w)
	if !ok {
		return
	}
	categories, err := client.Categories(r.Context())
	if err != nil {
		a.generationError(w, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, categories)
}

func (a *api) markEntriesRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntryIDs []int64 `json:"entryIds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.EntryIDs) == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("entryIds are required"))
		return
	}
	client, ok := a.upstreamClient(w)
	if !ok {
		return
	}
	if err := client.UpdateEntries(r.Context(), body.EntryIDs, "read"); err != nil {
		a.generationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) upstreamClient(w http.ResponseWriter) (*miniflux.Client, bool) {
	client, err := a.upstream.Client()
	if err != nil {
		a.generationError(w, err)
		return nil, false
	}
	return client, true
}

func (a *api) loadPrefs(w http.ResponseWriter, r *http.Request) (domain.Preferences, bool) {
	prefs, err := a.prefs.Load(handle(r))
	if err != nil {
		a.internalError(w, "api: загрузка настроек", err)
		return domain.Preferences{}, false
	}
	return prefs, true
}

func (a *api) internalError(w http.ResponseWriter, msg string, err error) {
	a.log.Error().Err(err).Msg(msg)
	httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func handle(r *http.Request) string {
	p, _ := httpinfra.PrincipalFrom(r.Context())
	return p.Handle
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyKB<<10))
	if err := dec.Decode(v); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func parseListOptions(r *http.Request) (domain.ListOptions, error) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", defaultPageSize, 1, maxPageSize)
	if err != nil {
		return domain.ListOptions{}, err
	}
	opts := domain.ListOptions{Limit: limit}
	if raw := q.Get("before"); raw != "" {
		before, err := parseInstant(raw)
		if err != nil {
			return domain.ListOptions{}, fmt.Errorf("before: %w", err)
		}
		opts.Before = &before
	}
	if raw := q.Get("scope"); raw != "" {
		opts.Scope = domain.Scope(raw)
		if !opts.Scope.Valid() {
			return domain.ListOptions{}, fmt.Errorf("unknown scope %q", raw)
		}
	}
	if raw := q.Get("scopeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.ListOptions{}, fmt.Errorf("scopeId must be an integer")
		}
		opts.ScopeID = &id
	}
	switch q.Get("unreadOnly") {
	case "", "false", "0":
	case "true", "1":
		opts.UnreadOnly = true
	default:
		return domain.ListOptions{}, errors.New("unreadOnly must be a boolean")
	}
	return opts, nil
}

// parseInstant принимает RFC 3339 или миллисекунды эпохи.
func parseInstant(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
