package digest

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"rss-digest/internal/domain"
)

const (
	prepareBatchSize   = 20
	rawContentLimit    = 50000
	articleTokenBudget = 1000

	contentPlaceholder    = "{content}"
	targetLangPlaceholder = "{targetLang}"
	defaultTargetLang     = "English"
)

const defaultPrompt = `You are a professional news editor. Write a digest of the RSS articles below in {targetLang}.

Requirements:
1. Open with a 2-3 sentence overview of the most important developments.
2. Group related articles by topic and give each topic a short heading.
3. Format the result as Markdown.
4. Output the digest directly, without any preamble or closing remarks.

{content}`

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Article — статья, подготовленная для промпта.
type Article struct {
	Title       string
	Source      string
	PublishedAt time.Time
	Summary     string
}

// PrepareArticles очищает и обрезает статьи пачками по 20, уступая планировщику между пачками.
func PrepareArticles(ctx context.Context, entries []domain.Entry, est TokenEstimator) ([]Article, error) {
	if est == nil {
		est = DefaultEstimator
	}
	out := make([]Article, 0, len(entries))
	for start := 0; start < len(entries); start += prepareBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+prepareBatchSize, len(entries))
		for _, e := range entries[start:end] {
			out = append(out, Article{
				Title:       strings.TrimSpace(e.Title),
				Source:      e.Feed.Title,
				PublishedAt: e.PublishedAt,
				Summary:     est.Truncate(cleanContent(e.Content), articleTokenBudget),
			})
		}
		runtime.Gosched()
	}
	return out, nil
}

// cleanContent обрезает сырой HTML, убирает теги и схлопывает пробелы.
func cleanContent(raw string) string {
	raw = prefixRunes(raw, rawContentLimit)
	text := tagPattern.ReplaceAllString(raw, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

func prefixRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// RenderArticleList строит блок статей для подстановки в {content}.
func RenderArticleList(articles []Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Article List (Total %d articles):\n\n", len(articles))
	items := make([]string, 0, len(articles))
	for i, a := range articles {
		items = append(items, fmt.Sprintf("### %d. %s\n- Source: %s\n- Date: %s\n- Summary: %s\n",
			i+1, a.Title, a.Source, a.PublishedAt.Format(time.RFC3339), a.Summary))
	}
	b.WriteString(strings.Join(items, "\n"))
	return b.String()
}

// BuildPrompt подставляет язык и список статей в пользовательский или стандартный шаблон.
// В пользовательский шаблон без {content} он дописывается в конец.
func BuildPrompt(articles []Article, targetLang, customPrompt string) string {
	tpl := defaultPrompt
	if custom := strings.TrimSpace(customPrompt); custom != "" {
		tpl = customPrompt
		if !strings.Contains(tpl, contentPlaceholder) {
			tpl += "\n\n" + contentPlaceholder
		}
	}
	lang := strings.TrimSpace(targetLang)
	if lang == "" {
		lang = defaultTargetLang
	}
	// язык подставляется первым, чтобы не трогать текст статей
	prompt := strings.ReplaceAll(tpl, targetLangPlaceholder, lang)
	return strings.ReplaceAll(prompt, contentPlaceholder, RenderArticleList(articles))
}
