package domain

import (
	"fmt"
	"strings"
	"time"
)

// TemplateVars — значения плейсхолдеров заголовков и тела push-уведомлений.
type TemplateVars struct {
	Title   string
	Content string
	At      time.Time
}

// ExpandTemplate подставляет {{yyyy}}, {{MM}}, {{dd}}, {{HH}}, {{mm}}, {{ss}},
// {{title}} и {{summary_content}}. escape применяется к title и content, если задан.
func ExpandTemplate(tpl string, vars TemplateVars, escape func(string) string) string {
	if escape == nil {
		escape = func(s string) string { return s }
	}
	at := vars.At
	r := strings.NewReplacer(
		"{{yyyy}}", fmt.Sprintf("%04d", at.Year()),
		"{{MM}}", fmt.Sprintf("%02d", int(at.Month())),
		"{{dd}}", fmt.Sprintf("%02d", at.Day()),
		"{{HH}}", fmt.Sprintf("%02d", at.Hour()),
		"{{mm}}", fmt.Sprintf("%02d", at.Minute()),
		"{{ss}}", fmt.Sprintf("%02d", at.Second()),
		"{{title}}", escape(vars.Title),
		"{{summary_content}}", escape(vars.Content),
	)
	return r.Replace(tpl)
}
