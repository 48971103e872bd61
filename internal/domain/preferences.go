package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultModel используется, если модель не задана.
	DefaultModel = "gpt-4.1-mini"
	// DefaultTemperature используется, если температура не задана.
	DefaultTemperature = 1.0
	// DefaultHours — окно выборки статей по умолчанию.
	DefaultHours = 24
	// LegacyDefaultTaskID — идентификатор задачи, мигрированной из digest_schedule.
	LegacyDefaultTaskID = "default"
)

// AIConfig хранит настройки LLM пользователя.
type AIConfig struct {
	APIURL       string   `json:"apiUrl"`
	APIKey       string   `json:"apiKey"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TargetLang   string   `json:"targetLang"`
	DigestPrompt string   `json:"digestPrompt"`
}

// ModelOrDefault возвращает модель или значение по умолчанию.
func (c AIConfig) ModelOrDefault() string {
	if m := strings.TrimSpace(c.Model); m != "" {
		return m
	}
	return DefaultModel
}

// TemperatureOrDefault возвращает температуру или значение по умолчанию.
func (c AIConfig) TemperatureOrDefault() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// PushSettings описывает исходящий webhook после генерации.
type PushSettings struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Body   string `json:"body"`
}

// Task — пользовательская задача дайджеста с cron-расписанием.
type Task struct {
	ID             string   `json:"id"`
	Enabled        *bool    `json:"enabled,omitempty"`
	CronExpression string   `json:"cronExpression"`
	Title          string   `json:"title"`
	DigestTitle    string   `json:"digestTitle"`
	Scopes         []string `json:"scopes"`
	CustomPrompt   string   `json:"customPrompt"`
	TimeRange      int      `json:"timeRange"`
	IncludeRead    bool     `json:"includeRead"`
	EnablePush     bool     `json:"enablePush"`
}

// IsEnabled считает задачу включённой, если флаг не задан явно.
func (t Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Hours возвращает окно выборки задачи.
func (t Task) Hours() int {
	if t.TimeRange > 0 {
		return t.TimeRange
	}
	return DefaultHours
}

// ResolveScope переводит токены scopes в область и категорию.
// Если указано несколько категорий, используется только первая.
func (t Task) ResolveScope() (Scope, *int64) {
	var categoryIDs []int64
	for _, token := range t.Scopes {
		token = strings.TrimSpace(token)
		if token == string(ScopeAll) {
			return ScopeAll, nil
		}
		raw, ok := strings.CutPrefix(token, "group_")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		categoryIDs = append(categoryIDs, id)
	}
	if len(categoryIDs) == 0 {
		return ScopeAll, nil
	}
	return ScopeGroup, &categoryIDs[0]
}

// LegacyTask — задача старого формата с фиксированным временем HH:MM.
type LegacyTask struct {
	ID      string     `json:"id"`
	Enabled bool       `json:"enabled"`
	Time    string     `json:"time"`
	Scope   Scope      `json:"scope"`
	ScopeID OptionalID `json:"scopeId"`
	FeedID  OptionalID `json:"feedId"`
	GroupID OptionalID `json:"groupId"`
	Hours   int        `json:"hours"`
}

// Target возвращает идентификатор ленты или группы с учётом fallback на scopeId.
func (t LegacyTask) Target() (feedID, groupID *int64) {
	switch t.Scope {
	case ScopeFeed:
		return t.FeedID.Or(t.ScopeID).Ptr(), nil
	case ScopeGroup:
		return nil, t.GroupID.Or(t.ScopeID).Ptr()
	}
	return nil, nil
}

// WindowHours возвращает окно выборки задачи.
func (t LegacyTask) WindowHours() int {
	if t.Hours > 0 {
		return t.Hours
	}
	return DefaultHours
}

// Preferences — настройки пользователя, которые читает ядро.
type Preferences struct {
	AIConfig        AIConfig      `json:"ai_config"`
	DigestTasks     []Task        `json:"digest_tasks"`
	PushSettings    *PushSettings `json:"push_settings,omitempty"`
	DigestSchedules []LegacyTask  `json:"digest_schedules,omitempty"`
}

// OptionalID — числовой идентификатор, допускающий null, число или строку.
type OptionalID struct {
	Value int64
	Valid bool
}

// Or возвращает id, если он задан, иначе fallback.
func (o OptionalID) Or(fallback OptionalID) OptionalID {
	if o.Valid && o.Value != 0 {
		return o
	}
	return fallback
}

// Ptr возвращает указатель на значение или nil.
func (o OptionalID) Ptr() *int64 {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// MarshalJSON реализует json.Marshaler.
func (o OptionalID) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(o.Value, 10)), nil
}

// UnmarshalJSON реализует json.Unmarshaler.
func (o *OptionalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = OptionalID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*o = OptionalID{}
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("optional id %q: %w", s, err)
		}
		*o = OptionalID{Value: v, Valid: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("optional id %s: %w", n, err)
	}
	*o = OptionalID{Value: v, Valid: true}
	return nil
}
