package repo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/secret"
)

const (
	keyAIConfig       = "ai_config"
	keyDigestTasks    = "digest_tasks"
	keyPushSettings   = "push_settings"
	keyLegacySchedule = "digest_schedule"
	keyLegacyList     = "digest_schedules"
)

// PreferenceStore хранит настройки пользователей в preferences/<handle>.json.
// Ключи, о которых сервис не знает, сохраняются при перезаписи.
type PreferenceStore struct {
	dir   string
	box   *secret.Box
	locks *keyLock
	log   zerolog.Logger
}

var _ domain.PreferenceRepo = (*PreferenceStore)(nil)

// NewPreferenceStore создаёт хранилище. box шифрует ai_config.apiKey; nil оставляет ключ открытым.
func NewPreferenceStore(dir string, box *secret.Box, logger zerolog.Logger) *PreferenceStore {
	return &PreferenceStore{
		dir:   dir,
		box:   box,
		locks: newKeyLock(),
		log:   logger.With().Str("component", "preferences").Logger(),
	}
}

// ListUsers возвращает отсортированные ключи пользователей с настройками.
func (s *PreferenceStore) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("preferences: list: %w", err)
	}
	var users []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		users = append(users, name)
	}
	sort.Strings(users)
	return users, nil
}

// Load читает настройки. Одиночное digest_schedule переносится в digest_schedules
// и сразу сохраняется.
func (s *PreferenceStore) Load(user string) (domain.Preferences, error) {
	path := s.path(user)
	unlock := s.locks.Lock(path)
	defer unlock()

	doc, err := s.readDoc(path)
	if err != nil {
		return domain.Preferences{}, err
	}
	migrated, err := migrateLegacySchedule(doc)
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("preferences: migrate %s: %w", user, err)
	}
	if migrated {
		if err := writeJSONAtomic(path, doc, 0o600); err != nil {
			return domain.Preferences{}, fmt.Errorf("preferences: persist migration: %w", err)
		}
		s.log.Info().Str("user", user).Msg("preferences: digest_schedule перенесён в digest_schedules")
	}
	return s.decode(doc)
}

// Save записывает настройки поверх существующего документа.
func (s *PreferenceStore) Save(user string, prefs domain.Preferences) error {
	path := s.path(user)
	unlock := s.locks.Lock(path)
	defer unlock()

	doc, err := s.readDoc(path)
	if err != nil {
		return err
	}
	if err := s.encode(doc, prefs); err != nil {
		return fmt.Errorf("preferences: encode %s: %w", user, err)
	}
	if err := writeJSONAtomic(path, doc, 0o600); err != nil {
		return fmt.Errorf("preferences: %w", err)
	}
	return nil
}

func (s *PreferenceStore) path(user string) string {
	return filepath.Join(s.dir, user+".json")
}

func (s *PreferenceStore) readDoc(path string) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if _, err := readJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	return doc, nil
}

func migrateLegacySchedule(doc map[string]json.RawMessage) (bool, error) {
	raw, ok := doc[keyLegacySchedule]
	if !ok {
		return false, nil
	}
	delete(doc, keyLegacySchedule)
	if _, exists := doc[keyLegacyList]; exists || isNull(raw) {
		return true, nil
	}
	var task map[string]json.RawMessage
	if err := json.Unmarshal(raw, &task); err != nil {
		return false, err
	}
	task["id"] = json.RawMessage(`"` + domain.LegacyDefaultTaskID + `"`)
	list, err := json.Marshal([]map[string]json.RawMessage{task})
	if err != nil {
		return false, err
	}
	doc[keyLegacyList] = list
	return true, nil
}

func (s *PreferenceStore) decode(doc map[string]json.RawMessage) (domain.Preferences, error) {
	var prefs domain.Preferences
	if raw, ok := doc[keyAIConfig]; ok && !isNull(raw) {
		cfg, err := s.decodeAIConfig(raw)
		if err != nil {
			return domain.Preferences{}, err
		}
		prefs.AIConfig = cfg
	}
	if err := unmarshalKey(doc, keyDigestTasks, &prefs.DigestTasks); err != nil {
		return domain.Preferences{}, err
	}
	if err := unmarshalKey(doc, keyPushSettings, &prefs.PushSettings); err != nil {
		return domain.Preferences{}, err
	}
	if err := unmarshalKey(doc, keyLegacyList, &prefs.DigestSchedules); err != nil {
		return domain.Preferences{}, err
	}
	return prefs, nil
}

// decodeAIConfig принимает apiKey как конверт или как строку старого формата.
func (s *PreferenceStore) decodeAIConfig(raw json.RawMessage) (domain.AIConfig, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.AIConfig{}, fmt.Errorf("preferences: ai_config: %w", err)
	}
	keyRaw := fields["apiKey"]
	delete(fields, "apiKey")
	rest, err := json.Marshal(fields)
	if err != nil {
		return domain.AIConfig{}, err
	}
	var cfg domain.AIConfig
	if err := json.Unmarshal(rest, &cfg); err != nil {
		return domain.AIConfig{}, fmt.Errorf("preferences: ai_config: %w", err)
	}
	cfg.APIKey, err = s.openKey(keyRaw)
	if err != nil {
		return domain.AIConfig{}, fmt.Errorf("preferences: ai_config.apiKey: %w", err)
	}
	return cfg, nil
}

func (s *PreferenceStore) openKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
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
	if s.box == nil {
		return "", fmt.Errorf("encrypted key without encryption box")
	}
	return s.box.Decrypt(env)
}

func (s *PreferenceStore) encode(doc map[string]json.RawMessage, prefs domain.Preferences) error {
	cfg := prefs.AIConfig
	apiKey := cfg.APIKey
	cfg.APIKey = ""
	aiRaw, err := mergeObject(doc[keyAIConfig], cfg)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(aiRaw, &fields); err != nil {
		return err
	}
	fields["apiKey"], err = s.sealKey(apiKey)
	if err != nil {
		return err
	}
	if doc[keyAIConfig], err = json.Marshal(fields); err != nil {
		return err
	}

	tasks := prefs.DigestTasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	if doc[keyDigestTasks], err = json.Marshal(tasks); err != nil {
		return err
	}
	if prefs.PushSettings != nil {
		if doc[keyPushSettings], err = json.Marshal(prefs.PushSettings); err != nil {
			return err
		}
	} else {
		delete(doc, keyPushSettings)
	}
	if len(prefs.DigestSchedules) > 0 {
		if doc[keyLegacyList], err = json.Marshal(prefs.DigestSchedules); err != nil {
			return err
		}
	} else {
		delete(doc, keyLegacyList)
	}
	delete(doc, keyLegacySchedule)
	return nil
}

func (s *PreferenceStore) sealKey(key string) (json.RawMessage, error) {
	if key == "" || s.box == nil {
		return json.Marshal(key)
	}
	env, err := s.box.Encrypt(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// mergeObject накладывает поля v на существующий JSON-объект, сохраняя чужие ключи.
func mergeObject(existing json.RawMessage, v any) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(existing) > 0 && !isNull(existing) {
		if err := json.Unmarshal(existing, &fields); err != nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var updates map[string]json.RawMessage
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	for k, val := range updates {
		fields[k] = val
	}
	return json.Marshal(fields)
}

func unmarshalKey(doc map[string]json.RawMessage, key string, v any) error {
	raw, ok := doc[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("preferences: %s: %w", key, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
