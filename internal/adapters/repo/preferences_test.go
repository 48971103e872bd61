package repo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
	"rss-digest/internal/infra/secret"
)

func newPrefStore(t *testing.T) *PreferenceStore {
	t.Helper()
	box, err := secret.NewBox([]byte(strings.Repeat("s", 32)))
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	return NewPreferenceStore(t.TempDir(), box, zerolog.Nop())
}

func writeRaw(t *testing.T, s *PreferenceStore, user, body string) {
	t.Helper()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.path(user), []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readRaw(t *testing.T, s *PreferenceStore, user string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(s.path(user))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestLoadMissingUser(t *testing.T) {
	s := newPrefStore(t)
	prefs, err := s.Load("nobody")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(domain.Preferences{}, prefs); diff != "" {
		t.Fatalf("ожидали пустые настройки (-want +got):\n%s", diff)
	}
}

func TestSaveEncryptsKeyAndPreservesUnknownFields(t *testing.T) {
	s := newPrefStore(t)
	writeRaw(t, s, "u", `{"theme":"dark","ai_config":{"apiKey":"sk-old","extra":1}}`)

	temp := 0.2
	want := domain.Preferences{
		AIConfig: domain.AIConfig{APIURL: "https://api.example/v1", APIKey: "sk-new", Model: "m", Temperature: &temp, TargetLang: "English"},
		DigestTasks: []domain.Task{{
			ID: "t1", CronExpression: "0 8 * * *", Scopes: []string{"all"}, TimeRange: 12,
		}},
		PushSettings: &domain.PushSettings{URL: "https://hook", Method: "POST", Body: `{"t":"{{title}}"}`},
	}
	if err := s.Save("u", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	doc := readRaw(t, s, "u")
	if string(doc["theme"]) != `"dark"` {
		t.Fatalf("неизвестный ключ потерян: %s", doc["theme"])
	}
	if strings.Contains(string(doc["ai_config"]), "sk-new") {
		t.Fatalf("ключ записан в открытом виде: %s", doc["ai_config"])
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc["ai_config"], &fields); err != nil {
		t.Fatalf("ai_config: %v", err)
	}
	if string(fields["extra"]) != "1" {
		t.Fatalf("неизвестное поле ai_config потеряно: %s", doc["ai_config"])
	}
	info, _ := os.Stat(s.path("u"))
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}

	got, err := s.Load("u")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("настройки (-want +got):\n%s", diff)
	}
}

func TestLoadAcceptsPlaintextKey(t *testing.T) {
	s := newPrefStore(t)
	writeRaw(t, s, "u", `{"ai_config":{"apiKey":"sk-plain","model":"x"}}`)
	prefs, err := s.Load("u")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if prefs.AIConfig.APIKey != "sk-plain" || prefs.AIConfig.Model != "x" {
		t.Fatalf("ai_config = %+v", prefs.AIConfig)
	}
}

func TestLoadMigratesSingularSchedule(t *testing.T) {
	s := newPrefStore(t)
	writeRaw(t, s, "u", `{"digest_schedule":{"enabled":true,"time":"08:00","scope":"feed","scopeId":"5","hours":12}}`)

	prefs, err := s.Load("u")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []domain.LegacyTask{{
		ID: domain.LegacyDefaultTaskID, Enabled: true, Time: "08:00", Scope: domain.ScopeFeed,
		ScopeID: domain.OptionalID{Value: 5, Valid: true}, Hours: 12,
	}}
	if diff := cmp.Diff(want, prefs.DigestSchedules); diff != "" {
		t.Fatalf("миграция (-want +got):\n%s", diff)
	}

	doc := readRaw(t, s, "u")
	if _, ok := doc["digest_schedule"]; ok {
		t.Fatalf("старый ключ не удалён")
	}
	if _, ok := doc["digest_schedules"]; !ok {
		t.Fatalf("миграция не сохранена")
	}
}

func TestLoadMigrationReplacesLegacyID(t *testing.T) {
	s := newPrefStore(t)
	writeRaw(t, s, "u", `{"digest_schedule":{"id":"legacy-1","enabled":true,"time":"09:30"}}`)

	prefs, err := s.Load("u")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(prefs.DigestSchedules) != 1 || prefs.DigestSchedules[0].ID != domain.LegacyDefaultTaskID {
		t.Fatalf("schedules = %+v", prefs.DigestSchedules)
	}

	var onDisk []domain.LegacyTask
	if err := json.Unmarshal(readRaw(t, s, "u")["digest_schedules"], &onDisk); err != nil {
		t.Fatalf("digest_schedules: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].ID != domain.LegacyDefaultTaskID || onDisk[0].Time != "09:30" {
		t.Fatalf("на диске = %+v", onDisk)
	}
}

func TestListUsers(t *testing.T) {
	s := newPrefStore(t)
	for _, u := range []string{"b", "a"} {
		if err := s.Save(u, domain.Preferences{}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, users); diff != "" {
		t.Fatalf("users (-want +got):\n%s", diff)
	}
}
