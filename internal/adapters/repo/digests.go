package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rss-digest/internal/domain"
)

const (
	shardDateLayout = "2006-01-02"
	// getFallbackScan — сколько последних дайджестов просматривает Get, если id без метки времени.
	getFallbackScan = 200
	idSuffixLen     = 9
)

// DigestStore хранит дайджесты в JSON-файлах по одному на пользователя и локальную дату.
type DigestStore struct {
	dir   string
	loc   *time.Location
	locks *keyLock
	log   zerolog.Logger
	now   func() time.Time
}

var _ domain.DigestRepo = (*DigestStore)(nil)

// NewDigestStore создаёт хранилище в каталоге dir. Даты шардов считаются в loc.
func NewDigestStore(dir string, loc *time.Location, logger zerolog.Logger) *DigestStore {
	if loc == nil {
		loc = time.Local
	}
	return &DigestStore{
		dir:   dir,
		loc:   loc,
		locks: newKeyLock(),
		log:   logger.With().Str("component", "digest_store").Logger(),
		now:   time.Now,
	}
}

// ErrIDDateMismatch возвращается, если метка времени в id указывает на другой шард, чем generatedAt.
var ErrIDDateMismatch = errors.New("digest id timestamp does not match generatedAt date")

// Add присваивает id и время генерации, если их нет, и вставляет дайджест в шард.
func (s *DigestStore) Add(user string, d domain.Digest) (domain.Digest, error) {
	if d.GeneratedAt.IsZero() {
		if at, ok := digestIDTime(d.ID); ok {
			d.GeneratedAt = at
		} else {
			d.GeneratedAt = s.now()
		}
	}
	d.GeneratedAt = d.GeneratedAt.Truncate(time.Millisecond)
	if d.ID == "" {
		d.ID = newDigestID(d.GeneratedAt)
	} else if at, ok := digestIDTime(d.ID); ok && s.localDate(at) != s.localDate(d.GeneratedAt) {
		return domain.Digest{}, fmt.Errorf("%w: %s vs %s", ErrIDDateMismatch, d.ID, d.GeneratedAt.Format(time.RFC3339))
	}
	d.Type = domain.DigestType

	path := s.shardPath(user, s.localDate(d.GeneratedAt))
	unlock := s.locks.Lock(path)
	defer unlock()

	items, err := s.readShard(path)
	if err != nil {
		return domain.Digest{}, err
	}
	// новее вперёд; при равном времени новый ставится первым
	i := sort.Search(len(items), func(i int) bool {
		return !items[i].GeneratedAt.After(d.GeneratedAt)
	})
	items = append(items, domain.Digest{})
	copy(items[i+1:], items[i:])
	items[i] = d

	if err := s.writeShard(path, items); err != nil {
		return domain.Digest{}, err
	}
	return d, nil
}

// Get ищет дайджест по id.
func (s *DigestStore) Get(user, id string) (domain.Digest, error) {
	path, err := s.locate(user, id)
	if err != nil {
		return domain.Digest{}, err
	}
	items, err := s.readShard(path)
	if err != nil {
		return domain.Digest{}, err
	}
	for _, d := range items {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Digest{}, domain.ErrDigestNotFound
}

// SetRead меняет флаг прочтения. Возвращает false, если дайджест не найден.
func (s *DigestStore) SetRead(user, id string, read bool) (bool, error) {
	return s.mutate(user, id, func(items []domain.Digest, i int) []domain.Digest {
		items[i].IsRead = read
		return items
	})
}

// Delete удаляет дайджест. Возвращает false, если дайджест не найден.
func (s *DigestStore) Delete(user, id string) (bool, error) {
	return s.mutate(user, id, func(items []domain.Digest, i int) []domain.Digest {
		return append(items[:i], items[i+1:]...)
	})
}

// List возвращает дайджесты по убыванию времени генерации.
func (s *DigestStore) List(user string, opts domain.ListOptions) ([]domain.Digest, error) {
	return s.list(user, opts, nil)
}

// ForArticleList делит дайджесты на закреплённые непрочитанные за сегодня и остальные.
// Закрепление работает только на первой странице, то есть без before.
func (s *DigestStore) ForArticleList(user string, opts domain.ListOptions) (domain.ArticleListView, error) {
	view := domain.ArticleListView{Pinned: []domain.ArticleListItem{}, Normal: []domain.ArticleListItem{}}
	pinned := make(map[string]struct{})
	if opts.Before == nil {
		items, err := s.readShard(s.shardPath(user, s.localDate(s.now())))
		if err != nil {
			return domain.ArticleListView{}, err
		}
		for _, d := range items {
			if d.IsRead || !matches(d, opts) {
				continue
			}
			pinned[d.ID] = struct{}{}
			view.Pinned = append(view.Pinned, d.AsArticle())
		}
	}
	normal, err := s.list(user, opts, func(d domain.Digest) bool {
		_, ok := pinned[d.ID]
		return ok
	})
	if err != nil {
		return domain.ArticleListView{}, err
	}
	for _, d := range normal {
		view.Normal = append(view.Normal, d.AsArticle())
	}
	return view, nil
}

func (s *DigestStore) list(user string, opts domain.ListOptions, skip func(domain.Digest) bool) ([]domain.Digest, error) {
	dates, err := s.shardDates(user)
	if err != nil {
		return nil, err
	}
	var boundary string
	if opts.Before != nil {
		boundary = s.localDate(*opts.Before)
	}
	out := make([]domain.Digest, 0)
	for _, date := range dates {
		if boundary != "" && date > boundary {
			continue
		}
		items, err := s.readShard(s.shardPath(user, date))
		if err != nil {
			s.log.Warn().Err(err).Str("shard", date).Msg("digest store: шард пропущен")
			continue
		}
		for _, d := range items {
			if opts.Before != nil && !d.GeneratedAt.Before(*opts.Before) {
				continue
			}
			if !matches(d, opts) || (skip != nil && skip(d)) {
				continue
			}
			out = append(out, d)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func matches(d domain.Digest, opts domain.ListOptions) bool {
	if opts.UnreadOnly && d.IsRead {
		return false
	}
	if opts.Scope != "" && d.Scope != opts.Scope {
		return false
	}
	if opts.ScopeID != nil && (d.ScopeID == nil || *d.ScopeID != *opts.ScopeID) {
		return false
	}
	return true
}

func (s *DigestStore) mutate(user, id string, fn func([]domain.Digest, int) []domain.Digest) (bool, error) {
	path, err := s.locate(user, id)
	if errors.Is(err, domain.ErrDigestNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	unlock := s.locks.Lock(path)
	defer unlock()

	items, err := s.readShard(path)
	if err != nil {
		return false, err
	}
	for i := range items {
		if items[i].ID == id {
			return true, s.writeShard(path, fn(items, i))
		}
	}
	return false, nil
}

// locate находит шард по метке времени из id, иначе просматривает последние дайджесты.
func (s *DigestStore) locate(user, id string) (string, error) {
	if ts, ok := digestIDTime(id); ok {
		return s.shardPath(user, s.localDate(ts)), nil
	}
	recent, err := s.list(user, domain.ListOptions{Limit: getFallbackScan}, nil)
	if err != nil {
		return "", err
	}
	for _, d := range recent {
		if d.ID == id {
			return s.shardPath(user, s.localDate(d.GeneratedAt)), nil
		}
	}
	return "", domain.ErrDigestNotFound
}

// shardDates возвращает даты шардов пользователя по убыванию.
func (s *DigestStore) shardDates(user string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("digest store: list shards: %w", err)
	}
	prefix := user + "_"
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		if _, err := time.Parse(shardDateLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func (s *DigestStore) readShard(path string) ([]domain.Digest, error) {
	var items []domain.Digest
	if _, err := readJSON(path, &items); err != nil {
		return nil, fmt.Errorf("digest store: %w", err)
	}
	return items, nil
}

func (s *DigestStore) writeShard(path string, items []domain.Digest) error {
	if items == nil {
		items = []domain.Digest{}
	}
	if err := writeJSONAtomic(path, items, 0o644); err != nil {
		return fmt.Errorf("digest store: %w", err)
	}
	return nil
}

func (s *DigestStore) shardPath(user, date string) string {
	return filepath.Join(s.dir, user+"_"+date+".json")
}

func (s *DigestStore) localDate(t time.Time) string {
	return t.In(s.loc).Format(shardDateLayout)
}

func newDigestID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]
	return "digest_" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + suffix
}

// digestIDTime извлекает метку времени из id вида digest_<ms>_<suffix>.
func digestIDTime(id string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(id, "digest_")
	if !ok {
		return time.Time{}, false
	}
	raw, _, ok := strings.Cut(rest, "_")
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
