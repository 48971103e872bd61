package repo

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 1000
	pbkdf2KeyLen     = 64
	saltLen          = 16
)

var (
	// ErrUserExists возвращается при повторной регистрации.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

type userRecord struct {
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore хранит учётные записи в users.json.
type UserStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewUserStore создаёт хранилище по пути path.
func NewUserStore(path string) *UserStore {
	return &UserStore{path: path, now: time.Now}
}

// Create регистрирует пользователя.
func (s *UserStore) Create(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := users[username]; ok {
		return ErrUserExists
	}
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("users: salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	users[username] = userRecord{Hash: hashPassword(password, salt), Salt: salt, CreatedAt: s.now().UTC()}
	if err := writeJSONAtomic(s.path, users, 0o600); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	return nil
}

// Verify проверяет пароль. Неизвестный пользователь и неверный пароль неразличимы.
func (s *UserStore) Verify(username, password string) error {
	s.mu.Lock()
	users, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	rec, ok := users[strings.TrimSpace(username)]
	if !ok {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(hashPassword(password, rec.Salt)), []byte(rec.Hash)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *UserStore) read() (map[string]userRecord, error) {
	users := make(map[string]userRecord)
	if _, err := readJSON(s.path, &users); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	if users == nil {
		users = make(map[string]userRecord)
	}
	return users, nil
}

// hashPassword использует hex-строку соли как есть, без декодирования.
func hashPassword(password, salt string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha512.New))
}
