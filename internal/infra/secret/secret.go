package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize     = 32
	ivSize      = 16
	tagSize     = 16
	keyFileMode = 0o600
)

// ErrAuthentication возвращается, если конверт повреждён или подделан.
var ErrAuthentication = errors.New("secret: message authentication failed")

// Envelope — зашифрованное значение в виде hex-полей.
type Envelope struct {
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
	Data    string `json:"data"`
}

// Box шифрует и расшифровывает секреты AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox создаёт Box из 32-байтного ключа.
func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("secret: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// LoadOrCreate читает ключ из path или создаёт новый с правами 0600.
func LoadOrCreate(path string) (*Box, error) {
	key, err := loadOrCreateKey(path)
	if err != nil {
		return nil, err
	}
	return NewBox(key)
}

func loadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("secret: decode key file: %w", err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("secret: key file must hold %d hex chars", keySize*2)
		}
		// права могли быть ослаблены вручную
		if err := os.Chmod(path, keyFileMode); err != nil {
			return nil, fmt.Errorf("secret: chmod key file: %w", err)
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("secret: read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("secret: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadOrCreateKey(path)
		}
		return nil, fmt.Errorf("secret: create key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key)); err != nil {
		f.Close()
		return nil, fmt.Errorf("secret: write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("secret: close key file: %w", err)
	}
	return key, nil
}

// Encrypt шифрует plaintext со свежим случайным IV.
func (b *Box) Encrypt(plaintext string) (Envelope, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("secret: generate iv: %w", err)
	}
	sealed := b.aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return Envelope{
		IV:      hex.EncodeToString(iv),
		AuthTag: hex.EncodeToString(tag),
		Data:    hex.EncodeToString(data),
	}, nil
}

// Decrypt проверяет и расшифровывает конверт.
func (b *Box) Decrypt(env Envelope) (string, error) {
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return "", ErrAuthentication
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return "", ErrAuthentication
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return "", ErrAuthentication
	}
	plain, err := b.aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plain), nil
}

// IsZero сообщает, что конверт пуст.
func (e Envelope) IsZero() bool {
	return e.IV == "" && e.AuthTag == "" && e.Data == ""
}
