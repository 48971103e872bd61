package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rss-digest/internal/domain"
)

// ErrInvalidToken возвращается для неверного или просроченного токена.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims — полезная нагрузка токена.
type Claims struct {
	Username  string `json:"username"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Principal — аутентифицированный пользователь запроса.
type Principal struct {
	Username string
	Handle   string
}

type principalKey struct{}

// Tokens выпускает и проверяет HS256-токены.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens создаёт Tokens.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

var jwtHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Issue подписывает токен для username.
func (t *Tokens) Issue(username string) (string, error) {
	now := t.now()
	payload, err := json.Marshal(Claims{
		Username:  username,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(t.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	signed := jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + base64.RawURLEncoding.EncodeToString(t.sign(signed)), nil
}

// Verify проверяет подпись и срок действия.
func (t *Tokens) Verify(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || !strings.EqualFold(header.Alg, "hs256") {
		return Claims{}, ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, t.sign(parts[0]+"."+parts[1])) {
		return Claims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Username == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt > 0 && t.now().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) sign(signed string) []byte {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(signed))
	return h.Sum(nil)
}

// Middleware требует Bearer-токен и кладёт Principal в контекст.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			WriteError(w, http.StatusUnauthorized, errors.New("authorization required"))
			return
		}
		claims, err := t.Verify(raw)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err)
			return
		}
		p := Principal{Username: claims.Username, Handle: domain.UserHandle(claims.Username)}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal добавляет пользователя в контекст.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom достаёт пользователя из контекста.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
