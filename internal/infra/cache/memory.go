package cache

import (
	"sync"
	"time"

	"rss-digest/internal/domain"
)

// MemoryCache — реализация domain.Cache для одного процесса.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

var _ domain.Cache = (*MemoryCache)(nil)

// NewMemory создаёт пустой кэш.
func NewMemory() *MemoryCache {
	return &MemoryCache{keys: make(map[string]time.Time), now: time.Now}
}

// Once выполняет fn, если ключ не занят или истёк.
func (c *MemoryCache) Once(key string, ttl time.Duration, fn func() error) error {
	c.mu.Lock()
	now := c.now()
	if exp, ok := c.keys[key]; ok && now.Before(exp) {
		c.mu.Unlock()
		return nil
	}
	c.keys[key] = now.Add(ttl)
	c.sweep(now)
	c.mu.Unlock()

	if err := fn(); err != nil {
		c.mu.Lock()
		delete(c.keys, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

// sweep удаляет истёкшие ключи. Вызывается под mu.
func (c *MemoryCache) sweep(now time.Time) {
	for k, exp := range c.keys {
		if !now.Before(exp) {
			delete(c.keys, k)
		}
	}
}
