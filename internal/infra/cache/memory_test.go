package cache

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryOnceRunsOncePerKey(t *testing.T) {
	c := NewMemory()
	calls := 0
	fn := func() error { calls++; return nil }

	for i := 0; i < 3; i++ {
		if err := c.Once("digest:fire:u:t:202401010800", time.Minute, fn); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	_ = c.Once("digest:fire:u:t:202401010801", time.Minute, fn)
	if calls != 2 {
		t.Fatalf("другой ключ должен выполниться, calls = %d", calls)
	}
}

func TestMemoryOnceExpires(t *testing.T) {
	c := NewMemory()
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	calls := 0
	fn := func() error { calls++; return nil }

	_ = c.Once("k", time.Minute, fn)
	now = now.Add(59 * time.Second)
	_ = c.Once("k", time.Minute, fn)
	now = now.Add(time.Second)
	_ = c.Once("k", time.Minute, fn)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestMemoryOnceReleasesOnError(t *testing.T) {
	c := NewMemory()
	boom := errors.New("boom")
	if err := c.Once("k", time.Hour, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	ran := false
	_ = c.Once("k", time.Hour, func() error { ran = true; return nil })
	if !ran {
		t.Fatalf("после ошибки ключ должен освобождаться")
	}
}
