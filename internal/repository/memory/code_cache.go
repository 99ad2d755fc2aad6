package memory

import (
	"context"
	"sync"
	"time"

	"phone-auth-service/internal/model"
)

// CodeCache keeps active codes in process memory. Entries outlive their
// expiry by grace so a late verification still reports Expired.
type CodeCache struct {
	mu      sync.Mutex
	entries map[string]model.ActiveCode
	grace   time.Duration
	now     func() time.Time
}

func NewCodeCache(grace time.Duration) *CodeCache {
	return &CodeCache{
		entries: make(map[string]model.ActiveCode),
		grace:   grace,
		now:     time.Now,
	}
}

func (c *CodeCache) WithClock(now func() time.Time) *CodeCache {
	c.now = now
	return c
}

func (c *CodeCache) Put(_ context.Context, phone string, code *model.ActiveCode) error {
	c.mu.Lock()
	c.entries[phone] = *code
	c.mu.Unlock()
	return nil
}

func (c *CodeCache) Get(_ context.Context, phone string) (*model.ActiveCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.entries[phone]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &code, nil
}

func (c *CodeCache) Delete(_ context.Context, phone string) error {
	c.mu.Lock()
	delete(c.entries, phone)
	c.mu.Unlock()
	return nil
}

func (c *CodeCache) DeleteIfUnchanged(_ context.Context, phone string, code *model.ActiveCode) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[phone]
	if !ok || !sameCode(current, *code) {
		return false, nil
	}
	delete(c.entries, phone)
	return true, nil
}

// Sweep removes entries past expiry plus grace.
func (c *CodeCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for phone, code := range c.entries {
		if now.After(code.ExpiresAt.Add(c.grace)) {
			delete(c.entries, phone)
			removed++
		}
	}
	return removed
}

func sameCode(a, b model.ActiveCode) bool {
	return a.Hash == b.Hash && a.Salt == b.Salt && a.ExpiresAt.Equal(b.ExpiresAt)
}
