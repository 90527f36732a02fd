// Package dedupe stores short-lived idempotency keys.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Guard claims keys so a side effect or a create runs at most once per key.
type Guard interface {
	// Claim stores value under key unless the key exists. It reports whether
	// this caller won the claim.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Lookup returns the value stored under key.
	Lookup(ctx context.Context, key string) (string, bool, error)
	// Release deletes key so a failed side effect can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: map[string]memoryEntry{}, now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key]; ok && g.now().Before(e.expiresAt) {
		return false, nil
	}
	g.entries[key] = memoryEntry{value: value, expiresAt: g.now().Add(ttl)}
	return true, nil
}

func (g *MemoryGuard) Lookup(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok || !g.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}
