package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// Default pool sizing.
const (
	DefaultMaxSize       = 25
	DefaultIdleThreshold = 30 * time.Minute
)

// Factory builds a provider client when the pool has no entry for a
// credential fingerprint.
type Factory func(ctx context.Context) (core.ProviderClient, error)

// WarmUpConfig pre-populates one pool entry before a batch run.
type WarmUpConfig struct {
	Fingerprint string
	Factory     Factory
}

type entry struct {
	client     core.ProviderClient
	lastUsedAt time.Time
	usageCount int64
	createdAt  time.Time
}

// ClientPool caches instantiated provider API clients keyed by credential
// fingerprint. Clients are read-mostly and shared; the pool retains
// ownership and is the only component that evicts entries.
type ClientPool struct {
	mu            sync.Mutex
	entries       map[string]*entry
	maxSize       int
	idleThreshold time.Duration
	clock         core.Clock
	metrics       core.Recorder
}

// New creates a client pool. Non-positive limits fall back to defaults.
func New(maxSize int, idleThreshold time.Duration, clock core.Clock, m core.Recorder) *ClientPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return &ClientPool{
		entries:       make(map[string]*entry),
		maxSize:       maxSize,
		idleThreshold: idleThreshold,
		clock:         clock,
		metrics:       m,
	}
}

// Acquire returns the pooled client for the fingerprint, building one via
// factory on miss. When the pool is full the least-recently-used entry is
// evicted to make room. There is no release: clients are shared.
func (p *ClientPool) Acquire(
	ctx context.Context,
	fingerprint string,
	factory Factory,
) (core.ProviderClient, error) {
	p.mu.Lock()
	if e, ok := p.entries[fingerprint]; ok {
		e.lastUsedAt = p.clock.Now()
		e.usageCount++
		client := e.client
		p.mu.Unlock()
		p.metrics.RecordPoolEvent("hit")
		return client, nil
	}
	p.mu.Unlock()

	// Build outside the lock: factories may do real work (TLS setup etc.)
	// and must not serialize unrelated acquires. A concurrent acquire for
	// the same fingerprint may race the build; last write wins, which is
	// harmless for shared read-mostly clients.
	client, err := factory(ctx)
	if err != nil {
		p.metrics.RecordPoolEvent("factory_error")
		return nil, fmt.Errorf("provider client factory: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[fingerprint]; ok {
		// Lost the race; keep the existing entry.
		e.lastUsedAt = p.clock.Now()
		e.usageCount++
		return e.client, nil
	}

	if len(p.entries) >= p.maxSize {
		p.evictOldestLocked()
	}

	now := p.clock.Now()
	p.entries[fingerprint] = &entry{
		client:     client,
		lastUsedAt: now,
		usageCount: 1,
		createdAt:  now,
	}
	p.metrics.RecordPoolEvent("miss")
	p.metrics.SetPoolSize(len(p.entries))
	return client, nil
}

// Invalidate drops the entry for a fingerprint. Called when the underlying
// credential rotated and the old client would authenticate with dead tokens.
func (p *ClientPool) Invalidate(fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[fingerprint]; ok {
		delete(p.entries, fingerprint)
		p.metrics.RecordPoolEvent("invalidation")
		p.metrics.SetPoolSize(len(p.entries))
	}
}

// Optimize evicts entries idle beyond the staleness threshold, independent
// of pool pressure, and returns the eviction count. Run periodically to
// bound memory in long-running processes.
func (p *ClientPool) Optimize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.clock.Now().Add(-p.idleThreshold)
	evicted := 0
	for fp, e := range p.entries {
		if e.lastUsedAt.Before(cutoff) {
			delete(p.entries, fp)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[Pool] Optimize evicted %d idle clients (threshold %s)", evicted, p.idleThreshold)
		p.metrics.RecordPoolEvent("idle_eviction")
		p.metrics.SetPoolSize(len(p.entries))
	}
	return evicted
}

// WarmUp pre-populates entries for a known credential set, trading startup
// latency for steady-state latency before a batch run. Individual factory
// failures are logged and skipped; the rest of the warm-up proceeds.
func (p *ClientPool) WarmUp(ctx context.Context, configs []WarmUpConfig) int {
	warmed := 0
	for _, cfg := range configs {
		if _, err := p.Acquire(ctx, cfg.Fingerprint, cfg.Factory); err != nil {
			log.Printf("[Pool] Warm-up skipped fingerprint %.12s: %v", cfg.Fingerprint, err)
			continue
		}
		warmed++
	}
	return warmed
}

// Len returns the current number of pooled clients.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictOldestLocked removes the least-recently-used entry. Caller holds mu.
func (p *ClientPool) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for fp, e := range p.entries {
		if oldestKey == "" || e.lastUsedAt.Before(oldest) {
			oldestKey = fp
			oldest = e.lastUsedAt
		}
	}
	if oldestKey != "" {
		delete(p.entries, oldestKey)
		p.metrics.RecordPoolEvent("lru_eviction")
	}
}
