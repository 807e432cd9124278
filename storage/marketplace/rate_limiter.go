package marketplace

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimit is a sliding-window quota: at most Limit events per Window.
type RateLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Enabled is false for zero-valued limits, which allow everything.
func (r RateLimit) Enabled() bool { return r.Limit > 0 && r.Window > 0 }

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter records and checks events per (scope, key).
// An allowed call counts against the quota; a rejected one does not.
type RateLimiter interface {
	Allow(ctx context.Context, scope, key string, limit RateLimit) (Decision, error)
}

// MemoryRateLimiter is a single-node sliding window log.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	maxWindow time.Duration
	now       func() time.Time
}

// NewMemoryRateLimiter returns an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{events: make(map[string][]time.Time), now: time.Now}
}

// WithClock overrides the clock; used by tests.
func (m *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	m.now = now
	return m
}

// Allow implements RateLimiter.
func (m *MemoryRateLimiter) Allow(_ context.Context, scope, key string, limit RateLimit) (Decision, error) {
	if !limit.Enabled() {
		return Decision{Allowed: true}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit.Window > m.maxWindow {
		m.maxWindow = limit.Window
	}
	now := m.now()
	k := scope + "|" + key
	cutoff := now.Add(-limit.Window)
	times := m.events[k]
	valid := make([]time.Time, 0, len(times)+1)
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= limit.Limit {
		m.events[k] = valid
		retry := valid[len(valid)-limit.Limit].Add(limit.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	m.events[k] = append(valid, now)
	return Decision{Allowed: true}, nil
}

// Len reports how many keys the limiter is tracking.
func (m *MemoryRateLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Evict drops keys whose newest event is older than the largest window seen.
func (m *MemoryRateLimiter) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.maxWindow)
	removed := 0
	for k, times := range m.events {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(m.events, k)
			removed++
		}
	}
	return removed
}

// StartEviction runs Evict on a ticker until ctx is cancelled.
func (m *MemoryRateLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Evict(); n > 0 {
					log.Printf("rate limiter: evicted %d idle keys", n)
				}
			}
		}
	}()
}

// PGRateLimiter shares the window across instances through the rate_limit_events table.
type PGRateLimiter struct {
	pool *pgxpool.Pool
}

// NewPGRateLimiter uses a pool whose schema was initialised by NewPGStore.
func NewPGRateLimiter(pool *pgxpool.Pool) *PGRateLimiter {
	return &PGRateLimiter{pool: pool}
}

// Allow implements RateLimiter. A transaction-scoped advisory lock serialises checks per key.
func (p *PGRateLimiter) Allow(ctx context.Context, scope, key string, limit RateLimit) (Decision, error) {
	if !limit.Enabled() {
		return Decision{Allowed: true}, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '|' || $2))`, scope, key); err != nil {
		return Decision{}, fmt.Errorf("rate limit lock: %w", err)
	}
	now, err := pgNow(ctx, tx)
	if err != nil {
		return Decision{}, err
	}
	cutoff := now.Add(-limit.Window)
	if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_events WHERE scope=$1 AND key=$2 AND at <= $3`, scope, key, cutoff); err != nil {
		return Decision{}, fmt.Errorf("rate limit prune: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT at FROM rate_limit_events WHERE scope=$1 AND key=$2 ORDER BY at`, scope, key)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit query: %w", err)
	}
	var times []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			rows.Close()
			return Decision{}, err
		}
		times = append(times, at)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Decision{}, err
	}

	if len(times) >= limit.Limit {
		retry := times[len(times)-limit.Limit].Add(limit.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_events (scope, key, at) VALUES ($1,$2,$3)`, scope, key, now); err != nil {
		return Decision{}, fmt.Errorf("rate limit record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit commit: %w", err)
	}
	return Decision{Allowed: true}, nil
}
