package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultLimit and DefaultWindow apply when no rate limit rule
	// overrides them.
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// Status is a read-only view of one identity's current window.
type Status struct {
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limiter enforces a fixed-window request budget per key. Allow reports
// whether the request fits the current window and counts it if so; a
// denied request is never counted against the window.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) bool
	Status(key string, limit int, window time.Duration) Status
	Reset(key string)
	Cleanup() int
}

// Key builds the canonical limiter key for a session/address pair.
func Key(sessionID, ipAddress string) string {
	return sessionID + ":" + ipAddress
}

type record struct {
	count   int
	resetAt time.Time
}

// Memory is an in-process fixed-window limiter. Windows are tracked per
// key and start on the first counted request; a fresh burst straddling
// a window boundary can therefore see up to twice the limit pass, which
// is the accepted trade-off of the fixed-window scheme.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]record
}

func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		records: make(map[string]record),
	}
}

// WithClock replaces the limiter's time source. Test use only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || !now.Before(rec.resetAt) {
		m.records[key] = record{count: 1, resetAt: now.Add(window)}
		return true
	}
	if rec.count >= limit {
		// Over budget: leave the window untouched so the reset time
		// holds steady no matter how hard the client hammers.
		return false
	}
	rec.count++
	m.records[key] = rec
	return true
}

func (m *Memory) Status(key string, limit int, window time.Duration) Status {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || !now.Before(rec.resetAt) {
		return Status{Limit: limit, Count: 0, Remaining: limit, ResetAt: now.Add(window)}
	}
	remaining := limit - rec.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: limit, Count: rec.count, Remaining: remaining, ResetAt: rec.resetAt}
}

func (m *Memory) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Cleanup drops expired windows and returns how many were removed.
// Expired entries are otherwise harmless (Allow treats them as absent)
// but would accumulate for every identity ever seen.
func (m *Memory) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, rec := range m.records {
		if !now.Before(rec.resetAt) {
			delete(m.records, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Cleanup on the given interval until ctx is done.
func StartSweeper(ctx context.Context, l Limiter, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Cleanup(); n > 0 {
					log.Debug().Int("removed", n).Msg("rate limit sweep")
				}
			}
		}
	}()
}
