// Package quota enforces a daily probe budget per outbound identity (the
// source address a mail exchanger sees). Counters are keyed by UTC calendar
// day, so they roll over on their own.
package quota

import (
	"context"
	"sync"
	"time"
)

const DefaultDailyQuota = 1000

type Status string

const (
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate-limited"
)

type Counter struct {
	Identity string `json:"identity"`
	Day      string `json:"day"`
	Count    int    `json:"count"`
	Limit    int    `json:"limit"`
	Status   Status `json:"status"`
}

type Tracker interface {
	// Allow counts one request for identity and reports whether it fits in
	// today's budget.
	Allow(ctx context.Context, identity string) (bool, error)
	// Reset clears today's counter for identity and restores active status.
	Reset(ctx context.Context, identity string) error
	Status(ctx context.Context, identity string) (Counter, error)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryTracker keeps counters in process memory.
type MemoryTracker struct {
	limit int
	now   func() time.Time

	mu       sync.Mutex
	counters map[string]*Counter
}

func NewMemoryTracker(limit int, now func() time.Time) *MemoryTracker {
	if limit <= 0 {
		limit = DefaultDailyQuota
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{
		limit:    limit,
		now:      now,
		counters: make(map[string]*Counter),
	}
}

func (m *MemoryTracker) Allow(_ context.Context, identity string) (bool, error) {
	day := dayKey(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[identity]
	if !ok || c.Day != day {
		c = &Counter{Identity: identity, Day: day, Limit: m.limit, Status: StatusActive}
		m.counters[identity] = c
	}
	c.Count++
	if c.Count > c.Limit {
		c.Status = StatusRateLimited
		return false, nil
	}
	return true, nil
}

func (m *MemoryTracker) Reset(_ context.Context, identity string) error {
	day := dayKey(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[identity]; ok && c.Day == day {
		delete(m.counters, identity)
	}
	return nil
}

func (m *MemoryTracker) Status(_ context.Context, identity string) (Counter, error) {
	day := dayKey(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[identity]; ok && c.Day == day {
		return *c, nil
	}
	return Counter{Identity: identity, Day: day, Limit: m.limit, Status: StatusActive}, nil
}
