// Package proxypool rotates outbound SMTP probes across a set of proxies,
// evicting the ones that keep failing and re-admitting them once a health
// probe passes again.
package proxypool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultFailureThreshold = 5
	DefaultHealthInterval   = 5 * time.Minute
)

// HealthChecker performs a cheap outbound request through a proxy.
type HealthChecker interface {
	Check(ctx context.Context, rec Record) error
}

type Options struct {
	FailureThreshold int
	Checker          HealthChecker
	Logger           logrus.FieldLogger
	Now              func() time.Time
	// OnChange observes the live and evicted set sizes after every mutation.
	OnChange func(live, evicted int)
}

// Manager hands out proxies round-robin. It is safe for concurrent use.
type Manager struct {
	threshold int
	checker   HealthChecker
	logger    logrus.FieldLogger
	now       func() time.Time
	onChange  func(live, evicted int)

	mu      sync.Mutex
	live    []*Record
	evicted []*Record
	cursor  int
}

func NewManager(records []Record, opts Options) *Manager {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		threshold: opts.FailureThreshold,
		checker:   opts.Checker,
		logger:    opts.Logger.WithField("component", "proxypool"),
		now:       opts.Now,
		onChange:  opts.OnChange,
	}
	m.Reload(records)
	return m
}

// Reload replaces every record, live and evicted, with records.
func (m *Manager) Reload(records []Record) {
	live := make([]*Record, 0, len(records))
	for _, r := range records {
		rec := r
		rec.Failures = 0
		rec.Alive = true
		live = append(live, &rec)
	}

	m.mu.Lock()
	m.live = live
	m.evicted = nil
	m.cursor = 0
	m.changedLocked()
	m.mu.Unlock()

	m.logger.WithField("proxies", len(live)).Info("Proxy pool loaded")
}

// Next returns a copy of the next live proxy, or nil when none is live.
func (m *Manager) Next() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.live) == 0 {
		return nil
	}
	if m.cursor >= len(m.live) {
		m.cursor = 0
	}
	rec := *m.live[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.live)
	return &rec
}

// ReportSuccess clears the failure streak of id.
func (m *Manager) ReportSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexOf(m.live, id); i >= 0 {
		rec := m.live[i]
		rec.Failures = 0
		rec.LastSuccess = m.now()
		rec.Alive = true
	}
}

// ReportFailure extends the failure streak of id and evicts it from the
// live set once the streak reaches the threshold.
func (m *Manager) ReportFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := indexOf(m.live, id)
	if i < 0 {
		return
	}
	rec := m.live[i]
	rec.Failures++
	if rec.Failures < m.threshold {
		return
	}

	rec.Alive = false
	m.live = append(m.live[:i], m.live[i+1:]...)
	m.evicted = append(m.evicted, rec)
	if i < m.cursor {
		m.cursor--
	}
	if m.cursor >= len(m.live) {
		m.cursor = 0
	}
	m.changedLocked()

	m.logger.WithFields(logrus.Fields{
		"proxy":    id,
		"failures": rec.Failures,
		"live":     len(m.live),
	}).Warn("Proxy evicted after consecutive failures")
}

// HealthyProxy probes live proxies in rotation order, at most once per live
// proxy, and returns the first one that answers. Failed probes count as
// failures. It returns nil when nothing answers; callers skip the layer that
// needed the proxy.
func (m *Manager) HealthyProxy(ctx context.Context) *Record {
	if m.checker == nil {
		return m.Next()
	}

	for attempts := m.Len(); attempts > 0; attempts-- {
		if ctx.Err() != nil {
			return nil
		}
		rec := m.Next()
		if rec == nil {
			return nil
		}
		if err := m.checker.Check(ctx, *rec); err != nil {
			m.logger.WithError(err).WithField("proxy", rec.ID()).Debug("Proxy health probe failed")
			m.ReportFailure(rec.ID())
			continue
		}
		m.ReportSuccess(rec.ID())
		rec.Failures = 0
		rec.LastSuccess = m.now()
		return rec
	}
	return nil
}

// ReviveEvicted probes every evicted proxy and moves the ones that answer
// back into the live set. It returns how many were re-admitted.
func (m *Manager) ReviveEvicted(ctx context.Context) int {
	if m.checker == nil {
		return 0
	}

	m.mu.Lock()
	candidates := make([]Record, 0, len(m.evicted))
	for _, r := range m.evicted {
		candidates = append(candidates, *r)
	}
	m.mu.Unlock()

	revived := 0
	for _, rec := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := m.checker.Check(ctx, rec); err != nil {
			continue
		}

		m.mu.Lock()
		if i := indexOf(m.evicted, rec.ID()); i >= 0 {
			r := m.evicted[i]
			m.evicted = append(m.evicted[:i], m.evicted[i+1:]...)
			r.Failures = 0
			r.Alive = true
			r.LastSuccess = m.now()
			m.live = append(m.live, r)
			revived++
			m.changedLocked()
		}
		m.mu.Unlock()
	}

	if revived > 0 {
		m.logger.WithField("revived", revived).Info("Evicted proxies re-admitted")
	}
	return revived
}

// RunHealthLoop calls ReviveEvicted every interval until ctx is done.
func (m *Manager) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReviveEvicted(ctx)
		}
	}
}

// Len is the size of the live set.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Status is a point-in-time copy of the pool.
type Status struct {
	Live    []Record `json:"live"`
	Evicted []Record `json:"evicted"`
}

func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Live:    make([]Record, 0, len(m.live)),
		Evicted: make([]Record, 0, len(m.evicted)),
	}
	for _, r := range m.live {
		s.Live = append(s.Live, *r)
	}
	for _, r := range m.evicted {
		s.Evicted = append(s.Evicted, *r)
	}
	return s
}

func (m *Manager) changedLocked() {
	if m.onChange != nil {
		m.onChange(len(m.live), len(m.evicted))
	}
}

func indexOf(records []*Record, id string) int {
	for i, r := range records {
		if r.ID() == id {
			return i
		}
	}
	return -1
}
