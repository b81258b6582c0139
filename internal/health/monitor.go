// Package health tracks heartbeats from a node's direct children and
// declares a child dead after a run of missed heartbeats.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/logging"
)

// Status is the liveness verdict for a child.
type Status string

const (
	StatusUnknown Status = "unknown" // tracked, no heartbeat yet
	StatusAlive   Status = "alive"
	StatusDead    Status = "dead"
)

// Record is held by the direct parent for each registered child.
// Thread-safe: Protected by Monitor's mutex when accessed.
type Record struct {
	LastSeen          time.Time // Last heartbeat, or the time tracking began
	UID               int       // Child uid
	Status            Status    // Current verdict
	ConsecutiveMisses int       // Whole intervals elapsed since LastSeen
}

// Monitor counts missed heartbeats per child. A child is dead once
// maxMisses intervals pass without a Beat; the verdict does not depend on
// the child doing anything, so a hung child is caught in bounded time.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	records   map[int]*Record
	onDead    func(uid int)
	now       func() time.Time
	logger    *zap.Logger
	interval  time.Duration
	maxMisses int
	mu        sync.Mutex
}

// NewMonitor creates a monitor that checks every interval and declares a
// child dead after maxMisses missed heartbeats.
//
// Example:
//
//	mon := health.NewMonitor(time.Second, 3, logger)
//	mon.SetOnDead(func(uid int) { events <- deadEvent{uid} })
//	go mon.Run(ctx)
func NewMonitor(interval time.Duration, maxMisses int, logger *zap.Logger) *Monitor {
	if maxMisses <= 0 {
		maxMisses = 1
	}
	return &Monitor{
		records:   make(map[int]*Record),
		now:       time.Now,
		logger:    logging.OrNop(logger).Named("health"),
		interval:  interval,
		maxMisses: maxMisses,
	}
}

// SetOnDead sets the callback invoked once when a child is declared dead.
// It runs on the monitor's goroutine without the lock held and must not
// block for long.
func (m *Monitor) SetOnDead(fn func(uid int)) {
	m.mu.Lock()
	m.onDead = fn
	m.mu.Unlock()
}

// Track starts watching uid. Tracking an already tracked uid restarts its
// clock.
func (m *Monitor) Track(uid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[uid] = &Record{UID: uid, Status: StatusUnknown, LastSeen: m.now()}
}

// Beat records a heartbeat from uid. It reports false when uid is not
// tracked, in which case the heartbeat should be dropped.
func (m *Monitor) Beat(uid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[uid]
	if !ok || rec.Status == StatusDead {
		return false
	}
	rec.LastSeen = m.now()
	rec.ConsecutiveMisses = 0
	rec.Status = StatusAlive
	return true
}

// Forget stops watching uid.
func (m *Monitor) Forget(uid int) {
	m.mu.Lock()
	delete(m.records, uid)
	m.mu.Unlock()
}

// Run checks all children every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Check updates every record and fires the dead callback for children
// that crossed the miss threshold since the last check.
func (m *Monitor) Check() {
	now := m.now()

	m.mu.Lock()
	var dead []int
	for uid, rec := range m.records {
		if rec.Status == StatusDead {
			continue
		}
		rec.ConsecutiveMisses = int(now.Sub(rec.LastSeen) / m.interval)
		if rec.ConsecutiveMisses >= m.maxMisses {
			rec.Status = StatusDead
			dead = append(dead, uid)
		}
	}
	onDead := m.onDead
	m.mu.Unlock()

	for _, uid := range dead {
		m.logger.Warn("child missed heartbeats",
			zap.Int("uid", uid),
			zap.Int("max_misses", m.maxMisses))
		if onDead != nil {
			onDead(uid)
		}
	}
}

// Get returns a copy of uid's record.
func (m *Monitor) Get(uid int) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[uid]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IsAlive reports whether uid is tracked and not dead.
func (m *Monitor) IsAlive(uid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[uid]
	return ok && rec.Status != StatusDead
}
