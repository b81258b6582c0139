package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/shard"
)

// Assignment is what a workload is asked to serve.
type Assignment struct {
	Identity    cluster.NodeIdentity
	Range       shard.Range
	TotalShards int
}

// Workload is the opaque work a cluster performs for its range. Start must
// return once the workload is serving; Stop must return within ctx.
type Workload interface {
	Start(ctx context.Context, a Assignment) error
	Stop(ctx context.Context) error
	// Health is reported in heartbeats and status replies.
	Health() string
}

// Health values reported by the built-in workload.
const (
	HealthOK      = "ok"
	HealthIdle    = "idle"
	HealthStopped = "stopped"
)

// Idle is a workload that only records its assignment. The reference
// cluster binary runs it.
type Idle struct {
	Logger *zap.Logger

	mu      sync.Mutex
	current *Assignment
}

// Start records a.
func (w *Idle) Start(ctx context.Context, a Assignment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = &a
	logging.OrNop(w.Logger).Info("serving shards",
		zap.Stringer("identity", a.Identity),
		zap.Stringer("range", a.Range),
		zap.Int("count", a.Range.Len()))
	return nil
}

// Stop forgets the assignment.
func (w *Idle) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = nil
	return nil
}

// Health reports ok while an assignment is held.
func (w *Idle) Health() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return HealthIdle
	}
	return HealthOK
}

// Current returns the assignment being served.
func (w *Idle) Current() (Assignment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return Assignment{}, false
	}
	return *w.current, true
}
