// Package worker is the leaf tier: a cluster process that owns one shard
// range, runs a Workload over it and reports to its Server.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/retry"
	"github.com/dreamware/tessera/internal/shard"
)

// Exit codes of a cluster process.
const (
	ExitOK         = 0 // drained on request
	ExitFailure    = 1 // restart policy applies
	ExitParentLost = 2
)

// ExitCode maps the result of Run to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, node.ErrParentLost):
		return ExitParentLost
	default:
		return ExitFailure
	}
}

// Options configure a cluster node.
type Options struct {
	ParentAddr       string
	Credential       cluster.Credential
	Range            shard.Range // inherited from the spawning Server
	TotalShards      int
	ServerUID        int
	PrevUID          int
	Session          string
	KeepAlive        ipc.KeepAlive
	HandshakeTimeout time.Duration
	RegisterTimeout  time.Duration
	Grace            time.Duration
	DrainTimeout     time.Duration
	Reconnect        retry.Policy
	Logger           *zap.Logger
}

// OptionsFromConfig builds Options from a loaded cluster configuration.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) (Options, error) {
	cred, err := cfg.DialCredential()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ParentAddr:       cfg.Worker.ParentAddr,
		Credential:       cred,
		Range:            cfg.Worker.Range(),
		TotalShards:      cfg.Worker.TotalShards,
		ServerUID:        cfg.Worker.ServerUID,
		PrevUID:          cfg.Worker.PrevUID,
		Session:          cfg.Worker.Session,
		KeepAlive:        cfg.KeepAlive(),
		HandshakeTimeout: cfg.Timing.HandshakeTimeout,
		RegisterTimeout:  cfg.Timing.RegisterTimeout,
		Grace:            cfg.Timing.Grace,
		DrainTimeout:     cfg.Timing.DrainTimeout,
		Reconnect:        cfg.ReconnectPolicy(),
		Logger:           logger,
	}, nil
}

// shutdownRequest ends the serve loop when the parent sends SHUTDOWN.
type shutdownRequest struct {
	reason string
	grace  time.Duration
}

func (s *shutdownRequest) Error() string { return "shutdown requested: " + s.reason }

// Cluster is one worker process's node. It keeps serving its range while
// it reconnects to a lost parent, and stops the workload only when it
// drains or when the parent stays unreachable past the grace window.
type Cluster struct {
	opts     Options
	workload Workload
	uplink   *node.Uplink
	logger   *zap.Logger

	mu      sync.Mutex
	rng     shard.Range
	total   int
	running bool
}

// New creates a cluster node for opts.Range.
func New(opts Options, w Workload) *Cluster {
	c := &Cluster{
		opts:     opts,
		workload: w,
		logger:   logging.OrNop(opts.Logger).Named("cluster").With(zap.Stringer("range", opts.Range)),
		rng:      opts.Range,
		total:    opts.TotalShards,
	}
	c.uplink = node.NewUplink(node.UplinkConfig{
		Addr:             opts.ParentAddr,
		Role:             cluster.RoleCluster,
		Credential:       opts.Credential,
		KeepAlive:        opts.KeepAlive,
		HandshakeTimeout: opts.HandshakeTimeout,
		RegisterTimeout:  opts.RegisterTimeout,
		Reconnect:        opts.Reconnect,
		Grace:            opts.Grace,
		Session:          opts.Session,
		PrevUID:          opts.PrevUID,
		Register: func() ipc.Register {
			return ipc.Register{Range: c.Range(), ServerUID: opts.ServerUID}
		},
		Heartbeat: c.heartbeat,
		Logger:    opts.Logger,
	})
	return c
}

// Range returns the range currently owned.
func (c *Cluster) Range() shard.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng
}

// Identity returns the identity granted by the Brain.
func (c *Cluster) Identity() cluster.NodeIdentity { return c.uplink.Identity() }

// State returns the life cycle state.
func (c *Cluster) State() node.State { return c.uplink.Lifecycle().State() }

// Run connects, registers and serves until drained, the parent is lost, or
// ctx ends. A canceled ctx drains like a SHUTDOWN.
//
// The workload is started once the parent grants the range. A dropped
// connection does not stop it: Run reconnects with backoff and
// re-registers with its uid and session, and a re-admission for the same
// range leaves the workload running. REASSIGN moves the workload to a new
// range. The workload is stopped only when the cluster drains, when the
// parent stays unreachable past Options.Grace, or when registration is
// refused for good.
//
// Parameters:
//   - ctx: Cancel to drain within Options.DrainTimeout
//
// Returns:
//   - nil after SHUTDOWN or cancellation (ExitOK)
//   - an error wrapping node.ErrParentLost after the grace window
//     (ExitParentLost)
//   - any other error, such as an AuthError or a workload that failed to
//     start (ExitFailure)
//
// Use ExitCode to turn the result into the process exit status.
//
// Example:
//
//	c := worker.New(opts, &worker.Idle{Logger: logger})
//	os.Exit(worker.ExitCode(c.Run(ctx)))
func (c *Cluster) Run(ctx context.Context) error {
	defer c.uplink.Close()

	for {
		conn, reg, err := c.uplink.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.drain(c.opts.DrainTimeout)
				return nil
			}
			c.stopWorkload(c.opts.DrainTimeout)
			c.logger.Error("giving up on parent", zap.Error(err))
			return err
		}

		if err := c.apply(ctx, reg); err != nil {
			return err
		}

		err = c.serve(ctx, conn)

		var shutdown *shutdownRequest
		switch {
		case errors.As(err, &shutdown):
			c.logger.Info("draining", zap.String("reason", shutdown.reason))
			grace := shutdown.grace
			if grace <= 0 {
				grace = c.opts.DrainTimeout
			}
			c.drain(grace)
			return nil
		case ctx.Err() != nil:
			c.drain(c.opts.DrainTimeout)
			return nil
		}

		c.logger.Warn("lost parent, reconnecting", zap.Error(err))
		c.uplink.Dropped()
	}
}

// apply starts the workload for the granted range. Re-admission with the
// same range leaves a running workload alone.
func (c *Cluster) apply(ctx context.Context, reg ipc.Registered) error {
	c.mu.Lock()
	r := c.rng
	if !reg.Range.IsZero() {
		r = reg.Range
	}
	if reg.TotalShards > 0 {
		c.total = reg.TotalShards
	}
	same := c.running && r == c.rng
	c.mu.Unlock()

	if same {
		return nil
	}
	return c.restartWorkload(ctx, r)
}

func (c *Cluster) restartWorkload(ctx context.Context, r shard.Range) error {
	c.stopWorkload(c.opts.DrainTimeout)

	c.mu.Lock()
	c.rng = r
	a := Assignment{Identity: c.uplink.Identity(), Range: r, TotalShards: c.total}
	c.mu.Unlock()

	if err := c.workload.Start(ctx, a); err != nil {
		return fmt.Errorf("start workload for %s: %w", r, err)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *Cluster) stopWorkload(timeout time.Duration) {
	c.mu.Lock()
	running := c.running
	c.running = false
	c.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.workload.Stop(ctx); err != nil {
		c.logger.Warn("workload stop failed", zap.Error(err))
	}
}

func (c *Cluster) drain(timeout time.Duration) {
	_ = c.uplink.Drain()
	c.stopWorkload(timeout)
}

func (c *Cluster) heartbeat() any {
	return ipc.Heartbeat{UID: c.uplink.Identity().UID, Health: c.workload.Health()}
}

func (c *Cluster) serve(ctx context.Context, conn *ipc.Conn) error {
	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		switch m.Type {
		case ipc.TypeHeartbeat:
			// parent liveness only; the connection tracks it

		case ipc.TypeRegistered:
			var reg ipc.Registered
			if err := m.Decode(&reg); err == nil {
				c.uplink.ApplyRegistered(reg)
			}

		case ipc.TypeStatusRequest:
			_ = conn.Reply(m, ipc.TypeStatusReply, c.status())

		case ipc.TypeReassign:
			c.handleReassign(ctx, conn, m)

		case ipc.TypeShutdown:
			var req ipc.Shutdown
			_ = m.Decode(&req)
			_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{})
			return &shutdownRequest{reason: req.Reason, grace: req.Grace}

		default:
			c.logger.Warn("dropping unexpected message", zap.String("type", string(m.Type)))
			_ = conn.Unsupported(m)
		}
	}
}

func (c *Cluster) status() ipc.StatusReply {
	return ipc.StatusReply{
		Identity: c.uplink.Identity(),
		State:    string(c.State()),
		Ranges:   []shard.Range{c.Range()},
		Health:   c.workload.Health(),
	}
}

func (c *Cluster) handleReassign(ctx context.Context, conn *ipc.Conn, m ipc.Message) {
	var req ipc.Reassign
	if err := m.Decode(&req); err != nil {
		_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{Error: err.Error()})
		return
	}
	if req.ClusterUID != c.uplink.Identity().UID {
		_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{Error: fmt.Sprintf("reassign addressed to cluster %d", req.ClusterUID)})
		return
	}
	if err := req.Range.Validate(); err != nil {
		_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{Error: err.Error()})
		return
	}

	old := c.Range()
	if err := c.restartWorkload(ctx, req.Range); err != nil {
		_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{Error: err.Error()})
		return
	}
	c.logger.Info("reassigned", zap.Stringer("from", old), zap.Stringer("to", req.Range))
	_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{})
}
