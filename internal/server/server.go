package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/health"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/retry"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/supervisor"
)

// Health values a Server reports upward.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Options configure a Server.
type Options struct {
	BrainAddr  string
	Credential cluster.Credential // toward the Brain; its token is also required of clusters
	ListenAddr string
	ListenTLS  *tls.Config

	KeepAlive        ipc.KeepAlive
	HandshakeTimeout time.Duration
	RegisterTimeout  time.Duration
	StatusTimeout    time.Duration
	DrainTimeout     time.Duration
	Grace            time.Duration
	Reconnect        retry.Policy

	Launcher   supervisor.Launcher
	Restart    retry.Policy
	ResetAfter time.Duration
	// WorkerEnv builds the environment of a cluster process. Nil hands
	// workers no environment, which suits in-process launchers that read
	// the range from the spec.
	WorkerEnv func(config.WorkerConfig) []string

	Logger *zap.Logger
}

// OptionsFromConfig builds Options from a loaded Server configuration,
// launching cluster processes from the configured entry point.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) (Options, error) {
	cred, err := cfg.DialCredential()
	if err != nil {
		return Options{}, err
	}
	listenTLS, err := cfg.ListenerTLS()
	if err != nil {
		return Options{}, err
	}
	return Options{
		BrainAddr:        cfg.Addr(),
		Credential:       cred,
		ListenAddr:       cfg.Server.Listen,
		ListenTLS:        listenTLS,
		KeepAlive:        cfg.KeepAlive(),
		HandshakeTimeout: cfg.Timing.HandshakeTimeout,
		RegisterTimeout:  cfg.Timing.RegisterTimeout,
		StatusTimeout:    cfg.Timing.StatusTimeout,
		DrainTimeout:     cfg.Timing.DrainTimeout,
		Grace:            cfg.Timing.Grace,
		Reconnect:        cfg.ReconnectPolicy(),
		Launcher: &supervisor.ExecLauncher{
			Path:   cfg.Server.WorkerEntrypoint,
			Args:   cfg.Server.WorkerArgs,
			Logger: logger,
		},
		Restart:    cfg.RestartPolicy(),
		ResetAfter: cfg.Restart.ResetAfter,
		WorkerEnv:  cfg.WorkerEnv,
		Logger:     logger,
	}, nil
}

// child is a registered cluster connected to this Server.
type child struct {
	uid     int
	conn    *ipc.Conn
	rng     shard.Range
	health  string
	session string
}

// shutdownRequest ends the Brain loop when the Brain sends SHUTDOWN.
type shutdownRequest struct {
	reason string
	grace  time.Duration
}

func (s *shutdownRequest) Error() string { return "shutdown requested: " + s.reason }

// Server is the middle tier. It supervises the cluster processes the Brain
// asks for, relays their registrations to the Brain, folds their
// heartbeats into its own and fans STATUS requests out to them.
type Server struct {
	opts    Options
	logger  *zap.Logger
	uplink  *node.Uplink
	sup     *supervisor.Supervisor
	monitor *health.Monitor

	inflight sync.WaitGroup

	mu         sync.Mutex
	listenAddr string
	children   map[int]*child
	total      int
}

// New creates a Server. Run starts it.
func New(opts Options) *Server {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 3 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 5 * time.Second
	}

	logger := logging.OrNop(opts.Logger).Named("server")
	s := &Server{
		opts:     opts,
		logger:   logger,
		children: make(map[int]*child),
	}
	s.uplink = node.NewUplink(node.UplinkConfig{
		Addr:             opts.BrainAddr,
		Role:             cluster.RoleServer,
		Credential:       opts.Credential,
		KeepAlive:        opts.KeepAlive,
		HandshakeTimeout: opts.HandshakeTimeout,
		RegisterTimeout:  opts.RegisterTimeout,
		Reconnect:        opts.Reconnect,
		Grace:            opts.Grace,
		Heartbeat:        s.heartbeat,
		Logger:           opts.Logger,
	})
	s.sup = supervisor.New(supervisor.Options{
		Launcher:   opts.Launcher,
		Restart:    opts.Restart,
		ResetAfter: opts.ResetAfter,
		OnDegraded: s.reportDegraded,
		Logger:     opts.Logger,
	})

	// Without keep-alive there are no heartbeats to count and the monitor
	// is never run.
	s.monitor = health.NewMonitor(opts.KeepAlive.Interval, opts.KeepAlive.Misses, opts.Logger)
	s.monitor.SetOnDead(s.childDead)
	return s
}

// Identity returns the identity granted by the Brain.
func (s *Server) Identity() cluster.NodeIdentity { return s.uplink.Identity() }

// State returns the life cycle state.
func (s *Server) State() node.State { return s.uplink.Lifecycle().State() }

// ListenAddr is the address clusters dial. It is set once Run is listening.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Run listens for clusters, registers with the Brain and serves until the
// Brain sends SHUTDOWN, the Brain is lost past the grace window, or ctx
// ends.
//
// Three goroutines run under one errgroup: the cluster listener, the
// heartbeat monitor for clusters (only with keep-alive) and the uplink to
// the Brain. The uplink reconnects with backoff after a drop and
// re-registers with its previous uid, so clusters keep running while the
// Brain is away. When any of them ends, the others are canceled.
//
// Parameters:
//   - ctx: Cancel to drain the Server as if the Brain had sent SHUTDOWN
//
// Returns:
//   - nil after SHUTDOWN or cancellation
//   - an error wrapping node.ErrParentLost when the Brain stayed away past
//     the grace window
//   - an AuthError when the Brain rejects the token; it is not retried
//   - the listener error when the cluster address cannot be bound
//
// Every supervised worker is stopped, each within DrainTimeout, and every
// in-flight request handler has returned before Run does. Run may be
// called once.
//
// Example:
//
//	srv := server.New(opts)
//	if err := srv.Run(ctx); err != nil {
//	    logger.Error("server stopped", zap.Error(err))
//	}
func (s *Server) Run(ctx context.Context) error {
	ln, err := ipc.Listen(s.opts.ListenAddr, ipc.ListenOptions{
		Role:             cluster.RoleServer,
		Token:            s.opts.Credential.Token,
		TLS:              s.opts.ListenTLS,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		KeepAlive:        s.opts.KeepAlive,
		Logger:           s.opts.Logger,
	})
	if err != nil {
		s.sup.Close(s.opts.DrainTimeout)
		return err
	}
	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("accepting clusters", zap.String("addr", s.ListenAddr()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ln.Serve(gctx, s.handleCluster)
	})
	if s.opts.KeepAlive.Interval > 0 {
		g.Go(func() error {
			s.monitor.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return s.runUplink(gctx)
	})

	err = g.Wait()
	s.inflight.Wait()
	s.sup.Close(s.opts.DrainTimeout)
	s.uplink.Close()
	return err
}

func (s *Server) runUplink(ctx context.Context) error {
	for {
		conn, reg, err := s.uplink.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = s.uplink.Drain()
				return nil
			}
			s.logger.Error("giving up on brain", zap.Error(err))
			return err
		}
		s.mu.Lock()
		s.total = reg.TotalShards
		s.mu.Unlock()
		s.logger.Info("planned ranges", zap.Int("uid", reg.Identity.UID), zap.Any("ranges", reg.Ranges))

		err = s.serveBrain(ctx, conn)

		var shutdown *shutdownRequest
		switch {
		case errors.As(err, &shutdown):
			s.logger.Info("draining", zap.String("reason", shutdown.reason))
			_ = s.uplink.Drain()
			grace := shutdown.grace
			if grace <= 0 {
				grace = s.opts.DrainTimeout
			}
			s.drainChildren(grace, shutdown.reason)
			return nil
		case ctx.Err() != nil:
			_ = s.uplink.Drain()
			return nil
		}

		s.logger.Warn("lost brain, reconnecting", zap.Error(err))
		s.uplink.Dropped()
	}
}

func (s *Server) serveBrain(ctx context.Context, conn *ipc.Conn) error {
	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		switch m.Type {
		case ipc.TypeHeartbeat:

		case ipc.TypeRegistered:
			var reg ipc.Registered
			if err := m.Decode(&reg); err == nil {
				s.uplink.ApplyRegistered(reg)
			}

		case ipc.TypeSpawn:
			s.handleSpawn(conn, m)

		case ipc.TypeStop:
			s.async(func() { s.handleStop(ctx, conn, m) })

		case ipc.TypeReassign:
			s.async(func() { s.handleReassign(ctx, conn, m) })

		case ipc.TypeStatusRequest:
			s.async(func() { s.handleStatus(ctx, conn, m) })

		case ipc.TypeShutdown:
			var req ipc.Shutdown
			_ = m.Decode(&req)
			_ = conn.Reply(m, ipc.TypeAck, ipc.Ack{})
			return &shutdownRequest{reason: req.Reason, grace: req.Grace}

		default:
			s.logger.Warn("dropping unexpected message", zap.String("type", string(m.Type)))
			_ = conn.Unsupported(m)
		}
	}
}

func (s *Server) async(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

func ack(conn *ipc.Conn, m ipc.Message, err error) {
	var a ipc.Ack
	if err != nil {
		a.Error = err.Error()
	}
	_ = conn.Reply(m, ipc.TypeAck, a)
}

func (s *Server) workerSpec(r shard.Range, total, prevUID int, session string) supervisor.Spec {
	spec := supervisor.Spec{Range: r}
	if s.opts.WorkerEnv != nil {
		spec.Env = s.opts.WorkerEnv(config.WorkerConfig{
			ParentAddr:  s.ListenAddr(),
			ShardStart:  r.Start,
			ShardStop:   r.Stop,
			TotalShards: total,
			ServerUID:   s.uplink.Identity().UID,
			PrevUID:     prevUID,
			Session:     session,
		})
	}
	return spec
}

// handleSpawn launches a worker for the requested range. Spawning a range
// that is already running is acknowledged without a second launch.
func (s *Server) handleSpawn(conn *ipc.Conn, m ipc.Message) {
	var req ipc.Spawn
	if err := m.Decode(&req); err != nil {
		ack(conn, m, err)
		return
	}
	if h, ok := s.sup.Lookup(req.Range); ok {
		if h.State().Active() {
			ack(conn, m, nil)
			return
		}
		s.sup.Forget(req.Range)
	}

	s.mu.Lock()
	if req.TotalShards > 0 {
		s.total = req.TotalShards
	}
	total := s.total
	s.mu.Unlock()

	_, err := s.sup.Start(s.workerSpec(req.Range, total, 0, ""))
	if err != nil {
		s.logger.Error("spawn failed", zap.Stringer("range", req.Range), zap.Error(err))
	} else {
		s.logger.Info("spawned worker", zap.Stringer("range", req.Range))
	}
	ack(conn, m, err)
}

// handleStop asks the cluster owning the range to drain, then stops its
// process. Stopping a range that is not running succeeds.
func (s *Server) handleStop(ctx context.Context, conn *ipc.Conn, m ipc.Message) {
	var req ipc.Stop
	if err := m.Decode(&req); err != nil {
		ack(conn, m, err)
		return
	}

	if c := s.childByRange(req.Range); c != nil {
		sctx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
		_, err := c.conn.RequestPayload(sctx, ipc.TypeShutdown, ipc.Shutdown{Reason: req.Reason, Grace: s.opts.DrainTimeout})
		cancel()
		if err != nil {
			s.logger.Debug("cluster did not acknowledge shutdown", zap.Int("uid", c.uid), zap.Error(err))
		}
	}

	var err error
	if h, ok := s.sup.Lookup(req.Range); ok {
		_, err = s.sup.Stop(h, s.opts.DrainTimeout)
		s.sup.Forget(req.Range)
	}
	s.logger.Info("stopped worker", zap.Stringer("range", req.Range), zap.String("reason", req.Reason))
	ack(conn, m, err)
}

// handleReassign forwards a REASSIGN to the addressed cluster and relays
// its answer. On success the worker's restart spec follows the new range.
func (s *Server) handleReassign(ctx context.Context, conn *ipc.Conn, m ipc.Message) {
	var req ipc.Reassign
	if err := m.Decode(&req); err != nil {
		ack(conn, m, err)
		return
	}
	c := s.child(req.ClusterUID)
	if c == nil {
		ack(conn, m, fmt.Errorf("cluster %d is not connected", req.ClusterUID))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
	defer cancel()
	reply, err := c.conn.RequestPayload(rctx, ipc.TypeReassign, req)
	if err != nil {
		ack(conn, m, err)
		return
	}
	var a ipc.Ack
	if err := reply.Decode(&a); err != nil {
		ack(conn, m, err)
		return
	}
	if a.Err() != nil {
		ack(conn, m, a.Err())
		return
	}

	s.mu.Lock()
	old := c.rng
	c.rng = req.Range
	total := s.total
	s.mu.Unlock()

	if err := s.sup.Rekey(old, s.workerSpec(req.Range, total, c.uid, c.session)); err != nil {
		s.logger.Warn("reassigned cluster has no supervised process", zap.Int("uid", c.uid), zap.Error(err))
	}
	s.logger.Info("reassigned cluster", zap.Int("uid", c.uid), zap.Stringer("from", old), zap.Stringer("to", req.Range))
	ack(conn, m, nil)
}

// handleStatus collects STATUS replies from every connected cluster within
// the requested timeout. Clusters that do not answer in time are listed as
// unreachable instead of holding up the reply.
func (s *Server) handleStatus(ctx context.Context, conn *ipc.Conn, m ipc.Message) {
	var req ipc.StatusRequest
	_ = m.Decode(&req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.opts.StatusTimeout
	}
	_ = conn.Reply(m, ipc.TypeStatusReply, s.Status(ctx, timeout))
}

// Status returns this Server's snapshot with its clusters' replies nested.
func (s *Server) Status(ctx context.Context, timeout time.Duration) ipc.StatusReply {
	children := s.childList()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make([]ipc.StatusReply, len(children))
	answered := make([]bool, len(children))
	g, gctx := errgroup.WithContext(tctx)
	for i, c := range children {
		g.Go(func() error {
			reply, err := c.conn.RequestPayload(gctx, ipc.TypeStatusRequest, ipc.StatusRequest{})
			if err != nil {
				s.logger.Debug("cluster status failed", zap.Int("uid", c.uid), zap.Error(err))
				return nil
			}
			if err := reply.Decode(&replies[i]); err != nil {
				return nil
			}
			answered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	status := ipc.StatusReply{
		Identity: s.uplink.Identity(),
		State:    string(s.State()),
		Health:   s.health(),
	}
	for i, c := range children {
		status.Ranges = append(status.Ranges, c.rng)
		if answered[i] {
			status.Children = append(status.Children, replies[i])
			continue
		}
		status.Unreachable = append(status.Unreachable, c.uid)
		if rec, ok := s.monitor.Get(c.uid); ok {
			s.logger.Debug("cluster did not answer status",
				zap.Int("uid", c.uid),
				zap.Time("last_seen", rec.LastSeen),
				zap.Int("misses", rec.ConsecutiveMisses))
		}
	}
	return status
}

func (s *Server) drainChildren(grace time.Duration, reason string) {
	children := s.childList()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			_, err := c.conn.RequestPayload(ctx, ipc.TypeShutdown, ipc.Shutdown{Reason: reason, Grace: grace})
			if err != nil {
				s.logger.Debug("cluster did not acknowledge shutdown", zap.Int("uid", c.uid), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	s.sup.Close(grace)
}

// handleCluster serves one cluster connection: it relays the cluster's
// REGISTER to the Brain and records its heartbeats.
func (s *Server) handleCluster(ctx context.Context, c *ipc.Conn, hello ipc.Hello) {
	uid := 0
	defer func() {
		if uid != 0 {
			s.removeChild(uid, c)
		}
	}()

	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return
		}

		switch m.Type {
		case ipc.TypeRegister:
			if uid != 0 {
				ack(c, m, fmt.Errorf("already registered as %d", uid))
				continue
			}
			uid = s.relayRegister(ctx, c, m)

		case ipc.TypeHeartbeat:
			var hb ipc.Heartbeat
			if err := m.Decode(&hb); err != nil || uid == 0 || hb.UID != uid {
				continue
			}
			if s.monitor.Beat(uid) {
				s.mu.Lock()
				if ch, ok := s.children[uid]; ok && hb.Health != "" {
					ch.health = hb.Health
				}
				s.mu.Unlock()
			}

		default:
			s.logger.Warn("dropping unexpected cluster message",
				zap.String("type", string(m.Type)),
				zap.Int("uid", uid))
			_ = c.Unsupported(m)
		}
	}
}

// relayRegister forwards a cluster's REGISTER to the Brain, which is the
// only uid issuer, and hands the answer back unchanged. It returns the
// granted uid, or 0.
func (s *Server) relayRegister(ctx context.Context, c *ipc.Conn, m ipc.Message) int {
	var reg ipc.Register
	if err := m.Decode(&reg); err != nil {
		ack(c, m, err)
		return 0
	}

	brain := s.uplink.Conn()
	if brain == nil || !s.uplink.Lifecycle().Is(node.StateActive) {
		ack(c, m, fmt.Errorf("server is not registered with the brain"))
		return 0
	}
	reg.Role = cluster.RoleCluster
	reg.ServerUID = s.uplink.Identity().UID

	rctx, cancel := context.WithTimeout(ctx, s.opts.RegisterTimeout)
	defer cancel()
	reply, err := brain.RequestPayload(rctx, ipc.TypeRegister, reg)
	if err != nil {
		ack(c, m, err)
		return 0
	}
	var granted ipc.Registered
	if reply.Type == ipc.TypeRegistered {
		_ = reply.Decode(&granted)
	}
	if granted.Identity.UID == 0 {
		_ = c.Reply(m, reply.Type, json.RawMessage(reply.Payload))
		return 0
	}
	r := granted.Range
	if r.IsZero() {
		r = reg.Range
	}

	s.monitor.Track(granted.Identity.UID)
	s.mu.Lock()
	s.children[granted.Identity.UID] = &child{
		uid:     granted.Identity.UID,
		conn:    c,
		rng:     r,
		session: reg.Session,
	}
	if granted.TotalShards > 0 {
		s.total = granted.TotalShards
	}
	total := s.total
	s.mu.Unlock()

	// The child is recorded before the cluster sees its identity, so the
	// next heartbeat to the Brain already lists it.
	if err := c.Reply(m, reply.Type, json.RawMessage(reply.Payload)); err != nil {
		return granted.Identity.UID
	}

	// A restart of this worker re-registers under the same uid and session.
	if _, ok := s.sup.Lookup(r); ok {
		if err := s.sup.Rekey(r, s.workerSpec(r, total, granted.Identity.UID, reg.Session)); err != nil {
			s.logger.Warn("could not update worker spec", zap.Stringer("range", r), zap.Error(err))
		}
	}
	s.logger.Info("cluster registered",
		zap.Stringer("identity", granted.Identity),
		zap.Stringer("range", r),
		zap.Bool("readmitted", granted.Readmitted))
	return granted.Identity.UID
}

func (s *Server) removeChild(uid int, c *ipc.Conn) {
	s.mu.Lock()
	if ch, ok := s.children[uid]; ok && ch.conn == c {
		delete(s.children, uid)
	}
	s.mu.Unlock()
	s.monitor.Forget(uid)
	s.logger.Info("cluster disconnected", zap.Int("uid", uid))
}

// childDead closes the connection of a cluster that stopped heartbeating.
// Its handler then removes it and the next heartbeat tells the Brain.
func (s *Server) childDead(uid int) {
	metrics.HeartbeatMisses.WithLabelValues(string(cluster.RoleCluster)).Inc()
	if c := s.child(uid); c != nil {
		_ = c.conn.Close()
	}
}

func (s *Server) child(uid int) *child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[uid]
}

func (s *Server) childByRange(r shard.Range) *child {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.rng == r {
			return c
		}
	}
	return nil
}

// childList returns copies of the connected clusters in shard order.
func (s *Server) childList() []child {
	s.mu.Lock()
	out := make([]child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, *c)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b child) int { return shard.Compare(a.rng, b.rng) })
	return out
}

func (s *Server) health() string {
	for _, info := range s.sup.Handles() {
		if info.State == supervisor.StateDegraded {
			return HealthDegraded
		}
	}
	return HealthOK
}

// heartbeat is the payload of this Server's keep-alive: its clusters as it
// sees them and the state of every supervised process.
func (s *Server) heartbeat() any {
	hb := ipc.Heartbeat{UID: s.uplink.Identity().UID, Health: s.health()}
	for _, c := range s.childList() {
		if !s.monitor.IsAlive(c.uid) {
			continue
		}
		hb.Clusters = append(hb.Clusters, ipc.ClusterState{UID: c.uid, Range: c.rng, Health: c.health})
	}
	for _, info := range s.sup.Handles() {
		hb.Processes = append(hb.Processes, ipc.ProcessState{
			Range:    info.Range,
			State:    string(info.State),
			PID:      info.PID,
			Restarts: info.Restarts,
		})
	}
	return hb
}

// reportDegraded tells the Brain that a range exceeded its restart ceiling.
func (s *Server) reportDegraded(info supervisor.Info) {
	conn := s.uplink.Conn()
	if conn == nil {
		s.logger.Warn("degraded range not reported, brain unreachable", zap.Stringer("range", info.Range))
		return
	}
	err := conn.SendPayload(ipc.TypeDegraded, ipc.Degraded{
		Range:    info.Range,
		Restarts: info.Restarts,
		Reason:   fmt.Sprintf("exit code %d", info.LastExit),
	})
	if err != nil {
		s.logger.Warn("degraded range not reported", zap.Stringer("range", info.Range), zap.Error(err))
	}
}
