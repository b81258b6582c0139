package coordinator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tessera/internal/allocator"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/health"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/shard"
)

// Health values of the Brain's own status.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// ErrStopped is returned by calls made after the Brain stopped running.
var ErrStopped = errors.New("brain stopped")

var errDraining = errors.New("brain is draining")

// Options configure a Brain.
type Options struct {
	ListenAddr string
	Token      string
	TLS        *tls.Config
	Targets    cluster.Targets

	KeepAlive         ipc.KeepAlive
	HandshakeTimeout  time.Duration
	StatusTimeout     time.Duration
	ReconcileInterval time.Duration
	SpawnTimeout      time.Duration
	Grace             time.Duration
	DrainTimeout      time.Duration

	Logger *zap.Logger
}

// OptionsFromConfig builds Options from a loaded Brain configuration.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) (Options, error) {
	tlsCfg, err := cfg.ListenerTLS()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ListenAddr:        cfg.Addr(),
		Token:             cfg.Token,
		TLS:               tlsCfg,
		Targets:           cfg.Targets(),
		KeepAlive:         cfg.KeepAlive(),
		HandshakeTimeout:  cfg.Timing.HandshakeTimeout,
		StatusTimeout:     cfg.Timing.StatusTimeout,
		ReconcileInterval: cfg.Timing.ReconcileInterval,
		SpawnTimeout:      cfg.Timing.SpawnTimeout,
		Grace:             cfg.Timing.Grace,
		DrainTimeout:      cfg.Timing.DrainTimeout,
		Logger:            logger,
	}, nil
}

// actionKey identifies an outstanding action: spawns by range, stops and
// reassignments by cluster.
type actionKey struct {
	cluster int
	rng     shard.Range
}

func keyOf(a Action) actionKey {
	if a.Kind == ActionSpawn {
		return actionKey{rng: a.Range}
	}
	return actionKey{cluster: a.Cluster}
}

// Brain is the root of the tree. It accepts Servers, issues every uid,
// owns the plan and reconciles the running clusters toward it.
//
// All Topology access happens on one actor goroutine. Connection handlers
// and API calls hand it closures through the events channel; slow work
// such as sending SPAWN and waiting for the ACK runs on its own goroutine
// and posts the outcome back.
type Brain struct {
	opts    Options
	logger  *zap.Logger
	monitor *health.Monitor

	events  chan func()
	ready   chan struct{}
	stopped chan struct{}
	actions sync.WaitGroup

	mu     sync.Mutex
	addr   string
	cancel context.CancelFunc
	runCtx context.Context

	// owned by the actor goroutine
	topo           *Topology
	conns          map[int]*ipc.Conn
	inflight       map[actionKey]bool
	waitingFor     *shard.Range
	waitingSince   time.Time
	draining       bool
	lastUnassigned []shard.Range
}

// New creates a Brain for the declared targets. Run starts it.
func New(opts Options) *Brain {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 3 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Second
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}

	b := &Brain{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("brain"),
		events:   make(chan func()),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		topo:     NewTopology(opts.Targets),
		conns:    make(map[int]*ipc.Conn),
		inflight: make(map[actionKey]bool),
	}
	b.monitor = health.NewMonitor(opts.KeepAlive.Interval, opts.KeepAlive.Misses, opts.Logger)
	b.monitor.SetOnDead(b.serverSilent)
	return b
}

// Ready is closed once Run is accepting servers.
func (b *Brain) Ready() <-chan struct{} { return b.ready }

// Addr is the address Servers dial. It is set once Run is listening.
func (b *Brain) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Run accepts Servers and reconciles until ctx ends or Shutdown completes.
func (b *Brain) Run(ctx context.Context) error {
	ln, err := ipc.Listen(b.opts.ListenAddr, ipc.ListenOptions{
		Role:             cluster.RoleBrain,
		Token:            b.opts.Token,
		TLS:              b.opts.TLS,
		HandshakeTimeout: b.opts.HandshakeTimeout,
		KeepAlive:        b.opts.KeepAlive,
		Logger:           b.opts.Logger,
	})
	if err != nil {
		close(b.stopped)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.addr = ln.Addr().String()
	b.cancel = cancel
	b.runCtx = ctx
	b.mu.Unlock()
	close(b.ready)

	b.logger.Info("accepting servers",
		zap.String("addr", b.Addr()),
		zap.Int("total_servers", b.opts.Targets.TotalServers),
		zap.Int("clusters_per_server", b.opts.Targets.ClustersPerServer),
		zap.Int("shards_per_cluster", b.opts.Targets.ShardsPerCluster),
		zap.Int("total_shards", b.opts.Targets.TotalShards()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.loop(gctx)
		return nil
	})
	g.Go(func() error {
		return ln.Serve(gctx, b.handleServer)
	})
	if b.opts.KeepAlive.Interval > 0 {
		g.Go(func() error {
			b.monitor.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	b.actions.Wait()
	return err
}

func (b *Brain) loop(ctx context.Context) {
	defer close(b.stopped)

	ticker := time.NewTicker(b.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-b.events:
			fn()
		case now := <-ticker.C:
			b.reconcile(now)
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (b *Brain) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.events <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// post hands fn to the actor without waiting for it to run.
func (b *Brain) post(fn func()) {
	select {
	case b.events <- fn:
	case <-b.stopped:
	}
}

// handleServer owns one Server connection. Cluster registrations relayed
// by the Server arrive on the same connection.
func (b *Brain) handleServer(ctx context.Context, c *ipc.Conn, hello ipc.Hello) {
	uid := 0
	defer func() {
		if uid != 0 {
			b.post(func() { b.serverGone(uid, c) })
		}
	}()

	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return
		}

		switch m.Type {
		case ipc.TypeRegister:
			var reg ipc.Register
			if err := m.Decode(&reg); err != nil {
				ack(c, m, err)
				continue
			}
			switch reg.Role {
			case cluster.RoleCluster:
				if uid == 0 {
					ack(c, m, fmt.Errorf("server is not registered"))
					continue
				}
				b.registerCluster(ctx, c, m, reg, uid)
			default:
				if uid != 0 {
					ack(c, m, fmt.Errorf("already registered as %d", uid))
					continue
				}
				uid = b.registerServer(ctx, c, m, reg)
			}

		case ipc.TypeHeartbeat:
			var hb ipc.Heartbeat
			if err := m.Decode(&hb); err != nil || uid == 0 || hb.UID != uid {
				b.logger.Debug("dropping heartbeat", zap.Int("uid", hb.UID), zap.Int("registered", uid))
				continue
			}
			b.monitor.Beat(uid)
			now := time.Now()
			b.post(func() { b.topo.ServerHeartbeat(hb, now) })

		case ipc.TypeDegraded:
			var d ipc.Degraded
			if err := m.Decode(&d); err != nil || uid == 0 {
				continue
			}
			b.logger.Warn("range degraded",
				zap.Int("server", uid),
				zap.Stringer("range", d.Range),
				zap.Int("restarts", d.Restarts),
				zap.String("reason", d.Reason))
			b.post(func() {
				b.topo.MarkDegraded(d.Range)
				if b.waitingFor != nil && *b.waitingFor == d.Range {
					b.waitingFor = nil
				}
				b.updateMetrics()
			})

		default:
			b.logger.Warn("dropping unexpected message",
				zap.String("type", string(m.Type)),
				zap.Int("uid", uid))
			_ = c.Unsupported(m)
		}
	}
}

func ack(c *ipc.Conn, m ipc.Message, err error) {
	var a ipc.Ack
	if err != nil {
		a.Error = err.Error()
	}
	_ = c.Reply(m, ipc.TypeAck, a)
}

// registerServer admits a Server and grants it its planned ranges. It
// returns the granted uid, or 0.
func (b *Brain) registerServer(ctx context.Context, c *ipc.Conn, m ipc.Message, reg ipc.Register) int {
	var (
		grant ipc.Registered
		prev  *ipc.Conn
		moves    []allocator.Move
		conflict error
		err      error
	)
	derr := b.do(ctx, func() {
		if b.draining {
			err = errDraining
			return
		}
		before := b.topo.Plan()
		rec, readmitted := b.topo.AdmitServer(reg.PrevUID, reg.Session)
		moves = allocator.Diff(before, b.topo.Plan())
		conflict = b.topo.Conflict()
		prev = b.conns[rec.UID]
		b.conns[rec.UID] = c
		grant = ipc.Registered{
			Identity:    cluster.NodeIdentity{Role: cluster.RoleServer, UID: rec.UID},
			Ranges:      b.topo.Plan().ForServer(rec.UID),
			TotalShards: b.topo.TotalShards(),
			Readmitted:  readmitted,
		}
		b.updateMetrics()
	})
	if derr != nil {
		return 0
	}
	if err != nil {
		metrics.Registrations.WithLabelValues(string(cluster.RoleServer), "rejected").Inc()
		ack(c, m, err)
		return 0
	}

	uid := grant.Identity.UID
	if prev != nil && prev != c {
		_ = prev.Close()
	}
	b.monitor.Track(uid)
	metrics.Registrations.WithLabelValues(string(cluster.RoleServer), result(grant.Readmitted)).Inc()

	if err := c.Reply(m, ipc.TypeRegistered, grant); err != nil {
		return uid
	}
	b.logger.Info("server registered",
		zap.Int("uid", uid),
		zap.String("remote", c.RemoteAddr()),
		zap.Bool("readmitted", grant.Readmitted),
		zap.Any("ranges", grant.Ranges))
	b.logMoves(moves)
	if conflict != nil {
		b.logConflict(conflict)
	}
	return uid
}

func (b *Brain) logConflict(err error) {
	b.logger.Error("allocation plan rejected, holding the last valid plan", zap.Error(err))
}

func (b *Brain) logMoves(moves []allocator.Move) {
	for _, mv := range moves {
		b.logger.Info("range owner changed",
			zap.Stringer("range", mv.Range),
			zap.Int("from", mv.From),
			zap.Int("to", mv.To))
	}
}

// registerCluster admits a Cluster relayed by serverUID. A registration
// that would put two clusters on one range is refused.
func (b *Brain) registerCluster(ctx context.Context, c *ipc.Conn, m ipc.Message, reg ipc.Register, serverUID int) {
	reg.ServerUID = serverUID

	var (
		grant ipc.Registered
		err   error
	)
	derr := b.do(ctx, func() {
		if b.draining {
			err = errDraining
			return
		}
		rec, readmitted, aerr := b.topo.AdmitCluster(reg, serverUID)
		if aerr != nil {
			err = aerr
			return
		}
		if b.waitingFor != nil && *b.waitingFor == rec.Range {
			b.waitingFor = nil
		}
		grant = ipc.Registered{
			Identity:    cluster.NodeIdentity{Role: cluster.RoleCluster, UID: rec.UID, ParentUID: serverUID},
			Range:       rec.Range,
			TotalShards: b.topo.TotalShards(),
			Readmitted:  readmitted,
		}
		b.updateMetrics()
	})
	if derr != nil {
		return
	}
	if err != nil {
		if errors.Is(err, cluster.ErrAllocationConflict) {
			metrics.AllocationConflicts.Inc()
			b.logger.Error("cluster registration conflicts with ownership",
				zap.Int("server", serverUID),
				zap.Int("prev_uid", reg.PrevUID),
				zap.Stringer("range", reg.Range),
				zap.Error(err))
		} else {
			b.logger.Warn("cluster registration refused", zap.Int("server", serverUID), zap.Error(err))
		}
		metrics.Registrations.WithLabelValues(string(cluster.RoleCluster), "rejected").Inc()
		ack(c, m, err)
		return
	}

	metrics.Registrations.WithLabelValues(string(cluster.RoleCluster), result(grant.Readmitted)).Inc()
	_ = c.Reply(m, ipc.TypeRegistered, grant)
	b.logger.Info("cluster registered",
		zap.Stringer("identity", grant.Identity),
		zap.Stringer("range", grant.Range),
		zap.Int("cluster_id", grant.Range.ClusterID(b.opts.Targets.ShardsPerCluster)),
		zap.Bool("readmitted", grant.Readmitted))
}

func result(readmitted bool) string {
	if readmitted {
		return "readmitted"
	}
	return "granted"
}

// serverGone starts the grace window of a Server whose connection closed.
// A connection replaced by a newer registration is ignored.
func (b *Brain) serverGone(uid int, c *ipc.Conn) {
	if b.conns[uid] != c {
		return
	}
	delete(b.conns, uid)
	b.monitor.Forget(uid)
	b.topo.ServerDisconnected(uid, time.Now())
	b.logger.Warn("server disconnected",
		zap.Int("uid", uid),
		zap.Duration("grace", b.opts.Grace),
		zap.Error(c.Err()))
	b.updateMetrics()
}

// serverSilent closes the connection of a Server that stopped sending
// heartbeats. Its handler then starts the grace window.
func (b *Brain) serverSilent(uid int) {
	metrics.HeartbeatMisses.WithLabelValues(string(cluster.RoleServer)).Inc()
	b.post(func() {
		if c := b.conns[uid]; c != nil {
			_ = c.Close()
		}
	})
}

// reconcile runs on every tick: it expires grace windows, then sends the
// actions that move the running clusters toward the plan. Spawns go out
// one at a time; the next waits until the previous range is bound or the
// spawn timeout passes.
func (b *Brain) reconcile(now time.Time) {
	if b.draining {
		return
	}

	before := b.topo.Plan()
	servers, clusters := b.topo.Expire(now, b.opts.Grace)
	for _, uid := range servers {
		b.monitor.Forget(uid)
		b.logger.Warn("server grace expired, reclaiming its ranges", zap.Int("uid", uid))
	}
	if len(servers) > 0 {
		b.logMoves(allocator.Diff(before, b.topo.Plan()))
		if err := b.topo.Conflict(); err != nil {
			b.logConflict(err)
		}
	}
	for _, uid := range clusters {
		b.logger.Info("cluster grace expired", zap.Int("uid", uid))
	}

	if b.waitingFor != nil && now.Sub(b.waitingSince) > b.opts.SpawnTimeout {
		b.logger.Warn("spawned cluster never registered",
			zap.Stringer("range", *b.waitingFor),
			zap.Duration("timeout", b.opts.SpawnTimeout))
		b.waitingFor = nil
	}

	for _, a := range b.topo.Actions() {
		key := keyOf(a)
		if b.inflight[key] {
			continue
		}
		conn := b.conns[a.Server]
		if conn == nil {
			continue
		}
		if a.Kind == ActionSpawn {
			if b.waitingFor != nil || b.topo.hasActiveProcess(a.Server, a.Range) {
				continue
			}
			r := a.Range
			b.waitingFor = &r
			b.waitingSince = now
		}
		b.inflight[key] = true
		b.execute(conn, a)
	}

	unassigned := b.topo.Plan().Unassigned()
	if !slices.Equal(unassigned, b.lastUnassigned) {
		if len(unassigned) > 0 {
			b.logger.Warn("ranges without an owner, waiting for servers",
				zap.Int("count", len(unassigned)),
				zap.Any("ranges", unassigned))
		} else {
			b.logger.Info("every range has an owner")
		}
		b.lastUnassigned = unassigned
	}
	b.updateMetrics()
}

// execute sends one action to its Server on a separate goroutine and posts
// the outcome back to the actor.
func (b *Brain) execute(conn *ipc.Conn, a Action) {
	b.mu.Lock()
	ctx := b.runCtx
	b.mu.Unlock()

	b.actions.Add(1)
	go func() {
		defer b.actions.Done()

		timeout := b.opts.StatusTimeout
		var (
			t       ipc.Type
			payload any
		)
		switch a.Kind {
		case ActionSpawn:
			t, payload = ipc.TypeSpawn, ipc.Spawn{Range: a.Range, TotalShards: b.opts.Targets.TotalShards()}
		case ActionStop:
			t, payload = ipc.TypeStop, ipc.Stop{Range: a.Range, Reason: "range moved"}
			timeout += b.opts.DrainTimeout + b.opts.StatusTimeout
		case ActionReassign:
			t, payload = ipc.TypeReassign, ipc.Reassign{ClusterUID: a.Cluster, Range: a.Range}
			timeout += b.opts.StatusTimeout
		}

		actx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := conn.RequestPayload(actx, t, payload)
		cancel()
		if err == nil {
			var ackMsg ipc.Ack
			if err = reply.Decode(&ackMsg); err == nil {
				err = ackMsg.Err()
			}
		}
		b.post(func() { b.finished(a, err) })
	}()

	b.logger.Info("sending action",
		zap.String("kind", string(a.Kind)),
		zap.Int("server", a.Server),
		zap.Int("cluster", a.Cluster),
		zap.Stringer("range", a.Range))
}

func (b *Brain) finished(a Action, err error) {
	delete(b.inflight, keyOf(a))
	if err != nil {
		level := zap.WarnLevel
		if !cluster.IsRetryable(err) {
			level = zap.ErrorLevel
		}
		b.logger.Log(level, "action failed",
			zap.String("kind", string(a.Kind)),
			zap.Int("server", a.Server),
			zap.Stringer("range", a.Range),
			zap.Error(err))
		if a.Kind == ActionSpawn && b.waitingFor != nil && *b.waitingFor == a.Range {
			b.waitingFor = nil
		}
		return
	}

	switch a.Kind {
	case ActionStop:
		b.topo.RemoveCluster(a.Cluster)
	case ActionReassign:
		b.topo.MoveCluster(a.Cluster, a.Range)
	}
	b.updateMetrics()
}

func (b *Brain) updateMetrics() {
	servers, clusters, ranges := b.topo.Counts()
	metrics.ServersRegistered.Set(float64(servers))
	metrics.ClustersRegistered.Set(float64(clusters))
	for state, n := range ranges {
		metrics.Ranges.WithLabelValues(string(state)).Set(float64(n))
	}
}

// Topology returns a snapshot of the registry.
func (b *Brain) Topology(ctx context.Context) (View, error) {
	var v View
	err := b.do(ctx, func() {
		v = b.topo.Snapshot()
		if b.waitingFor != nil {
			r := *b.waitingFor
			v.WaitingFor = &r
		}
	})
	return v, err
}

// Status asks every connected Server for a live snapshot and nests the
// replies under the Brain's own. Servers that do not answer within timeout
// are listed as unreachable.
func (b *Brain) Status(ctx context.Context, timeout time.Duration) (ipc.StatusReply, error) {
	if timeout <= 0 {
		timeout = b.opts.StatusTimeout
	}

	type peer struct {
		uid  int
		conn *ipc.Conn
	}
	var (
		peers    []peer
		status   ipc.StatusReply
		degraded bool
	)
	err := b.do(ctx, func() {
		for uid, c := range b.conns {
			peers = append(peers, peer{uid, c})
		}
		state := node.StateActive
		if b.draining {
			state = node.StateDraining
		}
		status = ipc.StatusReply{
			Identity: cluster.NodeIdentity{Role: cluster.RoleBrain},
			State:    string(state),
			Ranges:   b.topo.Plan().Assigned(),
		}
		for _, r := range b.topo.Ranges() {
			if r.State != shard.StateAssigned {
				degraded = true
			}
		}
	})
	if err != nil {
		return ipc.StatusReply{}, err
	}
	slices.SortFunc(peers, func(x, y peer) int { return x.uid - y.uid })

	status.Health = HealthOK
	if degraded {
		status.Health = HealthDegraded
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Servers get a shorter budget so their partial answers arrive in time.
	inner := timeout - timeout/4
	replies := make([]ipc.StatusReply, len(peers))
	answered := make([]bool, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			reply, err := p.conn.RequestPayload(tctx, ipc.TypeStatusRequest, ipc.StatusRequest{Timeout: inner})
			if err != nil {
				b.logger.Debug("server status failed", zap.Int("uid", p.uid), zap.Error(err))
				return nil
			}
			if reply.Decode(&replies[i]) == nil {
				answered[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range peers {
		if answered[i] {
			status.Children = append(status.Children, replies[i])
		} else {
			status.Unreachable = append(status.Unreachable, p.uid)
		}
	}
	return status, nil
}

// Rebalance clears every degraded range and reconciles at once. It returns
// the ranges that were cleared.
func (b *Brain) Rebalance(ctx context.Context) ([]shard.Range, error) {
	var cleared []shard.Range
	err := b.do(ctx, func() {
		cleared = b.topo.ClearDegraded()
		if len(cleared) > 0 {
			b.logger.Info("cleared degraded ranges", zap.Any("ranges", cleared))
		}
		b.reconcile(time.Now())
	})
	return cleared, err
}

// Shutdown drains the tree: no new registrations are accepted, every
// Server is told to drain its clusters, and Run returns once the Servers
// have disconnected or the drain timeout has passed.
func (b *Brain) Shutdown(ctx context.Context, reason string) error {
	var conns []*ipc.Conn
	err := b.do(ctx, func() {
		b.draining = true
		for _, c := range b.conns {
			conns = append(conns, c)
		}
	})
	if err != nil {
		return err
	}
	b.logger.Info("draining", zap.String("reason", reason), zap.Int("servers", len(conns)))

	grace := b.opts.DrainTimeout
	sctx, cancel := context.WithTimeout(ctx, grace+b.opts.StatusTimeout)
	defer cancel()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if _, err := c.RequestPayload(sctx, ipc.TypeShutdown, ipc.Shutdown{Reason: reason, Grace: grace}); err != nil {
				b.logger.Debug("server did not acknowledge shutdown", zap.Error(err))
			}
			select {
			case <-c.Done():
			case <-sctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	stop := b.cancel
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
