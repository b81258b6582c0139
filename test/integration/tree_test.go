// Package integration runs whole Brain, Server and cluster trees inside the
// test process. Cluster workers are real worker.Cluster nodes started by an
// in-process launcher from the same environment a cluster binary would read.
package integration

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/server"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/supervisor"
	"github.com/dreamware/tessera/internal/worker"
)

const waitFor = 5 * time.Second

func rng(start, stop int) shard.Range {
	return shard.Range{Start: start, Stop: stop}
}

func testConfig(servers, clustersPerServer, shardsPerCluster int) *config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.Token = "integration"
	cfg.Logging.Level = "error"
	cfg.Brain.TotalServers = servers
	cfg.Brain.ClustersPerServer = clustersPerServer
	cfg.Brain.ShardsPerCluster = shardsPerCluster
	cfg.Timing = config.TimingConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   10,
		Grace:             500 * time.Millisecond,
		HandshakeTimeout:  time.Second,
		RegisterTimeout:   time.Second,
		StatusTimeout:     time.Second,
		ReconcileInterval: 20 * time.Millisecond,
		SpawnTimeout:      2 * time.Second,
		DrainTimeout:      time.Second,
	}
	cfg.Restart = config.RestartConfig{
		Initial:     10 * time.Millisecond,
		Max:         40 * time.Millisecond,
		MaxRestarts: 3,
		ResetAfter:  time.Minute,
	}
	return cfg
}

// tree is a running Brain plus the Servers and cluster workers under it.
type tree struct {
	cfg   *config.Config
	brain *coordinator.Brain

	brainCancel context.CancelFunc
	brainDone   chan error

	mu       sync.Mutex
	servers  []*runningServer
	launches map[shard.Range]int
	crashes  map[shard.Range]context.CancelFunc
	crashed  map[shard.Range]bool
	failing  map[shard.Range]bool
	hanging  map[shard.Range]bool
	exits    []int
}

type runningServer struct {
	srv    *server.Server
	cancel context.CancelFunc
	done   chan error
}

func startTree(t *testing.T, cfg *config.Config) *tree {
	t.Helper()
	opts, err := coordinator.OptionsFromConfig(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr := &tree{
		cfg:         cfg,
		brain:       coordinator.New(opts),
		brainCancel: cancel,
		brainDone:   make(chan error, 1),
		launches:    make(map[shard.Range]int),
		crashes:     make(map[shard.Range]context.CancelFunc),
		crashed:     make(map[shard.Range]bool),
		failing:     make(map[shard.Range]bool),
		hanging:     make(map[shard.Range]bool),
	}
	go func() { tr.brainDone <- tr.brain.Run(ctx) }()
	select {
	case <-tr.brain.Ready():
	case err := <-tr.brainDone:
		t.Fatalf("brain did not start: %v", err)
	}
	t.Cleanup(tr.stop)
	return tr
}

func (tr *tree) stop() {
	tr.mu.Lock()
	servers := tr.servers
	tr.mu.Unlock()
	for _, s := range servers {
		s.cancel()
		<-s.done
		s.done <- nil
	}
	tr.brainCancel()
	<-tr.brainDone
	tr.brainDone <- nil
}

// serverConfig points a copy of the tree's configuration at the Brain.
func (tr *tree) serverConfig(t *testing.T) *config.Config {
	t.Helper()
	host, port, err := net.SplitHostPort(tr.brain.Addr())
	require.NoError(t, err)
	cfg := *tr.cfg
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.WorkerEntrypoint = "in-process"
	return &cfg
}

func (tr *tree) addServer(t *testing.T, cfg *config.Config) *runningServer {
	t.Helper()
	opts, err := server.OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	opts.Launcher = &supervisor.InProcessLauncher{Run: tr.runCluster}

	ctx, cancel := context.WithCancel(context.Background())
	s := &runningServer{srv: server.New(opts), cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- s.srv.Run(ctx) }()

	tr.mu.Lock()
	tr.servers = append(tr.servers, s)
	tr.mu.Unlock()
	return s
}

// runCluster is the body of one cluster process. It loads its
// configuration from the environment the Server handed it.
func (tr *tree) runCluster(ctx context.Context, spec supervisor.Spec) int {
	cfg, err := config.LoadCluster(config.FromEnv(spec.Env))
	if err != nil {
		return worker.ExitFailure
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr.mu.Lock()
	tr.launches[cfg.Worker.Range()]++
	failing := tr.failing[cfg.Worker.Range()]
	hanging := tr.hanging[cfg.Worker.Range()]
	tr.crashes[cfg.Worker.Range()] = cancel
	tr.mu.Unlock()

	if failing {
		return tr.exited(worker.ExitFailure)
	}
	if hanging {
		return tr.exited(hang(cctx, cfg))
	}

	opts, err := worker.OptionsFromConfig(cfg, nil)
	if err != nil {
		return tr.exited(worker.ExitFailure)
	}
	err = worker.New(opts, &worker.Idle{}).Run(cctx)

	tr.mu.Lock()
	crashed := tr.crashed[cfg.Worker.Range()]
	delete(tr.crashed, cfg.Worker.Range())
	tr.mu.Unlock()
	if crashed {
		return tr.exited(worker.ExitFailure)
	}
	return tr.exited(worker.ExitCode(err))
}

// hang registers like a cluster and then never reads its connection again.
func hang(ctx context.Context, cfg *config.Config) int {
	cred, err := cfg.DialCredential()
	if err != nil {
		return worker.ExitFailure
	}
	conn, err := ipc.Dial(ctx, cfg.Worker.ParentAddr, ipc.DialOptions{
		Role:       cluster.RoleCluster,
		Credential: cred,
		KeepAlive:  cfg.KeepAlive(),
	})
	if err != nil {
		return worker.ExitFailure
	}
	defer conn.Close()

	rctx, cancel := context.WithTimeout(ctx, cfg.Timing.RegisterTimeout)
	defer cancel()
	if _, err := conn.RequestPayload(rctx, ipc.TypeRegister, ipc.Register{
		Role:    cluster.RoleCluster,
		Session: "hung",
		Range:   cfg.Worker.Range(),
	}); err != nil {
		return worker.ExitFailure
	}
	<-ctx.Done()
	return worker.ExitOK
}

func (tr *tree) exited(code int) int {
	tr.mu.Lock()
	tr.exits = append(tr.exits, code)
	tr.mu.Unlock()
	return code
}

// crash makes the worker serving r exit with a failure.
func (tr *tree) crash(r shard.Range) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.crashed[r] = true
	if cancel, ok := tr.crashes[r]; ok {
		cancel()
	}
}

func (tr *tree) setFailing(r shard.Range, failing bool) {
	tr.mu.Lock()
	tr.failing[r] = failing
	tr.mu.Unlock()
}

func (tr *tree) launchCount(r shard.Range) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.launches[r]
}

func (tr *tree) exitCodes() []int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]int(nil), tr.exits...)
}

func (tr *tree) view(t *testing.T) coordinator.View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := tr.brain.Topology(ctx)
	require.NoError(t, err)
	return v
}

// converged reports whether every range is served by a connected cluster.
func converged(v coordinator.View) bool {
	if len(v.Ranges) == 0 {
		return false
	}
	live := make(map[int]bool)
	for _, c := range v.Clusters {
		live[c.UID] = c.Connected
	}
	for _, r := range v.Ranges {
		if r.State != shard.StateAssigned || !live[r.Cluster] {
			return false
		}
	}
	return true
}

func (tr *tree) waitConverged(t *testing.T) coordinator.View {
	t.Helper()
	var v coordinator.View
	require.Eventually(t, func() bool {
		v = tr.view(t)
		return converged(v)
	}, waitFor, 20*time.Millisecond, "tree never converged")
	return v
}

func clusterOn(v coordinator.View, r shard.Range) int {
	for _, rec := range v.Ranges {
		if rec.Range == r {
			return rec.Cluster
		}
	}
	return 0
}

func TestTreeConverges(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	tr.addServer(t, tr.serverConfig(t))

	v := tr.waitConverged(t)
	assert.Equal(t, 6, v.TotalShards)
	require.Len(t, v.Servers, 1)
	assert.Equal(t, 1, v.Servers[0].UID)
	assert.Equal(t, []shard.Range{rng(0, 3), rng(3, 6)}, []shard.Range{v.Ranges[0].Range, v.Ranges[1].Range})
	for _, r := range v.Ranges {
		assert.Equal(t, 1, r.Server)
	}
	assert.Equal(t, 1, tr.launchCount(rng(0, 3)))
	assert.Equal(t, 1, tr.launchCount(rng(3, 6)))
}

func TestTwoServersSplitTheShardSpace(t *testing.T) {
	tr := startTree(t, testConfig(2, 1, 4))
	first := tr.addServer(t, tr.serverConfig(t))
	require.Eventually(t, func() bool { return first.srv.Identity().UID != 0 }, waitFor, 10*time.Millisecond)
	second := tr.addServer(t, tr.serverConfig(t))

	v := tr.waitConverged(t)
	assert.Equal(t, first.srv.Identity().UID, v.Ranges[0].Server)
	assert.Equal(t, second.srv.Identity().UID, v.Ranges[1].Server)
	assert.Equal(t, rng(0, 4), v.Ranges[0].Range)
	assert.Equal(t, rng(4, 8), v.Ranges[1].Range)
}

func TestCrashedClusterIsReadmittedOnItsRange(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	tr.addServer(t, tr.serverConfig(t))
	before := clusterOn(tr.waitConverged(t), rng(3, 6))
	require.NotZero(t, before)

	tr.crash(rng(3, 6))
	require.Eventually(t, func() bool { return tr.launchCount(rng(3, 6)) >= 2 }, waitFor, 10*time.Millisecond)

	v := tr.waitConverged(t)
	assert.Equal(t, before, clusterOn(v, rng(3, 6)), "restart keeps the cluster's identity")
	assert.Equal(t, 1, tr.launchCount(rng(0, 3)))
	assert.Contains(t, tr.exitCodes(), worker.ExitFailure)
}

func TestDegradedRangeRecoversAfterRebalance(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	tr.addServer(t, tr.serverConfig(t))
	tr.waitConverged(t)

	tr.setFailing(rng(3, 6), true)
	tr.crash(rng(3, 6))

	require.Eventually(t, func() bool {
		for _, r := range tr.view(t).Ranges {
			if r.Range == rng(3, 6) {
				return r.State == shard.StateDegraded
			}
		}
		return false
	}, waitFor, 20*time.Millisecond, "range never degraded")
	launches := tr.launchCount(rng(3, 6))

	// degraded ranges are not respawned on their own
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, launches, tr.launchCount(rng(3, 6)))

	tr.setFailing(rng(3, 6), false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cleared, err := tr.brain.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []shard.Range{rng(3, 6)}, cleared)

	tr.waitConverged(t)
	assert.Greater(t, tr.launchCount(rng(3, 6)), launches)
}

func TestBadTokenIsRejected(t *testing.T) {
	tr := startTree(t, testConfig(1, 1, 1))
	cfg := tr.serverConfig(t)
	cfg.Token = "wrong"
	s := tr.addServer(t, cfg)

	select {
	case err := <-s.done:
		s.done <- err
		require.Error(t, err)
		assert.ErrorIs(t, err, cluster.ErrAuth)
	case <-time.After(waitFor):
		t.Fatal("server with a bad token kept running")
	}
	assert.Empty(t, tr.view(t).Servers)
}

func TestStatusWalksTheTree(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	tr.addServer(t, tr.serverConfig(t))
	tr.waitConverged(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := tr.brain.Status(ctx, time.Second)
	require.NoError(t, err)

	assert.Equal(t, cluster.RoleBrain, status.Identity.Role)
	assert.Equal(t, coordinator.HealthOK, status.Health)
	assert.Empty(t, status.Unreachable)
	require.Len(t, status.Children, 1)
	srv := status.Children[0]
	assert.Equal(t, cluster.RoleServer, srv.Identity.Role)
	require.Len(t, srv.Children, 2)
	for _, c := range srv.Children {
		assert.Equal(t, cluster.RoleCluster, c.Identity.Role)
		assert.Equal(t, 1, c.Identity.ParentUID)
	}
}

func TestStatusSkipsHungCluster(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	tr.mu.Lock()
	tr.hanging[rng(3, 6)] = true
	tr.mu.Unlock()
	tr.addServer(t, tr.serverConfig(t))
	v := tr.waitConverged(t)
	hung := clusterOn(v, rng(3, 6))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	status, err := tr.brain.Status(ctx, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, status.Children, 1)
	srv := status.Children[0]
	assert.Len(t, srv.Children, 1)
	assert.Equal(t, []int{hung}, srv.Unreachable)
}

func TestShutdownDrainsTheTree(t *testing.T) {
	tr := startTree(t, testConfig(1, 2, 3))
	s := tr.addServer(t, tr.serverConfig(t))
	tr.waitConverged(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.brain.Shutdown(ctx, "test"))

	select {
	case err := <-s.done:
		s.done <- err
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not drain")
	}
	assert.Equal(t, []int{worker.ExitOK, worker.ExitOK}, tr.exitCodes())

	select {
	case err := <-tr.brainDone:
		tr.brainDone <- err
	case <-time.After(waitFor):
		t.Fatal("brain did not stop")
	}
}
