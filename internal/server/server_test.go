package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/retry"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/supervisor"
	"github.com/dreamware/tessera/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testToken = "tok"

// fakeBrain grants uids and records what Servers send it.
type fakeBrain struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}

	servers  chan *ipc.Conn
	degraded chan ipc.Degraded

	mu        sync.Mutex
	nextUID   int
	clusters  []ipc.Register
	heartbeat ipc.Heartbeat
}

func startBrain(t *testing.T) *fakeBrain {
	t.Helper()
	l, err := ipc.Listen("127.0.0.1:0", ipc.ListenOptions{
		Role:      cluster.RoleBrain,
		Token:     testToken,
		KeepAlive: ipc.KeepAlive{Interval: 50 * time.Millisecond, Misses: 10},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBrain{
		addr:     l.Addr().String(),
		cancel:   cancel,
		done:     make(chan struct{}),
		servers:  make(chan *ipc.Conn, 4),
		degraded: make(chan ipc.Degraded, 4),
		nextUID:  10,
	}
	go func() {
		defer close(b.done)
		_ = l.Serve(ctx, b.handle)
	}()
	t.Cleanup(b.stop)
	return b
}

func (b *fakeBrain) stop() {
	b.cancel()
	<-b.done
}

func (b *fakeBrain) handle(ctx context.Context, c *ipc.Conn, hello ipc.Hello) {
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return
		}
		switch m.Type {
		case ipc.TypeRegister:
			var reg ipc.Register
			_ = m.Decode(&reg)
			if reg.Role == cluster.RoleServer {
				_ = c.Reply(m, ipc.TypeRegistered, ipc.Registered{
					Identity:    cluster.NodeIdentity{Role: cluster.RoleServer, UID: 1},
					Ranges:      []shard.Range{{Start: 0, Stop: 3}, {Start: 3, Stop: 6}},
					TotalShards: 6,
				})
				select {
				case b.servers <- c:
				case <-ctx.Done():
					return
				}
				continue
			}
			b.mu.Lock()
			b.clusters = append(b.clusters, reg)
			uid := reg.PrevUID
			if uid == 0 {
				b.nextUID++
				uid = b.nextUID
			}
			b.mu.Unlock()
			_ = c.Reply(m, ipc.TypeRegistered, ipc.Registered{
				Identity:    cluster.NodeIdentity{Role: cluster.RoleCluster, UID: uid, ParentUID: reg.ServerUID},
				Range:       reg.Range,
				TotalShards: 6,
			})
		case ipc.TypeHeartbeat:
			var hb ipc.Heartbeat
			if err := m.Decode(&hb); err == nil {
				b.mu.Lock()
				b.heartbeat = hb
				b.mu.Unlock()
			}
		case ipc.TypeDegraded:
			var d ipc.Degraded
			_ = m.Decode(&d)
			b.degraded <- d
		}
	}
}

func (b *fakeBrain) clusterRegisters() []ipc.Register {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ipc.Register(nil), b.clusters...)
}

func (b *fakeBrain) lastHeartbeat() ipc.Heartbeat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeat
}

func (b *fakeBrain) server(t *testing.T) *ipc.Conn {
	t.Helper()
	select {
	case c := <-b.servers:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never registered")
		return nil
	}
}

func testOptions(brainAddr string, launcher supervisor.Launcher) Options {
	return Options{
		BrainAddr:       brainAddr,
		Credential:      cluster.Credential{Token: testToken},
		ListenAddr:      "127.0.0.1:0",
		KeepAlive:       ipc.KeepAlive{Interval: 50 * time.Millisecond, Misses: 10},
		RegisterTimeout: time.Second,
		StatusTimeout:   300 * time.Millisecond,
		DrainTimeout:    time.Second,
		Grace:           300 * time.Millisecond,
		Reconnect:       retry.Policy{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		Launcher:        launcher,
		Restart:         retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: 2},
	}
}

// clusterLauncher runs real cluster nodes in-process against srv.
func clusterLauncher(srv **Server) *supervisor.InProcessLauncher {
	return &supervisor.InProcessLauncher{Run: func(ctx context.Context, spec supervisor.Spec) int {
		c := worker.New(worker.Options{
			ParentAddr:      (*srv).ListenAddr(),
			Credential:      cluster.Credential{Token: testToken},
			Range:           spec.Range,
			TotalShards:     6,
			KeepAlive:       ipc.KeepAlive{Interval: 50 * time.Millisecond, Misses: 10},
			RegisterTimeout: time.Second,
			Reconnect:       retry.Policy{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
			Grace:           500 * time.Millisecond,
			DrainTimeout:    time.Second,
		}, &worker.Idle{})
		return worker.ExitCode(c.Run(ctx))
	}}
}

type running struct {
	srv    *Server
	cancel context.CancelFunc
	result chan error
}

func startServer(t *testing.T, opts Options) *running {
	t.Helper()
	var srv *Server
	if opts.Launcher == nil {
		opts.Launcher = clusterLauncher(&srv)
	}
	srv = New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, cancel: cancel, result: make(chan error, 1)}
	go func() { r.result <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.result:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.result:
		r.result <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
		return nil
	}
}

func request(t *testing.T, c *ipc.Conn, typ ipc.Type, payload any) ipc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.RequestPayload(ctx, typ, payload)
	require.NoError(t, err)
	return reply
}

func requireAck(t *testing.T, reply ipc.Message) {
	t.Helper()
	require.Equal(t, ipc.TypeAck, reply.Type)
	var a ipc.Ack
	require.NoError(t, reply.Decode(&a))
	require.NoError(t, a.Err())
}

func TestSpawnRelaysClusterRegistration(t *testing.T) {
	b := startBrain(t)
	r := startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)
	// the fake Brain hands over the conn once REGISTERED is sent, which
	// can be before the uplink stored it
	require.Eventually(t, func() bool { return r.srv.Identity().UID == 1 }, time.Second, 5*time.Millisecond)

	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 3, Stop: 6}, TotalShards: 6}))

	require.Eventually(t, func() bool { return len(b.clusterRegisters()) == 1 }, 3*time.Second, 10*time.Millisecond)
	reg := b.clusterRegisters()[0]
	assert.Equal(t, cluster.RoleCluster, reg.Role)
	assert.Equal(t, 1, reg.ServerUID)
	assert.Equal(t, shard.Range{Start: 3, Stop: 6}, reg.Range)
	assert.NotEmpty(t, reg.Session)

	// the Server folds the cluster into its heartbeat
	require.Eventually(t, func() bool {
		hb := b.lastHeartbeat()
		return len(hb.Clusters) == 1 && hb.Clusters[0].Health == worker.HealthOK
	}, 3*time.Second, 20*time.Millisecond)
	hb := b.lastHeartbeat()
	assert.Equal(t, 1, hb.UID)
	assert.Equal(t, 11, hb.Clusters[0].UID)
	assert.Equal(t, shard.Range{Start: 3, Stop: 6}, hb.Clusters[0].Range)
	require.Len(t, hb.Processes, 1)
	assert.Equal(t, string(supervisor.StateRunning), hb.Processes[0].State)

	// a second SPAWN for a running range launches nothing new
	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 3, Stop: 6}, TotalShards: 6}))
	assert.Len(t, r.srv.sup.Handles(), 1)
}

func TestStatusFansOut(t *testing.T) {
	b := startBrain(t)
	startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)

	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 0, Stop: 3}, TotalShards: 6}))
	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 3, Stop: 6}, TotalShards: 6}))
	require.Eventually(t, func() bool { return len(b.clusterRegisters()) == 2 }, 3*time.Second, 10*time.Millisecond)

	var status ipc.StatusReply
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		reply := request(t, conn, ipc.TypeStatusRequest, ipc.StatusRequest{Timeout: 500 * time.Millisecond})
		status = ipc.StatusReply{}
		require.NoError(t, reply.Decode(&status))
		if len(status.Children) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, status.Children, 2)

	assert.Equal(t, cluster.RoleServer, status.Identity.Role)
	assert.Equal(t, string(node.StateActive), status.State)
	assert.Equal(t, HealthOK, status.Health)
	assert.Empty(t, status.Unreachable)
	assert.Equal(t, []shard.Range{{Start: 0, Stop: 3}, {Start: 3, Stop: 6}}, status.Ranges)
	assert.Equal(t, []shard.Range{{Start: 0, Stop: 3}}, status.Children[0].Ranges)
	assert.Equal(t, worker.HealthOK, status.Children[1].Health)
}

func TestStatusTimesOutOnHungCluster(t *testing.T) {
	b := startBrain(t)
	opts := testOptions(b.addr, &supervisor.InProcessLauncher{Run: func(ctx context.Context, spec supervisor.Spec) int {
		<-ctx.Done()
		return 0
	}})
	opts.KeepAlive.Misses = 100
	r := startServer(t, opts)
	conn := b.server(t)

	// a cluster that registers and then never reads again
	hung, err := ipc.Dial(context.Background(), r.srv.ListenAddr(), ipc.DialOptions{
		Role:       cluster.RoleCluster,
		Credential: cluster.Credential{Token: testToken},
	})
	require.NoError(t, err)
	defer hung.Close()
	reply := request(t, hung, ipc.TypeRegister, ipc.Register{Role: cluster.RoleCluster, Session: "s", Range: shard.Range{Start: 0, Stop: 3}})
	require.Equal(t, ipc.TypeRegistered, reply.Type)

	start := time.Now()
	reply = request(t, conn, ipc.TypeStatusRequest, ipc.StatusRequest{Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)

	var status ipc.StatusReply
	require.NoError(t, reply.Decode(&status))
	assert.Empty(t, status.Children)
	assert.Equal(t, []int{11}, status.Unreachable)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestStopRange(t *testing.T) {
	b := startBrain(t)
	r := startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)

	rng := shard.Range{Start: 0, Stop: 3}
	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: rng, TotalShards: 6}))
	require.Eventually(t, func() bool { return r.srv.childByRange(rng) != nil }, 3*time.Second, 10*time.Millisecond)

	requireAck(t, request(t, conn, ipc.TypeStop, ipc.Stop{Range: rng, Reason: "moved"}))
	_, ok := r.srv.sup.Lookup(rng)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return r.srv.childByRange(rng) == nil }, 3*time.Second, 10*time.Millisecond)

	// stopping an unknown range is not an error
	requireAck(t, request(t, conn, ipc.TypeStop, ipc.Stop{Range: shard.Range{Start: 3, Stop: 6}}))
}

func TestUnsupportedRequestIsRefused(t *testing.T) {
	b := startBrain(t)
	startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)

	start := time.Now()
	reply := request(t, conn, ipc.TypeDegraded, ipc.Degraded{Range: shard.Range{Start: 0, Stop: 3}})
	assert.Less(t, time.Since(start), time.Second)
	require.Equal(t, ipc.TypeAck, reply.Type)
	var a ipc.Ack
	require.NoError(t, reply.Decode(&a))
	assert.EqualError(t, a.Err(), "unsupported DEGRADED")
}

func TestReassignForwardsToCluster(t *testing.T) {
	b := startBrain(t)
	r := startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)

	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 3, Stop: 6}, TotalShards: 6}))
	require.Eventually(t, func() bool { return r.srv.child(11) != nil }, 3*time.Second, 10*time.Millisecond)

	reply := request(t, conn, ipc.TypeReassign, ipc.Reassign{ClusterUID: 99, Range: shard.Range{Start: 0, Stop: 3}})
	var a ipc.Ack
	require.NoError(t, reply.Decode(&a))
	assert.Error(t, a.Err())

	requireAck(t, request(t, conn, ipc.TypeReassign, ipc.Reassign{ClusterUID: 11, Range: shard.Range{Start: 0, Stop: 3}}))
	assert.NotNil(t, r.srv.childByRange(shard.Range{Start: 0, Stop: 3}))
	_, ok := r.srv.sup.Lookup(shard.Range{Start: 0, Stop: 3})
	assert.True(t, ok, "restarts follow the new range")
	_, ok = r.srv.sup.Lookup(shard.Range{Start: 3, Stop: 6})
	assert.False(t, ok)
}

func TestDegradedReported(t *testing.T) {
	b := startBrain(t)
	startServer(t, testOptions(b.addr, &supervisor.InProcessLauncher{Run: func(ctx context.Context, spec supervisor.Spec) int {
		return 1
	}}))
	conn := b.server(t)

	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 0, Stop: 3}, TotalShards: 6}))

	select {
	case d := <-b.degraded:
		assert.Equal(t, shard.Range{Start: 0, Stop: 3}, d.Range)
		assert.Equal(t, 2, d.Restarts)
	case <-time.After(3 * time.Second):
		t.Fatal("no DEGRADED received")
	}
	require.Eventually(t, func() bool { return b.lastHeartbeat().Health == HealthDegraded }, 3*time.Second, 20*time.Millisecond)
}

func TestShutdownDrains(t *testing.T) {
	b := startBrain(t)
	r := startServer(t, testOptions(b.addr, nil))
	conn := b.server(t)

	requireAck(t, request(t, conn, ipc.TypeSpawn, ipc.Spawn{Range: shard.Range{Start: 0, Stop: 3}, TotalShards: 6}))
	require.Eventually(t, func() bool { return r.srv.child(11) != nil }, 3*time.Second, 10*time.Millisecond)

	requireAck(t, request(t, conn, ipc.TypeShutdown, ipc.Shutdown{Reason: "test", Grace: time.Second}))
	assert.NoError(t, r.wait(t))
	for _, info := range r.srv.sup.Handles() {
		assert.Equal(t, supervisor.StateExited, info.State)
		assert.Equal(t, worker.ExitOK, info.LastExit)
	}
	assert.Equal(t, node.StateDisconnected, r.srv.State())
}

func TestBrainLost(t *testing.T) {
	b := startBrain(t)
	r := startServer(t, testOptions(b.addr, nil))
	b.server(t)
	b.stop()

	err := r.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, node.ErrParentLost)
}

func TestHeartbeatBeforeRegistration(t *testing.T) {
	s := New(testOptions("127.0.0.1:1", nil))
	defer s.sup.Close(time.Second)
	assert.Equal(t, HealthOK, s.health())
	hb, ok := s.heartbeat().(ipc.Heartbeat)
	require.True(t, ok)
	assert.Zero(t, hb.UID)
	assert.Empty(t, hb.Clusters)
}
