package coordinator

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tessera/internal/allocator"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/supervisor"
)

// ServerRecord is the Brain's view of one Server.
//
// A record outlives its connection by the grace window: while
// Connected is false and DisconnectedAt is recent, the Server keeps its uid,
// its registration order and therefore its slot in the plan.
type ServerRecord struct {
	// UID is issued by the Brain and never reused while the record exists.
	UID int `json:"uid" yaml:"uid"`

	// Session is the incarnation chain the Server registered with.
	// Re-admission during grace requires the same session.
	Session string `json:"session" yaml:"session"`

	// Order is the registration sequence number. Allocation walks servers
	// by ascending Order.
	Order int `json:"order" yaml:"order"`

	Connected      bool               `json:"connected" yaml:"connected"`
	DisconnectedAt time.Time          `json:"disconnected_at,omitzero" yaml:"disconnected_at,omitempty"`
	LastSeen       time.Time          `json:"last_seen,omitzero" yaml:"last_seen,omitempty"`
	Health         string             `json:"health,omitempty" yaml:"health,omitempty"`
	Processes      []ipc.ProcessState `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// ClusterRecord is the Brain's view of one Cluster. Like a ServerRecord it
// survives a disconnect for the grace window, and while it exists its range
// is bound to it.
type ClusterRecord struct {
	UID            int         `json:"uid" yaml:"uid"`
	Server         int         `json:"server" yaml:"server"`
	Range          shard.Range `json:"range" yaml:"range"`
	Session        string      `json:"session" yaml:"session"`
	Connected      bool        `json:"connected" yaml:"connected"`
	DisconnectedAt time.Time   `json:"disconnected_at,omitzero" yaml:"disconnected_at,omitempty"`
	Health         string      `json:"health,omitempty" yaml:"health,omitempty"`
}

// RangeRecord is one entry of the range ledger.
//
// State transitions:
//
//	unassigned ──plan gives it an owner──▶ pending
//	pending ──a cluster on the owner registers for it──▶ assigned
//	assigned ──owner leaves the plan or holder moves──▶ pending / unassigned
//	any ──worker exceeds its restart ceiling──▶ degraded ──rebalance──▶ recomputed
type RangeRecord struct {
	Range   shard.Range `json:"range" yaml:"range"`
	Server  int         `json:"server,omitempty" yaml:"server,omitempty"`   // planned owner, 0 for none
	Cluster int         `json:"cluster,omitempty" yaml:"cluster,omitempty"` // bound cluster, 0 for none
	State   shard.State `json:"state" yaml:"state"`
}

// ActionKind names a corrective step the reconcile loop asks a Server to
// take.
type ActionKind string

const (
	ActionSpawn    ActionKind = "spawn"
	ActionStop     ActionKind = "stop"
	ActionReassign ActionKind = "reassign"
)

// Action is one corrective step. For ActionReassign, Cluster moves from
// From to Range; for ActionStop, Cluster holding Range is stopped; for
// ActionSpawn, Server launches a worker for Range.
type Action struct {
	Kind    ActionKind  `json:"kind"`
	Server  int         `json:"server"`
	Cluster int         `json:"cluster,omitempty"`
	Range   shard.Range `json:"range"`
	From    shard.Range `json:"from,omitzero"`
}

// Topology is the Brain's registry of servers, clusters and the range
// ledger. It is not safe for concurrent use: the Brain's actor goroutine
// owns it and every mutation goes through that goroutine.
//
// Architecture:
//
//	┌────────────────────────────────────────┐
//	│               Topology                 │
//	├────────────────────────────────────────┤
//	│  servers:  uid → ServerRecord          │
//	│  clusters: uid → ClusterRecord         │
//	│  plan:     allocator.Plan (by Order)   │
//	│  degraded: range → true                │
//	├────────────────────────────────────────┤
//	│  ledger = plan owner × bound cluster   │
//	└────────────────────────────────────────┘
//
// The plan is recomputed only when the set of present servers changes, that
// is on a fresh registration or when a grace window expires. A server that
// reconnects within grace keeps its place, so its clusters keep their
// ranges.
type Topology struct {
	targets   cluster.Targets
	canonical []shard.Range

	nextUID   int
	nextOrder int

	servers  map[int]*ServerRecord
	clusters map[int]*ClusterRecord
	degraded map[shard.Range]bool
	plan     allocator.Plan

	// allocate computes plans; a plan that fails Validate is never used.
	allocate func(cluster.Targets, []int) allocator.Plan
	conflict error
}

// NewTopology creates an empty registry for targets.
func NewTopology(targets cluster.Targets) *Topology {
	t := &Topology{
		targets:   targets,
		canonical: allocator.Canonical(targets),
		nextUID:   1,
		servers:   make(map[int]*ServerRecord),
		clusters:  make(map[int]*ClusterRecord),
		degraded:  make(map[shard.Range]bool),
		allocate:  allocator.Allocate,
	}
	t.plan = allocator.Plan{Targets: targets}
	t.replan()
	return t
}

// Targets returns the declared topology sizes.
func (t *Topology) Targets() cluster.Targets { return t.targets }

// TotalShards is fixed for the lifetime of the topology.
func (t *Topology) TotalShards() int { return t.targets.TotalShards() }

// Plan returns the current allocation.
func (t *Topology) Plan() allocator.Plan { return t.plan }

func (t *Topology) issueUID() int {
	uid := t.nextUID
	t.nextUID++
	return uid
}

// orderedServers returns present server uids in registration order.
func (t *Topology) orderedServers() []int {
	recs := make([]*ServerRecord, 0, len(t.servers))
	for _, s := range t.servers {
		recs = append(recs, s)
	}
	slices.SortFunc(recs, func(a, b *ServerRecord) int { return a.Order - b.Order })

	uids := make([]int, len(recs))
	for i, s := range recs {
		uids[i] = s.UID
	}
	return uids
}

// replan recomputes the plan. A plan that double-books or overruns the
// shard space is an AllocationConflict: the last valid plan is kept,
// Actions is frozen and cluster registrations are refused until a later
// replan validates again.
func (t *Topology) replan() {
	plan := t.allocate(t.targets, t.orderedServers())
	if err := plan.Validate(); err != nil {
		if t.conflict == nil {
			metrics.AllocationConflicts.Inc()
		}
		t.conflict = err
		return
	}
	t.conflict = nil
	t.plan = plan
}

// Conflict returns the AllocationConflict of the last replan, or nil.
func (t *Topology) Conflict() error { return t.conflict }

// AdmitServer registers a Server. A registration carrying the uid and
// session of a record still held (connected or within grace) re-admits it
// unchanged; anything else is a fresh registration with a new uid at the
// end of the order.
func (t *Topology) AdmitServer(prevUID int, session string) (rec *ServerRecord, readmitted bool) {
	if prevUID != 0 && session != "" {
		if rec, ok := t.servers[prevUID]; ok && rec.Session == session {
			rec.Connected = true
			rec.DisconnectedAt = time.Time{}
			return rec, true
		}
	}

	rec = &ServerRecord{
		UID:       t.issueUID(),
		Session:   session,
		Order:     t.nextOrder,
		Connected: true,
	}
	t.nextOrder++
	t.servers[rec.UID] = rec
	t.replan()
	return rec, false
}

// Server returns the record for uid.
func (t *Topology) Server(uid int) (*ServerRecord, bool) {
	rec, ok := t.servers[uid]
	return rec, ok
}

// Cluster returns the record for uid.
func (t *Topology) Cluster(uid int) (*ClusterRecord, bool) {
	rec, ok := t.clusters[uid]
	return rec, ok
}

// ServerDisconnected starts the grace window of a Server and of every
// cluster behind it.
func (t *Topology) ServerDisconnected(uid int, now time.Time) {
	rec, ok := t.servers[uid]
	if !ok || !rec.Connected {
		return
	}
	rec.Connected = false
	rec.DisconnectedAt = now
	for _, c := range t.clusters {
		if c.Server == uid && c.Connected {
			c.Connected = false
			c.DisconnectedAt = now
		}
	}
}

func (t *Topology) isCanonical(r shard.Range) bool {
	_, found := slices.BinarySearchFunc(t.canonical, r, shard.Compare)
	return found
}

// holder returns the cluster bound to r, live or within grace.
func (t *Topology) holder(r shard.Range) *ClusterRecord {
	for _, c := range t.clusters {
		if c.Range == r {
			return c
		}
	}
	return nil
}

// AdmitCluster registers a Cluster relayed by serverUID.
//
// A registration with the previous uid and session of a record still held
// on the same server for the same range re-admits it. Otherwise the range
// must be a cluster range of the shard space that no other cluster, live or
// within grace, is bound to; a violation is an AllocationConflict and the
// registration is refused rather than resolved.
func (t *Topology) AdmitCluster(reg ipc.Register, serverUID int) (rec *ClusterRecord, readmitted bool, err error) {
	srv, ok := t.servers[serverUID]
	if !ok || !srv.Connected {
		return nil, false, fmt.Errorf("server %d is not registered", serverUID)
	}
	if t.conflict != nil {
		return nil, false, fmt.Errorf("plan rejected: %w", t.conflict)
	}
	if !t.isCanonical(reg.Range) {
		return nil, false, cluster.AllocationConflict("register cluster", fmt.Errorf("%s is not a cluster range of [0,%d)", reg.Range, t.TotalShards()))
	}

	if reg.PrevUID != 0 && reg.Session != "" {
		if rec, ok := t.clusters[reg.PrevUID]; ok && rec.Session == reg.Session && rec.Range == reg.Range && rec.Server == serverUID {
			rec.Connected = true
			rec.DisconnectedAt = time.Time{}
			return rec, true, nil
		}
	}

	if h := t.holder(reg.Range); h != nil {
		return nil, false, cluster.AllocationConflict("register cluster",
			fmt.Errorf("%s is bound to cluster %d on server %d", reg.Range, h.UID, h.Server))
	}

	rec = &ClusterRecord{
		UID:       t.issueUID(),
		Server:    serverUID,
		Range:     reg.Range,
		Session:   reg.Session,
		Connected: true,
	}
	t.clusters[rec.UID] = rec
	return rec, false, nil
}

// ServerHeartbeat folds a Server's heartbeat into the registry. Clusters
// the Server no longer lists start their grace window; listed ones are
// live again. Heartbeats from unknown or disconnected servers are ignored.
func (t *Topology) ServerHeartbeat(hb ipc.Heartbeat, now time.Time) bool {
	srv, ok := t.servers[hb.UID]
	if !ok || !srv.Connected {
		return false
	}
	srv.LastSeen = now
	srv.Health = hb.Health
	srv.Processes = hb.Processes

	listed := make(map[int]ipc.ClusterState, len(hb.Clusters))
	for _, c := range hb.Clusters {
		listed[c.UID] = c
	}
	for _, c := range t.clusters {
		if c.Server != hb.UID {
			continue
		}
		if st, ok := listed[c.UID]; ok {
			c.Connected = true
			c.DisconnectedAt = time.Time{}
			c.Health = st.Health
		} else if c.Connected {
			c.Connected = false
			c.DisconnectedAt = now
		}
	}
	return true
}

// Expire drops records whose grace window has run out and returns their
// uids. Removing a server replans, so the remaining servers move up in the
// order.
func (t *Topology) Expire(now time.Time, grace time.Duration) (servers, clusters []int) {
	for uid, s := range t.servers {
		if !s.Connected && now.Sub(s.DisconnectedAt) >= grace {
			delete(t.servers, uid)
			servers = append(servers, uid)
		}
	}
	for uid, c := range t.clusters {
		_, serverPresent := t.servers[c.Server]
		if !serverPresent || (!c.Connected && now.Sub(c.DisconnectedAt) >= grace) {
			delete(t.clusters, uid)
			clusters = append(clusters, uid)
		}
	}
	if len(servers) > 0 {
		t.replan()
	}
	slices.Sort(servers)
	slices.Sort(clusters)
	return servers, clusters
}

// MoveCluster records a completed reassignment.
func (t *Topology) MoveCluster(uid int, r shard.Range) {
	if c, ok := t.clusters[uid]; ok {
		c.Range = r
	}
}

// RemoveCluster forgets a cluster that was stopped on purpose, releasing
// its range at once instead of after the grace window.
func (t *Topology) RemoveCluster(uid int) {
	delete(t.clusters, uid)
}

// MarkDegraded excludes r from spawning until the next rebalance.
func (t *Topology) MarkDegraded(r shard.Range) bool {
	if !t.isCanonical(r) {
		return false
	}
	t.degraded[r] = true
	return true
}

// ClearDegraded makes every degraded range eligible again and returns them.
func (t *Topology) ClearDegraded() []shard.Range {
	cleared := make([]shard.Range, 0, len(t.degraded))
	for r := range t.degraded {
		cleared = append(cleared, r)
	}
	clear(t.degraded)
	shard.Sort(cleared)
	return cleared
}

// hasActiveProcess reports whether the server's last heartbeat shows a
// worker for r that is running or about to be restarted.
func (t *Topology) hasActiveProcess(serverUID int, r shard.Range) bool {
	srv, ok := t.servers[serverUID]
	if !ok {
		return false
	}
	for _, p := range srv.Processes {
		if p.Range == r && supervisor.State(p.State).Active() {
			return true
		}
	}
	return false
}

// Ranges returns the ledger in shard order.
func (t *Topology) Ranges() []RangeRecord {
	out := make([]RangeRecord, 0, len(t.canonical))
	for _, r := range t.canonical {
		rec := RangeRecord{Range: r}
		owner, owned := t.plan.Owner(r)
		if owned {
			rec.Server = owner
		}
		h := t.holder(r)
		if h != nil {
			rec.Cluster = h.UID
		}

		switch {
		case t.degraded[r]:
			rec.State = shard.StateDegraded
		case !owned:
			rec.State = shard.StateUnassigned
		case h != nil && h.Server == owner:
			rec.State = shard.StateAssigned
		default:
			rec.State = shard.StatePending
		}
		out = append(out, rec)
	}
	return out
}

// Actions computes what it takes to bring the running clusters in line
// with the plan:
//
//   - a live cluster on a server that does not own its range is surplus;
//   - a range owned by a connected server with no cluster bound anywhere,
//     and not degraded, is missing;
//   - surplus clusters are paired with missing ranges of their own server
//     and reassigned, unpaired surplus clusters are stopped;
//   - the remaining missing ranges are spawned on their owner.
//
// Clusters within grace are left alone and keep their range bound, so a
// range can only change hands after its holder is confirmed gone.
func (t *Topology) Actions() []Action {
	if t.conflict != nil {
		return nil
	}
	var surplus []*ClusterRecord
	for _, c := range t.clusters {
		if !c.Connected {
			continue
		}
		if owner, ok := t.plan.Owner(c.Range); !ok || owner != c.Server {
			surplus = append(surplus, c)
		}
	}
	slices.SortFunc(surplus, func(a, b *ClusterRecord) int { return a.UID - b.UID })

	var missing []allocator.Assignment
	for _, a := range t.plan.Assignments {
		if t.degraded[a.Range] || t.holder(a.Range) != nil {
			continue
		}
		if srv, ok := t.servers[a.Server]; !ok || !srv.Connected {
			continue
		}
		missing = append(missing, a)
	}

	var actions []Action
	for _, c := range surplus {
		i := slices.IndexFunc(missing, func(a allocator.Assignment) bool { return a.Server == c.Server })
		if i >= 0 {
			actions = append(actions, Action{Kind: ActionReassign, Server: c.Server, Cluster: c.UID, Range: missing[i].Range, From: c.Range})
			missing = slices.Delete(missing, i, i+1)
			continue
		}
		actions = append(actions, Action{Kind: ActionStop, Server: c.Server, Cluster: c.UID, Range: c.Range})
	}
	for _, a := range missing {
		actions = append(actions, Action{Kind: ActionSpawn, Server: a.Server, Range: a.Range})
	}
	return actions
}

// View is a serializable snapshot of the topology.
type View struct {
	Targets     cluster.Targets `json:"targets" yaml:"targets"`
	TotalShards int             `json:"total_shards" yaml:"total_shards"`
	Servers     []ServerRecord  `json:"servers" yaml:"servers"`
	Clusters    []ClusterRecord `json:"clusters" yaml:"clusters"`
	Ranges      []RangeRecord   `json:"ranges" yaml:"ranges"`
	Spares      []int           `json:"spares,omitempty" yaml:"spares,omitempty"`
	WaitingFor  *shard.Range    `json:"waiting_for,omitempty" yaml:"waiting_for,omitempty"`
}

// Snapshot copies the registry into a View.
func (t *Topology) Snapshot() View {
	v := View{
		Targets:     t.targets,
		TotalShards: t.TotalShards(),
		Ranges:      t.Ranges(),
		Spares:      t.plan.Spares(),
	}
	for _, uid := range t.orderedServers() {
		s := *t.servers[uid]
		s.Processes = slices.Clone(s.Processes)
		v.Servers = append(v.Servers, s)
	}
	for _, c := range t.clusters {
		v.Clusters = append(v.Clusters, *c)
	}
	slices.SortFunc(v.Clusters, func(a, b ClusterRecord) int { return shard.Compare(a.Range, b.Range) })
	return v
}

// Counts returns the number of present servers, present clusters and
// ranges per state.
func (t *Topology) Counts() (servers, clusters int, ranges map[shard.State]int) {
	ranges = map[shard.State]int{
		shard.StateUnassigned: 0,
		shard.StatePending:    0,
		shard.StateAssigned:   0,
		shard.StateDegraded:   0,
	}
	for _, r := range t.Ranges() {
		ranges[r.State]++
	}
	return len(t.servers), len(t.clusters), ranges
}
