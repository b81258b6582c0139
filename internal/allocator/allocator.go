// Package allocator computes the deterministic mapping from an ordered set
// of servers to the shard ranges their clusters own.
package allocator

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/shard"
)

// Assignment binds one canonical cluster range to a server.
type Assignment struct {
	Range  shard.Range `json:"range" yaml:"range"`
	Server int         `json:"server" yaml:"server"` // server uid
	Slot   int         `json:"slot" yaml:"slot"`     // server position in registration order
	Index  int         `json:"index" yaml:"index"`   // cluster position within the server
}

// Plan is the allocation for one ordered server set. A Plan is a value: it
// is never mutated after Allocate returns it.
//
// Layout for targets {servers: 2, clusters/server: 2, shards/cluster: 3}:
//
//	slot 0 (first server)   [0,3)  [3,6)
//	slot 1 (second server)  [6,9)  [9,12)
//	any later server        spare, owns nothing
type Plan struct {
	Targets     cluster.Targets `json:"targets" yaml:"targets"`
	Servers     []int           `json:"servers" yaml:"servers"` // registration order
	Assignments []Assignment    `json:"assignments" yaml:"assignments"`
}

// Allocate assigns server i (0-based, in registration order) the slot
// [i*cps*spc, (i+1)*cps*spc), split into cps contiguous cluster ranges of
// spc shards. Servers beyond TotalServers receive nothing. The result
// depends only on targets and the order of servers; a duplicated uid keeps
// its first position.
//
// Example:
//
//	plan := allocator.Allocate(cluster.Targets{1, 2, 3}, []int{7})
//	plan.ForServer(7) // [[0,3) [3,6)]
func Allocate(targets cluster.Targets, servers []int) Plan {
	ordered := make([]int, 0, len(servers))
	for _, uid := range servers {
		if !slices.Contains(ordered, uid) {
			ordered = append(ordered, uid)
		}
	}

	plan := Plan{Targets: targets, Servers: ordered}
	if targets.Validate() != nil {
		return plan
	}

	cps := targets.ClustersPerServer
	spc := targets.ShardsPerCluster
	for slot, uid := range ordered {
		if slot >= targets.TotalServers {
			break
		}
		base := slot * targets.ShardsPerServer()
		for i := 0; i < cps; i++ {
			start := base + i*spc
			plan.Assignments = append(plan.Assignments, Assignment{
				Range:  shard.Range{Start: start, Stop: start + spc},
				Server: uid,
				Slot:   slot,
				Index:  i,
			})
		}
	}
	return plan
}

// Canonical returns every cluster range of the shard space in order,
// assigned or not.
func Canonical(targets cluster.Targets) []shard.Range {
	return shard.Split(targets.TotalShards(), targets.ShardsPerCluster)
}

// ForServer returns the ranges planned for uid, in order.
func (p Plan) ForServer(uid int) []shard.Range {
	var out []shard.Range
	for _, a := range p.Assignments {
		if a.Server == uid {
			out = append(out, a.Range)
		}
	}
	return out
}

// Owner returns the server planned to own r.
func (p Plan) Owner(r shard.Range) (int, bool) {
	for _, a := range p.Assignments {
		if a.Range == r {
			return a.Server, true
		}
	}
	return 0, false
}

// Assigned returns all planned ranges in shard order.
func (p Plan) Assigned() []shard.Range {
	out := make([]shard.Range, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		out = append(out, a.Range)
	}
	shard.Sort(out)
	return out
}

// Unassigned returns the canonical ranges no server is planned to own,
// which happens while fewer than TotalServers are registered.
func (p Plan) Unassigned() []shard.Range {
	var out []shard.Range
	for _, r := range Canonical(p.Targets) {
		if _, ok := p.Owner(r); !ok {
			out = append(out, r)
		}
	}
	return out
}

// Spares returns servers that own nothing because the target is already met.
func (p Plan) Spares() []int {
	if len(p.Servers) <= p.Targets.TotalServers {
		return nil
	}
	return slices.Clone(p.Servers[p.Targets.TotalServers:])
}

// Complete reports whether every shard has a planned owner.
func (p Plan) Complete() bool {
	return len(p.Unassigned()) == 0
}

// Validate checks that no shard is planned twice and that every planned
// range lies inside the shard space. A violation is an AllocationConflict.
func (p Plan) Validate() error {
	total := p.Targets.TotalShards()
	assigned := p.Assigned()
	for i, r := range assigned {
		if err := r.Validate(); err != nil {
			return cluster.AllocationConflict("validate plan", err)
		}
		if r.Stop > total {
			return cluster.AllocationConflict("validate plan", fmt.Errorf("range %s outside [0,%d)", r, total))
		}
		if i > 0 && assigned[i-1].Overlaps(r) {
			return cluster.AllocationConflict("validate plan", fmt.Errorf("ranges %s and %s overlap", assigned[i-1], r))
		}
	}
	if p.Complete() {
		if err := shard.Partition(assigned, total); err != nil {
			return cluster.AllocationConflict("validate plan", err)
		}
	}
	return nil
}

// Move is a change of planned owner for one range. From or To is zero when
// the range was or becomes unowned.
type Move struct {
	Range shard.Range `json:"range" yaml:"range"`
	From  int         `json:"from" yaml:"from"`
	To    int         `json:"to" yaml:"to"`
}

// Diff lists the ranges whose planned owner differs between old and next,
// in shard order. Both plans must share the same targets.
func Diff(old, next Plan) []Move {
	var moves []Move
	for _, r := range Canonical(next.Targets) {
		from, _ := old.Owner(r)
		to, _ := next.Owner(r)
		if from != to {
			moves = append(moves, Move{Range: r, From: from, To: to})
		}
	}
	return moves
}
