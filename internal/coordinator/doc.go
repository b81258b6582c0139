// Package coordinator implements the Brain, the root of tessera's
// three-tier coordination tree. The Brain owns the authoritative topology,
// issues every node identity and decides which Server's clusters own which
// contiguous range of the shard space.
//
// # Overview
//
// The Brain is the control plane of the tree. Servers dial it, register and
// receive their planned ranges; the clusters they launch register through
// them. The Brain never talks to a cluster directly: every command travels
// one tier down and every failure is reported one tier up.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│                  BRAIN                   │
//	├──────────────────────────────────────────┤
//	│  ┌────────────────────────────────────┐  │
//	│  │  actor goroutine                   │  │
//	│  │   - Topology (servers, clusters)   │  │
//	│  │   - plan (allocator.Plan)          │  │
//	│  │   - reconcile ticker               │  │
//	│  └────────────────────────────────────┘  │
//	│        ▲ events (func())                 │
//	│  ┌─────┴──────────────────────────────┐  │
//	│  │  one handler per Server connection │  │
//	│  │   - REGISTER (server and relayed   │  │
//	│  │     cluster registrations)         │  │
//	│  │   - HEARTBEAT, DEGRADED            │  │
//	│  └────────────────────────────────────┘  │
//	└──────────────────────────────────────────┘
//	          │ SPAWN / STOP / REASSIGN / STATUS / SHUTDOWN
//	          ▼
//	     Server ──▶ Cluster, Cluster, ...
//
// # Allocation
//
// Ranges are assigned by registration order. With 2 servers, 2 clusters per
// server and 3 shards per cluster:
//
//	first server    [0,3)  [3,6)
//	second server   [6,9)  [9,12)
//	third server    spare
//
// When a server's grace window expires it is removed from the order and the
// plan is recomputed over the remaining servers, so a spare moves up and
// inherits the vacated slot.
//
// # Reconciliation
//
// Every reconcile interval the Brain compares the plan with the clusters it
// knows about and sends the difference:
//
//   - REASSIGN moves a live cluster to a range its own server now owns
//   - STOP ends a cluster whose range moved to another server
//   - SPAWN asks the owning server for a missing range, one at a time
//
// A range stays pending while any cluster, live or within its grace window,
// is bound to it. Two clusters are never granted the same range; a
// registration that would do so is refused as an AllocationConflict.
//
// # Grace
//
// A Server or Cluster that disconnects keeps its uid and range for the
// grace window. Re-registering with its previous uid and session re-admits
// it unchanged. After the window its record is dropped, its ranges are
// reclaimed and a late registration is treated as a new node.
//
// # Degraded ranges
//
// A Server whose worker exceeds its restart ceiling reports DEGRADED. The
// Brain stops spawning that range until an operator calls Rebalance.
package coordinator
