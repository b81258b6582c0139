// Package shard defines the unit of partitioned work handed to workers: a
// contiguous, half-open range of shard ids.
//
// # Overview
//
// The shard space is [0, total_shards) where
//
//	total_shards = total_servers * clusters_per_server * shards_per_cluster
//
// and is fixed for the lifetime of a topology. Every worker process (cluster)
// owns exactly one Range; in a converged system the union of all active
// ranges is the whole space with no gaps and no overlaps. Partition checks
// that invariant and is used by the allocator and the Brain's ledger.
//
// # Range States
//
// The Brain tracks each canonical range through a small state machine:
//
//	unassigned ──(server joins)──▶ assigned
//	assigned ──(owner moves)──▶ pending ──(old holder closed)──▶ assigned
//	assigned ──(restart ceiling)──▶ degraded ──(rebalance)──▶ assigned
//
// # Example
//
//	r, _ := shard.NewRange(3, 6)
//	r.Len()        // 3
//	r.Contains(5)  // true
//	r.ClusterID(3) // 1
//	r.String()     // "[3,6)"
package shard
