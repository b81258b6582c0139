// Package cluster holds the vocabulary shared by every tier of the
// coordination tree: roles, node identities, credentials, topology targets
// and the error taxonomy.
//
// # Overview
//
// The system is a three-level tree. A single Brain owns the global shard
// plan, Servers register with the Brain and supervise local worker processes,
// and Clusters (the worker processes) each own one contiguous shard range:
//
//	                ┌──────────────┐
//	                │    Brain     │
//	                │ - Topology   │
//	                │ - Allocator  │
//	                │ - Status API │
//	                └──────┬───────┘
//	          ┌────────────┴────────────┐
//	   ┌──────▼──────┐           ┌──────▼──────┐
//	   │  Server 1   │           │  Server 2   │
//	   │ Supervisor  │           │ Supervisor  │
//	   └──┬───────┬──┘           └──┬───────┬──┘
//	 ┌────▼──┐ ┌──▼────┐       ┌────▼──┐ ┌──▼────┐
//	 │[0,3)  │ │[3,6)  │       │[6,9)  │ │[9,12) │
//	 │Cluster│ │Cluster│       │Cluster│ │Cluster│
//	 └───────┘ └───────┘       └───────┘ └───────┘
//
// Each edge of the tree is one authenticated connection. Roles are strict:
// a Brain only accepts Servers and a Server only accepts Clusters
// (see Role.ChildRole).
//
// # Identities
//
// A NodeIdentity is granted by the Brain when a node registers (Clusters
// register through their Server, which relays the request). The uid is unique
// within the Brain's registry while the node is present.
//
// # Error Taxonomy
//
// Errors crossing package boundaries are classified with a Kind:
//
//	AuthError           bad token or disallowed role; acceptor never retries
//	NetworkError        transport failure; reconnect with backoff
//	ProtocolError       malformed or out-of-state message; dropped
//	SupervisionError    restart ceiling exceeded; reported upward
//	AllocationConflict  allocator invariant violated; never auto-resolved
//
// Use errors.Is with the sentinels:
//
//	if errors.Is(err, cluster.ErrAuth) {
//	    // misconfigured token, do not retry
//	}
//
// # HTTP Helpers
//
// PostJSON and GetJSON are small JSON clients used by the command line tools
// to talk to the Brain's status API.
package cluster
