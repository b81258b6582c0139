package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/shard"
)

// Type names a message on the wire.
type Type string

const (
	// handshake
	TypeHello   Type = "HELLO"
	TypeWelcome Type = "WELCOME"
	TypeReject  Type = "REJECT"

	TypeRegister      Type = "REGISTER"
	TypeRegistered    Type = "REGISTERED"
	TypeHeartbeat     Type = "HEARTBEAT"
	TypeSpawn         Type = "SPAWN"
	TypeStop          Type = "STOP"
	TypeStatusRequest Type = "STATUS_REQUEST"
	TypeStatusReply   Type = "STATUS_REPLY"
	TypeReassign      Type = "REASSIGN"
	TypeShutdown      Type = "SHUTDOWN"
	TypeAck           Type = "ACK"
	TypeDegraded      Type = "DEGRADED"
)

// IsReply reports whether t answers an earlier request. Replies are routed
// to the waiting Request by correlation id instead of the receive queue.
func (t Type) IsReply() bool {
	switch t {
	case TypeRegistered, TypeStatusReply, TypeAck:
		return true
	}
	return false
}

// Message is the envelope carried in every frame. ID is set only on
// request/response pairs.
type Message struct {
	Type    Type            `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of type t. A nil payload
// produces an empty payload.
func NewMessage(t Type, payload any) (Message, error) {
	m := Message{Type: t}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	m.Payload = raw
	return m, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched;
// a malformed one is a protocol error.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return cluster.ProtocolError("decode "+string(m.Type), err)
	}
	return nil
}

// Hello opens the handshake. The token is sent here and never again.
type Hello struct {
	Role  cluster.Role `json:"role"`
	Token string       `json:"token"`
}

// Welcome accepts a handshake.
type Welcome struct {
	Role cluster.Role `json:"role"`
}

// Reject refuses a handshake. The acceptor closes right after sending it.
type Reject struct {
	Reason string `json:"reason"`
}

// Register asks the parent for an identity. PrevUID and Session are set when
// a node reconnects and wants its previous assignment back. Clusters carry
// the range they inherited from their spawning Server; ServerUID is filled
// in by the Server when it relays the request to the Brain.
type Register struct {
	Role      cluster.Role `json:"role"`
	PrevUID   int          `json:"prev_uid,omitempty"`
	Session   string       `json:"session"`
	Range     shard.Range  `json:"range,omitzero"`
	ServerUID int          `json:"server_uid,omitempty"`
}

// Registered grants an identity. Servers get their planned cluster ranges,
// clusters get their single range.
type Registered struct {
	Identity    cluster.NodeIdentity `json:"identity"`
	Ranges      []shard.Range        `json:"ranges,omitempty"`
	Range       shard.Range          `json:"range,omitzero"`
	TotalShards int                  `json:"total_shards"`
	Readmitted  bool                 `json:"readmitted,omitempty"`
}

// ClusterState is a Server's view of one registered cluster.
type ClusterState struct {
	UID    int         `json:"uid"`
	Range  shard.Range `json:"range"`
	Health string      `json:"health"`
}

// ProcessState is a Server's view of one supervised worker process.
type ProcessState struct {
	Range    shard.Range `json:"range"`
	State    string      `json:"state"`
	PID      int         `json:"pid,omitempty"`
	Restarts int         `json:"restarts"`
}

// Heartbeat reports liveness. Servers aggregate their clusters into it.
type Heartbeat struct {
	UID       int            `json:"uid"`
	Health    string         `json:"health,omitempty"`
	Clusters  []ClusterState `json:"clusters,omitempty"`
	Processes []ProcessState `json:"processes,omitempty"`
}

// Spawn asks a Server to launch a worker for Range.
type Spawn struct {
	Range       shard.Range `json:"range"`
	TotalShards int         `json:"total_shards"`
}

// Stop asks a Server to stop the worker owning Range.
type Stop struct {
	Range  shard.Range `json:"range"`
	Reason string      `json:"reason,omitempty"`
}

// StatusRequest asks for a live status snapshot. Timeout bounds how long the
// receiver may spend collecting replies from its own children.
type StatusRequest struct {
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StatusReply is a node's snapshot, with its children nested below it.
// Unreachable lists child uids that did not answer in time.
type StatusReply struct {
	Identity    cluster.NodeIdentity `json:"identity"`
	State       string               `json:"state"`
	Ranges      []shard.Range        `json:"ranges,omitempty"`
	Health      string               `json:"health,omitempty"`
	Children    []StatusReply        `json:"children,omitempty"`
	Unreachable []int                `json:"unreachable,omitempty"`
}

// Reassign moves a live cluster to a new range.
type Reassign struct {
	ClusterUID int         `json:"cluster_uid"`
	Range      shard.Range `json:"range"`
}

// Shutdown asks a node to drain and exit within Grace.
type Shutdown struct {
	Reason string        `json:"reason,omitempty"`
	Grace  time.Duration `json:"grace,omitempty"`
}

// Ack answers SPAWN, STOP, REASSIGN, SHUTDOWN and relayed messages.
// A non-empty Error means the request was refused.
type Ack struct {
	Error string `json:"error,omitempty"`
}

// Err converts a refused Ack into an error.
func (a Ack) Err() error {
	if a.Error == "" {
		return nil
	}
	return fmt.Errorf("%s", a.Error)
}

// Degraded reports that the worker for Range exceeded its restart ceiling.
type Degraded struct {
	Range    shard.Range `json:"range"`
	Restarts int         `json:"restarts"`
	Reason   string      `json:"reason,omitempty"`
}
