// Package ipc implements the authenticated parent/child channel and the
// message vocabulary spoken over it.
//
// # Wire Format
//
// Every frame is a 4-byte big-endian length followed by a JSON envelope:
//
//	{"type":"REGISTER","id":7,"payload":{...}}
//
// Frames larger than MaxFrameSize are refused. The id is only present on
// request/response pairs.
//
// # Handshake
//
// The initiator sends HELLO with its role and the shared token. The acceptor
// checks the token in constant time and checks that the role is the one it
// takes as a child, then answers WELCOME or REJECT. Nothing else is read
// before the handshake completes, and the token never crosses the wire
// again.
//
// # Keep-alive
//
// Both sides send HEARTBEAT every KeepAlive.Interval. A side that hears
// nothing for Interval*Misses closes the connection locally; the node above
// it observes Done and applies its own grace policy.
package ipc
