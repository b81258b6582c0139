// Package server implements the middle tier of the coordination tree.
//
// A Server registers with the Brain, listens for the cluster processes it
// launches and keeps them running with a supervisor. Clusters never talk to
// the Brain directly: their REGISTER is relayed through the Server, their
// heartbeats are folded into the Server's own, and STATUS requests fan out
// from the Server with a deadline.
package server
