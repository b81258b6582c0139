package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
)

const (
	// DefaultHandshakeTimeout bounds HELLO/WELCOME on both sides.
	DefaultHandshakeTimeout = 5 * time.Second

	writeTimeout = 10 * time.Second
	inboxSize    = 64
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrPeerSilent means nothing arrived within the keep-alive window.
	ErrPeerSilent = errors.New("peer silent past keep-alive window")
	// ErrRequestTimeout means no reply arrived before the deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// KeepAlive configures heartbeats on a connection. Each side sends a
// HEARTBEAT every Interval; a connection that receives nothing for
// Interval*Misses closes itself. A zero Interval disables both.
type KeepAlive struct {
	Interval time.Duration
	Misses   int
}

// Window is how long the connection tolerates silence.
func (k KeepAlive) Window() time.Duration {
	misses := k.Misses
	if misses <= 0 {
		misses = 1
	}
	return k.Interval * time.Duration(misses)
}

// Conn is an authenticated, framed duplex channel between a parent and a
// child. A Conn only exists after a successful handshake: Dial returns the
// child's end and Listener.Serve hands the parent's end to its Handler.
//
// Two goroutines run per connection. The read loop decodes frames, routes
// replies (ACK, REGISTERED, STATUS_REPLY) carrying a non-zero id to the
// Request waiting on that id, and queues everything else, up to 64
// messages, for Receive. The keep-alive loop sends a HEARTBEAT every
// KeepAlive.Interval and closes the connection with ErrPeerSilent when
// nothing has arrived for KeepAlive.Window.
//
// Thread-safe: Send, Request and Reply may be called from any goroutine.
// Writes are serialized, so messages from one sender arrive in the order
// they were sent. Receive is meant for a single consumer.
//
// Once closed, by either side, by a write failure or by keep-alive, every
// pending Request fails with a NetworkError and Err reports the cause.
//
// Example:
//
//	conn, err := ipc.Dial(ctx, addr, ipc.DialOptions{Role: cluster.RoleServer, Credential: cred})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	reply, err := conn.RequestPayload(ctx, ipc.TypeRegister, ipc.Register{Role: cluster.RoleServer})
type Conn struct {
	nc     net.Conn
	local  cluster.Role
	peer   cluster.Role
	logger *zap.Logger

	wmu      sync.Mutex
	inbox    chan Message
	pending  *pending
	nextID   atomic.Uint64
	lastRecv atomic.Int64

	keepAlive KeepAlive
	hbMu      sync.Mutex
	heartbeat func() any

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

func newConn(nc net.Conn, local, peer cluster.Role, ka KeepAlive, logger *zap.Logger) *Conn {
	c := &Conn{
		nc:        nc,
		local:     local,
		peer:      peer,
		logger:    logging.OrNop(logger).Named("ipc").With(zap.String("peer", string(peer)), zap.String("remote", nc.RemoteAddr().String())),
		inbox:     make(chan Message, inboxSize),
		pending:   newPending(),
		keepAlive: ka,
		done:      make(chan struct{}),
	}
	c.lastRecv.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.readLoop()
	if ka.Interval > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop()
	}
	return c
}

// Peer returns the role of the remote side.
func (c *Conn) Peer() cluster.Role { return c.peer }

// RemoteAddr returns the address of the remote side.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// SetHeartbeat installs the source of HEARTBEAT payloads. Until one is set
// heartbeats carry no payload.
func (c *Conn) SetHeartbeat(fn func() any) {
	c.hbMu.Lock()
	c.heartbeat = fn
	c.hbMu.Unlock()
}

// Send writes m. Sending on a closed connection returns a NetworkError.
func (c *Conn) Send(m Message) error {
	select {
	case <-c.done:
		return cluster.NetworkError("send "+string(m.Type), c.Err())
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(c.nc, m); err != nil {
		if cluster.KindOf(err) == cluster.KindProtocol {
			return err
		}
		err = cluster.NetworkError("send "+string(m.Type), err)
		c.closeWith(err)
		return err
	}
	return nil
}

// SendPayload encodes payload into a message of type t and sends it.
func (c *Conn) SendPayload(t Type, payload any) error {
	m, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.Send(m)
}

// Request sends m with a fresh correlation id and waits for the reply.
// It fails when ctx ends, or when the connection closes first.
func (c *Conn) Request(ctx context.Context, m Message) (Message, error) {
	m.ID = c.nextID.Add(1)
	req := c.pending.add(m.ID, m.Type)
	defer c.pending.remove(m.ID)

	if err := c.Send(m); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-req.reply:
		return reply, nil
	case <-ctx.Done():
		c.logger.Debug("request abandoned",
			zap.String("type", string(m.Type)),
			zap.Uint64("id", m.ID),
			zap.Duration("waited", time.Since(req.sentAt)))
		return Message{}, cluster.NetworkError("request "+string(m.Type), fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err()))
	case <-c.done:
		return Message{}, cluster.NetworkError("request "+string(m.Type), c.Err())
	}
}

// RequestPayload encodes payload into a message of type t and calls Request.
func (c *Conn) RequestPayload(ctx context.Context, t Type, payload any) (Message, error) {
	m, err := NewMessage(t, payload)
	if err != nil {
		return Message{}, err
	}
	return c.Request(ctx, m)
}

// Reply answers req with a message of type t carrying req's id.
func (c *Conn) Reply(req Message, t Type, payload any) error {
	m, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	m.ID = req.ID
	return c.Send(m)
}

// Unsupported refuses a request the receiver has no handler for, so that
// the requester fails at once instead of waiting out its timeout.
// Uncorrelated messages and replies get no answer.
func (c *Conn) Unsupported(m Message) error {
	if m.ID == 0 || m.Type.IsReply() {
		return nil
	}
	return c.Reply(m, TypeAck, Ack{Error: "unsupported " + string(m.Type)})
}

// Receive blocks until a message arrives, the connection closes, or ctx
// ends. Messages already queued are delivered before a close is reported.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}

	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
		}
		return Message{}, c.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Done is closed when the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection and waits for its goroutines to exit.
// Pending requests fail immediately.
func (c *Conn) Close() error {
	c.closeWith(nil)
	c.wg.Wait()
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = cluster.NetworkError("close", ErrClosed)
		}
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()

		close(c.done)
		_ = c.nc.Close()
		c.pending.clear()
		c.logger.Debug("connection closed", zap.Error(reason))
	})
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		data, err := readFrame(c.nc)
		if err != nil {
			if cluster.KindOf(err) != cluster.KindProtocol {
				err = cluster.NetworkError("receive", err)
			}
			c.closeWith(err)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		m, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		if m.Type.IsReply() && m.ID != 0 {
			if !c.pending.resolve(m) {
				metrics.UnmatchedReplies.Inc()
				c.logger.Debug("discarding unmatched reply",
					zap.String("type", string(m.Type)),
					zap.Uint64("id", m.ID))
			}
			continue
		}

		select {
		case c.inbox <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepAlive.Interval)
	defer ticker.Stop()

	window := c.keepAlive.Window()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			silent := now.Sub(time.Unix(0, c.lastRecv.Load()))
			if silent >= window {
				c.logger.Warn("peer missed heartbeats",
					zap.Duration("silent", silent),
					zap.Duration("window", window))
				c.closeWith(cluster.NetworkError("keepalive", ErrPeerSilent))
				return
			}

			c.hbMu.Lock()
			source := c.heartbeat
			c.hbMu.Unlock()

			var payload any
			if source != nil {
				payload = source()
			}
			if err := c.SendPayload(TypeHeartbeat, payload); err != nil {
				c.logger.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}
