package ipc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
)

// DialOptions configure the initiating side of a connection.
type DialOptions struct {
	Role             cluster.Role
	Credential       cluster.Credential
	HandshakeTimeout time.Duration
	KeepAlive        KeepAlive
	Logger           *zap.Logger
}

// Dial connects to a parent at addr and performs the handshake. It fails
// with an AuthError when the parent rejects the token or the role, and with
// a NetworkError when the parent cannot be reached.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cluster.NetworkError("dial "+addr, err)
	}

	if opts.Credential.TLS != nil {
		cfg := opts.Credential.TLS
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr == nil {
				cfg = cfg.Clone()
				cfg.ServerName = host
			}
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, cluster.NetworkError("tls handshake "+addr, err)
		}
		nc = tc
	}

	deadline, _ := ctx.Deadline()
	_ = nc.SetDeadline(deadline)

	peer, err := clientHandshake(nc, opts.Role, opts.Credential.Token)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	return newConn(nc, opts.Role, peer, opts.KeepAlive, opts.Logger), nil
}

func clientHandshake(nc net.Conn, role cluster.Role, token string) (cluster.Role, error) {
	hello, err := NewMessage(TypeHello, Hello{Role: role, Token: token})
	if err != nil {
		return "", err
	}
	if err := writeFrame(nc, hello); err != nil {
		return "", cluster.NetworkError("handshake", err)
	}

	reply, err := readMessage(nc)
	if err != nil {
		if cluster.KindOf(err) == cluster.KindProtocol {
			return "", err
		}
		return "", cluster.NetworkError("handshake", err)
	}

	switch reply.Type {
	case TypeWelcome:
		var w Welcome
		if err := reply.Decode(&w); err != nil {
			return "", err
		}
		return w.Role, nil
	case TypeReject:
		var r Reject
		if err := reply.Decode(&r); err != nil {
			return "", err
		}
		return "", cluster.AuthError("handshake", errors.New(r.Reason))
	default:
		return "", cluster.ProtocolError("handshake", fmt.Errorf("unexpected %s", reply.Type))
	}
}

// ListenOptions configure the accepting side. Role is the local role; only
// its child role may connect.
type ListenOptions struct {
	Role             cluster.Role
	Token            string
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	KeepAlive        KeepAlive
	Logger           *zap.Logger
}

// Handler owns an accepted connection until it returns.
type Handler func(ctx context.Context, c *Conn, hello Hello)

// Listener accepts authenticated child connections.
type Listener struct {
	ln     net.Listener
	opts   ListenOptions
	logger *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds addr. Nothing is accepted until Serve is called.
func Listen(addr string, opts ListenOptions) (*Listener, error) {
	if _, ok := opts.Role.ChildRole(); !ok {
		return nil, fmt.Errorf("role %q does not accept connections", opts.Role)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cluster.NetworkError("listen "+addr, err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}

	return &Listener{
		ln:     ln,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("ipc"),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx ends or the listener is closed.
// Each connection is handshaken and handed to handler on its own
// goroutine. Serve returns after every handler has returned.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			c, hello, err := l.accept(nc)
			if err != nil {
				l.logger.Info("handshake failed",
					zap.String("remote", nc.RemoteAddr().String()),
					zap.Error(err))
				return
			}
			defer c.Close()
			handler(ctx, c, hello)
		}()
	}

	l.wg.Wait()
	return nil
}

// Close stops accepting. Established connections are left to their handlers.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.ln.Close() })
	return err
}

func (l *Listener) accept(nc net.Conn) (*Conn, Hello, error) {
	_ = nc.SetDeadline(time.Now().Add(l.opts.HandshakeTimeout))

	hello, err := l.serverHandshake(nc)
	if err != nil {
		_ = nc.Close()
		return nil, Hello{}, err
	}
	_ = nc.SetDeadline(time.Time{})

	return newConn(nc, l.opts.Role, hello.Role, l.opts.KeepAlive, l.opts.Logger), hello, nil
}

func (l *Listener) serverHandshake(nc net.Conn) (Hello, error) {
	m, err := readMessage(nc)
	if err != nil {
		if cluster.KindOf(err) == cluster.KindProtocol {
			return Hello{}, err
		}
		return Hello{}, cluster.NetworkError("handshake", err)
	}
	if m.Type != TypeHello {
		l.reject(nc, "expected HELLO")
		return Hello{}, cluster.ProtocolError("handshake", fmt.Errorf("unexpected %s", m.Type))
	}

	var hello Hello
	if err := m.Decode(&hello); err != nil {
		l.reject(nc, "malformed HELLO")
		return Hello{}, err
	}

	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(l.opts.Token)) != 1 {
		metrics.AuthFailures.Inc()
		l.reject(nc, "invalid token")
		return Hello{}, cluster.AuthError("handshake", errors.New("invalid token"))
	}

	child, _ := l.opts.Role.ChildRole()
	if hello.Role != child {
		metrics.AuthFailures.Inc()
		reason := fmt.Sprintf("%s does not accept role %q", l.opts.Role, hello.Role)
		l.reject(nc, reason)
		return Hello{}, cluster.AuthError("handshake", errors.New(reason))
	}

	welcome, err := NewMessage(TypeWelcome, Welcome{Role: l.opts.Role})
	if err != nil {
		return Hello{}, err
	}
	if err := writeFrame(nc, welcome); err != nil {
		return Hello{}, cluster.NetworkError("handshake", err)
	}
	return hello, nil
}

func (l *Listener) reject(nc net.Conn, reason string) {
	m, err := NewMessage(TypeReject, Reject{Reason: reason})
	if err != nil {
		return
	}
	_ = writeFrame(nc, m)
}
