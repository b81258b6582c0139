package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/retry"
)

// ErrParentLost is wrapped in the NetworkError returned once the parent has
// been unreachable for longer than the grace window.
var ErrParentLost = errors.New("parent lost")

// ErrRegistrationRefused means the parent answered REGISTER with a refusal.
var ErrRegistrationRefused = errors.New("registration refused")

// UplinkConfig configures the connection to a parent.
type UplinkConfig struct {
	Addr             string
	Role             cluster.Role
	Credential       cluster.Credential
	KeepAlive        ipc.KeepAlive
	HandshakeTimeout time.Duration
	RegisterTimeout  time.Duration
	Reconnect        retry.Policy  // backoff between attempts; its ceiling is ignored
	Grace            time.Duration // how long the parent may stay unreachable

	// Session identifies this incarnation chain. Empty generates one.
	Session string
	// PrevUID is a uid granted to an earlier incarnation, if any.
	PrevUID int
	// Register fills the role specific part of REGISTER.
	Register func() ipc.Register
	// Heartbeat produces the payload for keep-alive heartbeats.
	Heartbeat func() any

	Logger *zap.Logger
}

// Uplink drives CONNECTING, REGISTERING and ACTIVE for a node that has a
// parent. After a drop it re-registers with its previous uid and session
// so the parent can restore the same assignment.
type Uplink struct {
	cfg    UplinkConfig
	life   *Lifecycle
	logger *zap.Logger

	mu         sync.Mutex
	prevUID    int
	registered ipc.Registered
	conn       *ipc.Conn
}

// NewUplink creates an uplink in DISCONNECTED.
func NewUplink(cfg UplinkConfig) *Uplink {
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 5 * time.Second
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = retry.Default()
	}
	cfg.Reconnect.MaxAttempts = 0

	logger := logging.OrNop(cfg.Logger).Named("uplink")
	return &Uplink{
		cfg:     cfg,
		life:    NewLifecycle(logger),
		logger:  logger,
		prevUID: cfg.PrevUID,
	}
}

// Lifecycle exposes the node state machine.
func (u *Uplink) Lifecycle() *Lifecycle { return u.life }

// Session returns the session id sent with every REGISTER.
func (u *Uplink) Session() string { return u.cfg.Session }

// Identity returns the identity granted by the last registration.
func (u *Uplink) Identity() cluster.NodeIdentity {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registered.Identity
}

// Registered returns the last registration result.
func (u *Uplink) Registered() ipc.Registered {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registered
}

// Conn returns the active connection, or nil.
func (u *Uplink) Conn() *ipc.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn
}

// Connect dials and registers, retrying with backoff until it succeeds or
// the grace window runs out. It fails fast on an AuthError, which is a
// configuration problem that retrying cannot fix.
func (u *Uplink) Connect(ctx context.Context) (*ipc.Conn, ipc.Registered, error) {
	if err := u.life.Transition(StateConnecting); err != nil {
		return nil, ipc.Registered{}, err
	}

	deadline := time.Now().Add(u.cfg.Grace)
	for attempt := 1; ; attempt++ {
		conn, reg, err := u.attempt(ctx)
		if err == nil {
			return conn, reg, nil
		}

		switch {
		case ctx.Err() != nil:
			_ = u.life.Transition(StateDisconnected)
			return nil, ipc.Registered{}, ctx.Err()
		case errors.Is(err, cluster.ErrAuth):
			_ = u.life.Transition(StateDisconnected)
			return nil, ipc.Registered{}, err
		}

		delay := u.cfg.Reconnect.Delay(attempt)
		if u.cfg.Grace > 0 && time.Now().Add(delay).After(deadline) {
			_ = u.life.Transition(StateDisconnected)
			u.logger.Error("parent unreachable past grace window",
				zap.String("addr", u.cfg.Addr),
				zap.Duration("grace", u.cfg.Grace),
				zap.Error(err))
			return nil, ipc.Registered{}, cluster.NetworkError("connect "+u.cfg.Addr, fmt.Errorf("%w: %v", ErrParentLost, err))
		}

		u.logger.Warn("connect failed, retrying",
			zap.String("addr", u.cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := retry.Sleep(ctx, delay); err != nil {
			_ = u.life.Transition(StateDisconnected)
			return nil, ipc.Registered{}, err
		}
	}
}

func (u *Uplink) attempt(ctx context.Context) (*ipc.Conn, ipc.Registered, error) {
	conn, err := ipc.Dial(ctx, u.cfg.Addr, ipc.DialOptions{
		Role:             u.cfg.Role,
		Credential:       u.cfg.Credential,
		HandshakeTimeout: u.cfg.HandshakeTimeout,
		KeepAlive:        u.cfg.KeepAlive,
		Logger:           u.cfg.Logger,
	})
	if err != nil {
		return nil, ipc.Registered{}, err
	}

	if err := u.life.Transition(StateRegistering); err != nil {
		conn.Close()
		return nil, ipc.Registered{}, err
	}

	reg, err := u.register(ctx, conn)
	if err != nil {
		conn.Close()
		_ = u.life.Transition(StateConnecting)
		return nil, ipc.Registered{}, err
	}

	if u.cfg.Heartbeat != nil {
		conn.SetHeartbeat(u.cfg.Heartbeat)
	}

	u.mu.Lock()
	u.prevUID = reg.Identity.UID
	u.registered = reg
	u.conn = conn
	u.mu.Unlock()

	if err := u.life.Transition(StateActive); err != nil {
		conn.Close()
		return nil, ipc.Registered{}, err
	}
	u.logger.Info("registered with parent",
		zap.Stringer("identity", reg.Identity),
		zap.Bool("readmitted", reg.Readmitted))
	return conn, reg, nil
}

func (u *Uplink) register(ctx context.Context, conn *ipc.Conn) (ipc.Registered, error) {
	var payload ipc.Register
	if u.cfg.Register != nil {
		payload = u.cfg.Register()
	}
	payload.Role = u.cfg.Role
	payload.Session = u.cfg.Session
	u.mu.Lock()
	payload.PrevUID = u.prevUID
	u.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, u.cfg.RegisterTimeout)
	defer cancel()

	reply, err := conn.RequestPayload(rctx, ipc.TypeRegister, payload)
	if err != nil {
		return ipc.Registered{}, err
	}

	switch reply.Type {
	case ipc.TypeRegistered:
		var reg ipc.Registered
		if err := reply.Decode(&reg); err != nil {
			return ipc.Registered{}, err
		}
		if reg.Identity.UID == 0 || reg.Identity.Role != u.cfg.Role {
			return ipc.Registered{}, cluster.ProtocolError("register", fmt.Errorf("bad identity %s", reg.Identity))
		}
		return reg, nil
	case ipc.TypeAck:
		var ack ipc.Ack
		if err := reply.Decode(&ack); err != nil {
			return ipc.Registered{}, err
		}
		return ipc.Registered{}, fmt.Errorf("%w: %v", ErrRegistrationRefused, ack.Err())
	default:
		return ipc.Registered{}, cluster.ProtocolError("register", fmt.Errorf("unexpected reply %s", reply.Type))
	}
}

// ApplyRegistered handles a REGISTERED that arrives outside a registration
// exchange. A copy of the current grant is a no-op; anything else is
// ignored because an identity is immutable for the life of a connection.
// It reports whether the message was a duplicate.
func (u *Uplink) ApplyRegistered(reg ipc.Registered) bool {
	u.mu.Lock()
	current := u.registered.Identity
	u.mu.Unlock()

	if reg.Identity == current {
		u.logger.Debug("duplicate REGISTERED ignored", zap.Stringer("identity", reg.Identity))
		return true
	}
	u.logger.Warn("conflicting REGISTERED ignored",
		zap.Stringer("current", current),
		zap.Stringer("received", reg.Identity))
	return false
}

// Dropped records that the active connection was lost. The next Connect
// re-registers with the previous uid.
func (u *Uplink) Dropped() {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Drain moves to DRAINING. Further Connect calls fail.
func (u *Uplink) Drain() error {
	if u.life.Is(StateDraining) {
		return nil
	}
	return u.life.Transition(StateDraining)
}

// Close closes the connection and ends in DISCONNECTED.
func (u *Uplink) Close() {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	switch u.life.State() {
	case StateDisconnected:
	case StateDraining:
		_ = u.life.Transition(StateDisconnected)
	default:
		_ = u.life.Transition(StateDraining)
		_ = u.life.Transition(StateDisconnected)
	}
}
