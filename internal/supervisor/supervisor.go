package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/retry"
	"github.com/dreamware/tessera/internal/shard"
)

// State is the supervision state of one worker.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff" // waiting to restart after a crash
	StateStopping State = "stopping"
	StateExited   State = "exited" // clean exit or requested stop, never restarted
	StateDegraded State = "degraded"
)

// Active reports whether a worker in state s is, or will again be, running.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateBackoff, StateStopping:
		return true
	}
	return false
}

// ErrAlreadySupervised is returned when a range already has an active worker.
var ErrAlreadySupervised = errors.New("range already supervised")

// Spec describes one worker to launch.
type Spec struct {
	Range shard.Range
	Env   []string // KEY=VALUE pairs handed to the worker
}

// ExitStatus is how a worker finished.
type ExitStatus struct {
	Code      int  `json:"code"`
	Requested bool `json:"requested"` // ended by Stop
}

// Info is a snapshot of a supervised worker.
type Info struct {
	Range    shard.Range `json:"range"`
	State    State       `json:"state"`
	PID      int         `json:"pid,omitempty"`
	Restarts int         `json:"restarts"`
	LastExit int         `json:"last_exit"`
}

// Options configure a Supervisor.
type Options struct {
	Launcher   Launcher
	Restart    retry.Policy
	ResetAfter time.Duration // a run this long forgets earlier crashes
	OnDegraded func(Info)    // called once when a worker exceeds its restart ceiling
	Logger     *zap.Logger

	// StormThreshold and StormBackoff guard the whole tree: when crashes
	// across all ranges pile up past the threshold, every restart waits
	// StormBackoff. Zero values use 50 and the restart policy's Max.
	StormThreshold float64
	StormBackoff   time.Duration
}

// Supervisor launches worker processes, restarts them with exponential
// backoff when they crash, and gives up on a range once its restart ceiling
// is exceeded. A worker that exits with code 0, or that was asked to stop,
// is never restarted.
//
// Every Handle is a suture service under one suture supervisor, which is
// started by the first Start and shut down by Close.
type Supervisor struct {
	opts         Options
	logger       *zap.Logger
	tree         *suture.Supervisor
	stormBackoff time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	served    chan struct{}

	mu      sync.Mutex
	closed  bool
	handles map[shard.Range]*Handle
}

// New creates a supervisor. Call Close to stop every worker.
func New(opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("supervisor"),
		ctx:     ctx,
		cancel:  cancel,
		served:  make(chan struct{}),
		handles: make(map[shard.Range]*Handle),
	}

	threshold := opts.StormThreshold
	if threshold <= 0 {
		threshold = 50
	}
	backoff := opts.StormBackoff
	if backoff <= 0 {
		backoff = opts.Restart.Max
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	s.stormBackoff = backoff
	s.tree = suture.New("workers", suture.Spec{
		EventHook:        s.onEvent,
		FailureThreshold: threshold,
		FailureBackoff:   backoff,
		Timeout:          10 * time.Second,
	})
	return s
}

func (s *Supervisor) serve() {
	s.startOnce.Do(func() {
		errc := s.tree.ServeBackground(s.ctx)
		go func() {
			defer close(s.served)
			if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("supervisor tree stopped", zap.Error(err))
			}
		}()
	})
}

// onEvent runs on suture's goroutine and must not call back into the tree.
func (s *Supervisor) onEvent(e suture.Event) {
	switch ev := e.(type) {
	case suture.EventServiceTerminate:
		metrics.ProcessRestarts.Inc()
		fields := []zap.Field{
			zap.Float64("tree_failures", ev.CurrentFailures),
			zap.Bool("immediate", ev.Restarting),
			zap.Any("err", ev.Err),
		}
		if h, ok := ev.Service.(*Handle); ok {
			info := h.Info()
			fields = append(fields,
				zap.Stringer("range", info.Range),
				zap.Int("code", info.LastExit),
				zap.Int("restarts", info.Restarts),
				zap.Int("failures", h.failures()),
				zap.Duration("backoff", h.backoff()))
		}
		s.logger.Warn("worker crashed, restarting", fields...)
	case suture.EventServicePanic:
		s.logger.Error("worker supervision panicked",
			zap.String("service", ev.ServiceName),
			zap.String("panic", ev.PanicMsg))
	case suture.EventBackoff:
		s.logger.Warn("too many crashes, pausing restarts", zap.Duration("backoff", s.stormBackoff))
	case suture.EventResume:
		s.logger.Info("resuming restarts")
	case suture.EventStopTimeout:
		s.logger.Warn("worker ignored stop", zap.String("service", ev.ServiceName))
	}
}

// Handle is the supervisor's grip on one worker across restarts. It is the
// suture.Service that runs one incarnation per Serve call.
type Handle struct {
	sup      *Supervisor
	token    suture.ServiceToken
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	spec     Spec
	counter  retry.Counter
	delay    time.Duration // wait before the next incarnation
	state    State
	proc     Process
	restarts int
	last     ExitStatus
}

// Range returns the range the worker owns.
func (h *Handle) Range() shard.Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec.Range
}

// String names the service in suture's events.
func (h *Handle) String() string {
	return "worker" + h.Range().String()
}

// State returns the current supervision state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		Range:    h.spec.Range,
		State:    h.state,
		Restarts: h.restarts,
		LastExit: h.last.Code,
	}
	if h.proc != nil && h.state == StateRunning {
		info.PID = h.proc.PID()
	}
	return info
}

// Done is closed when supervision of the worker has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) backoff() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delay
}

func (h *Handle) failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counter.Failures()
}

func (h *Handle) stopRequested() bool {
	select {
	case <-h.stopReq:
		return true
	default:
		return false
	}
}

// finish ends supervision once; the first final state wins.
func (h *Handle) finish(state State, requested bool) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.state = state
		h.last.Requested = h.last.Requested || requested
		h.mu.Unlock()
		close(h.done)
	})
}

// Serve runs one incarnation of the worker. It returns
// suture.ErrDoNotRestart once the worker exited cleanly, was stopped or
// exceeded its restart ceiling, and a plain error after a crash so that
// suture restarts it.
func (h *Handle) Serve(ctx context.Context) error {
	s := h.sup
	if err := retry.Sleep(ctx, h.backoff()); err != nil {
		h.finish(StateExited, true)
		return suture.ErrDoNotRestart
	}
	if h.stopRequested() {
		h.finish(StateExited, true)
		return suture.ErrDoNotRestart
	}

	h.setState(StateStarting)
	started := time.Now()
	status, err := s.runOnce(ctx, h)
	ran := time.Since(started)

	h.mu.Lock()
	h.proc = nil
	h.last = status
	h.mu.Unlock()

	log := s.logger.With(zap.Stringer("range", h.Range()))

	if h.stopRequested() || ctx.Err() != nil {
		h.finish(StateExited, true)
		log.Info("worker stopped", zap.Int("code", status.Code))
		return suture.ErrDoNotRestart
	}
	if err == nil && status.Code == 0 {
		h.finish(StateExited, false)
		log.Info("worker exited cleanly")
		return suture.ErrDoNotRestart
	}

	h.mu.Lock()
	delay, ok := h.counter.Failed(ran)
	if ok {
		h.state = StateBackoff
		h.delay = delay
		h.restarts++
	}
	h.mu.Unlock()

	if !ok {
		h.finish(StateDegraded, false)
		info := h.Info()
		log.Error("worker exceeded restart ceiling",
			zap.Int("restarts", info.Restarts),
			zap.Int("code", status.Code),
			zap.Error(err))
		if s.opts.OnDegraded != nil {
			s.opts.OnDegraded(info)
		}
		return suture.ErrDoNotRestart
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("worker exited with code %d", status.Code)
}

// Start launches a worker for spec.Range and keeps it running.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	if err := spec.Range.Validate(); err != nil {
		return nil, err
	}
	if s.opts.Launcher == nil {
		return nil, fmt.Errorf("supervisor has no launcher")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("supervisor closed")
	}
	if h, ok := s.handles[spec.Range]; ok && h.State().Active() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, spec.Range)
	}

	h := &Handle{
		sup:     s,
		spec:    spec,
		counter: retry.Counter{Policy: s.opts.Restart, ResetAfter: s.opts.ResetAfter},
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateStarting,
	}
	s.handles[spec.Range] = h

	s.serve()
	token := s.tree.Add(h)
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
	return h, nil
}

// Stop asks the worker to exit and waits up to timeout before killing it.
// The handle is never restarted afterwards.
func (s *Supervisor) Stop(h *Handle, timeout time.Duration) (ExitStatus, error) {
	h.stopOnce.Do(func() { close(h.stopReq) })

	h.mu.Lock()
	token := h.token
	if h.state.Active() {
		h.state = StateStopping
	}
	h.mu.Unlock()

	// Removal cancels the service context, which signals the worker.
	err := s.tree.RemoveAndWait(token, timeout)
	switch {
	case err == nil, errors.Is(err, suture.ErrSupervisorNotRunning):
		// Removed between incarnations or after the tree stopped: nothing
		// will call Serve again.
		h.finish(StateExited, true)
		return h.exit(), nil
	case !errors.Is(err, suture.ErrTimeout):
		return h.exit(), cluster.SupervisionError("stop "+h.Range().String(), err)
	}

	s.logger.Warn("worker ignored stop, killing", zap.Stringer("range", h.Range()))
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}

	select {
	case <-h.done:
		return h.exit(), nil
	case <-time.After(timeout):
		return h.exit(), cluster.SupervisionError("stop "+h.Range().String(), fmt.Errorf("worker did not exit after kill"))
	}
}

func (h *Handle) exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Rekey moves the worker supervised for old to spec.Range after the worker
// was reassigned, so that later restarts launch it with spec.
func (s *Supervisor) Rekey(old shard.Range, spec Spec) error {
	if err := spec.Range.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[old]
	if !ok {
		return cluster.SupervisionError("rekey "+old.String(), fmt.Errorf("no worker for range"))
	}
	if other, ok := s.handles[spec.Range]; ok && other != h && other.State().Active() {
		return fmt.Errorf("%w: %s", ErrAlreadySupervised, spec.Range)
	}

	delete(s.handles, old)
	h.mu.Lock()
	h.spec = spec
	h.mu.Unlock()
	s.handles[spec.Range] = h
	return nil
}

// IsAlive reports whether the worker is running or about to be restarted.
func (s *Supervisor) IsAlive(h *Handle) bool {
	return h.State().Active()
}

// Lookup returns the handle for r, active or not.
func (s *Supervisor) Lookup(r shard.Range) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[r]
	return h, ok
}

// Forget drops a finished handle so that its range can be reported as free.
func (s *Supervisor) Forget(r shard.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[r]; ok && !h.State().Active() {
		delete(s.handles, r)
	}
}

// Handles returns snapshots of every handle in shard order.
func (s *Supervisor) Handles() []Info {
	handles := s.snapshot()
	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return shard.Compare(a.Range, b.Range) })
	return out
}

func (s *Supervisor) snapshot() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	return handles
}

// Close stops every worker, each with the given timeout, and then shuts
// the suture tree down. It is safe to call more than once.
func (s *Supervisor) Close(timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range s.snapshot() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if _, err := s.Stop(h, timeout); err != nil {
				s.logger.Error("stop failed", zap.Stringer("range", h.Range()), zap.Error(err))
			}
		}(h)
	}
	wg.Wait()

	s.cancel()
	// A tree that never served has nothing to wait for.
	s.startOnce.Do(func() { close(s.served) })
	<-s.served
}

// runOnce launches the worker and waits for it to exit. A launch failure
// counts as a crash. Cancelling ctx asks the worker to drain.
func (s *Supervisor) runOnce(ctx context.Context, h *Handle) (ExitStatus, error) {
	h.mu.Lock()
	spec := h.spec
	h.mu.Unlock()

	proc, err := s.opts.Launcher.Launch(ctx, spec)
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("launch: %w", err)
	}

	h.mu.Lock()
	h.proc = proc
	h.state = StateRunning
	h.mu.Unlock()

	type result struct {
		code int
		err  error
	}
	exited := make(chan result, 1)
	go func() {
		code, err := proc.Wait()
		exited <- result{code, err}
	}()

	var r result
	select {
	case r = <-exited:
	case <-ctx.Done():
		h.setState(StateStopping)
		if err := proc.Signal(); err != nil {
			s.logger.Debug("signal failed", zap.Stringer("range", spec.Range), zap.Error(err))
		}
		// Stop kills a worker that ignores the signal.
		r = <-exited
	}
	return ExitStatus{Code: r.code}, r.err
}
