package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/logging"
)

// Launcher starts one incarnation of a worker.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running worker incarnation.
type Process interface {
	PID() int
	// Wait blocks until the worker exits and returns its exit code.
	Wait() (int, error)
	// Signal asks the worker to drain and exit.
	Signal() error
	// Kill ends the worker immediately.
	Kill() error
}

// ExecLauncher runs workers as operating system processes. Each worker gets
// the parent's environment filtered down to PATH and HOME plus the spec's
// own variables; its stdout and stderr lines are forwarded to the logger.
type ExecLauncher struct {
	Path   string
	Args   []string
	Logger *zap.Logger
}

// Launch starts the worker binary.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if l.Path == "" {
		return nil, errors.New("no worker entrypoint configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(baseEnv(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}

	log := logging.OrNop(l.Logger).Named("worker").With(
		zap.Stringer("range", spec.Range),
		zap.Int("pid", cmd.Process.Pid))

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	var pipes sync.WaitGroup
	pipes.Add(2)
	go forwardLines(&pipes, stdout, log, "stdout")
	go forwardLines(&pipes, stderr, log, "stderr")
	go func() {
		// Pipes must be drained before cmd.Wait closes them.
		pipes.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// baseEnv keeps only what a worker needs to run; secrets of the parent
// process are not inherited.
func baseEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, log *zap.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info(scanner.Text(), zap.String("stream", stream))
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.err
}

func (p *execProcess) Signal() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// WorkerFunc is the body of an in-process worker. It returns the exit code
// and should return promptly once ctx is canceled.
type WorkerFunc func(ctx context.Context, spec Spec) int

// InProcessLauncher runs workers as goroutines. Signal and Kill both cancel
// the worker's context. It lets a whole tree run inside one process.
type InProcessLauncher struct {
	Run WorkerFunc

	mu      sync.Mutex
	nextPID int
}

// Launch starts fn on its own goroutine.
func (l *InProcessLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.nextPID++
	pid := l.nextPID
	l.mu.Unlock()

	wctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{pid: pid, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer cancel()
		p.code = l.Run(wctx, spec)
	}()
	return p, nil
}

type inProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
	code   int
}

func (p *inProcess) PID() int { return p.pid }

func (p *inProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *inProcess) Signal() error {
	p.cancel()
	return nil
}

func (p *inProcess) Kill() error {
	p.cancel()
	return nil
}
