// Package process owns one OS process per Handle: spawning it in its own
// process group, pumping its combined output into a broker, forwarding
// stdin, and terminating the whole tree.
package process

import (
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"scriptserver/internal/broker"
	"scriptserver/internal/core"
)

const defaultDrainTimeout = 2 * time.Second

// Spec describes the process to spawn. Env entries are layered over the
// daemon's own environment; keys are case-sensitive.
type Spec struct {
	Command    []string
	WorkingDir string
	Env        map[string]string
}

// ExitStatus is the outcome of a finished process.
type ExitStatus struct {
	Code int
	Err  error
}

// Option configures a Handle.
type Option func(*Handle)

// WithTerminator overrides the platform termination strategy.
func WithTerminator(t Terminator) Option {
	return func(h *Handle) { h.term = t }
}

// WithBrokerOptions configures the output broker created for the process.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(h *Handle) { h.brokerOpts = append(h.brokerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) { h.logger = logger }
}

// WithDrainTimeout bounds how long output is still read after the process
// exited. A grandchild keeping the pipe open cannot hold the exit longer.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handle) { h.drainTimeout = d }
}

// Handle owns a single OS process.
type Handle struct {
	spec         Spec
	term         Terminator
	out          *broker.Broker
	brokerOpts   []broker.Option
	logger       *slog.Logger
	drainTimeout time.Duration

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	pid           int
	group         int
	started       bool
	exited        bool
	stopRequested bool
	killRequested bool
	status        ExitStatus

	done chan struct{}
}

// New prepares a handle; nothing is spawned until Start.
func New(spec Spec, opts ...Option) *Handle {
	h := &Handle{
		spec:         spec,
		term:         DefaultTerminator(),
		logger:       slog.Default(),
		drainTimeout: defaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.out = broker.New(h.brokerOpts...)
	return h
}

// Start spawns the process. Spawn errors (missing executable, bad working
// directory, permissions) are returned here and marked core.ErrStartFailure.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("process already started")
	}
	if len(h.spec.Command) == 0 {
		return core.StartFailure(errors.New("empty command"), "start process")
	}

	cmd := exec.Command(h.spec.Command[0], h.spec.Command[1:]...)
	cmd.Dir = h.spec.WorkingDir
	cmd.Env = MergeEnv(os.Environ(), h.spec.Env)
	h.term.Prepare(cmd)

	reader, writer, err := os.Pipe()
	if err != nil {
		return core.StartFailure(err, "create output pipe")
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	stdin, err := cmd.StdinPipe()
	if err != nil {
		reader.Close()
		writer.Close()
		return core.StartFailure(err, "create stdin pipe")
	}
	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return core.StartFailure(err, "start %s", h.spec.Command[0])
	}
	// the child holds its own copy of the write end
	writer.Close()

	h.cmd = cmd
	h.stdin = stdin
	h.pid = cmd.Process.Pid
	h.group = h.term.Group(h.pid)
	h.started = true

	pumped := make(chan struct{})
	go h.pump(reader, pumped)
	go h.wait(reader, pumped)
	return nil
}

func (h *Handle) pump(reader *os.File, pumped chan<- struct{}) {
	defer close(pumped)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			h.out.Publish(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Warn("read process output", "pid", h.pid, "err", err)
			}
			return
		}
	}
}

func (h *Handle) wait(reader *os.File, pumped <-chan struct{}) {
	waitErr := h.cmd.Wait()

	select {
	case <-pumped:
	case <-time.After(h.drainTimeout):
		h.logger.Warn("output still open after exit, detaching", "pid", h.pid)
		reader.Close()
		<-pumped
	}
	reader.Close()

	status := ExitStatus{}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		status.Code = exitErr.ExitCode()
	default:
		status.Code = -1
		status.Err = waitErr
	}

	h.mu.Lock()
	h.exited = true
	h.status = status
	stdin := h.stdin
	h.mu.Unlock()
	_ = stdin.Close()

	// the last chunk is published before the broker closes, and the broker
	// closes before anyone waiting on done is released
	h.out.Close()
	close(h.done)
}

// WriteInput forwards p to the process's stdin.
func (h *Handle) WriteInput(p []byte) error {
	h.mu.Lock()
	if !h.started || h.exited {
		h.mu.Unlock()
		return core.Mark(errors.New("process is not running"), core.ErrAlreadyFinished)
	}
	stdin := h.stdin
	h.mu.Unlock()

	if _, err := stdin.Write(p); err != nil {
		if h.Exited() || errors.Is(err, os.ErrClosed) {
			return core.Mark(errors.Wrap(err, "write input"), core.ErrAlreadyFinished)
		}
		return errors.Wrap(err, "write input")
	}
	return nil
}

// Output returns the broker carrying the combined stdout and stderr.
func (h *Handle) Output() *broker.Broker {
	return h.out
}

// Subscribe attaches a new reader to the output.
func (h *Handle) Subscribe() *broker.Subscription {
	return h.out.Subscribe()
}

// Wait blocks until the process has exited and its output is closed.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed after the process exited and its output broker closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Stop asks the process group to exit. It does not wait.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if !h.started || h.exited {
		h.mu.Unlock()
		return nil
	}
	h.stopRequested = true
	group := h.group
	h.mu.Unlock()

	if err := h.term.Stop(group); err != nil && !h.Exited() {
		return errors.Wrapf(err, "stop process group %d", group)
	}
	return nil
}

// Kill force-terminates the whole process tree. Calling it on a process
// that already exited is a no-op.
func (h *Handle) Kill() error {
	h.mu.Lock()
	if !h.started || h.exited {
		h.mu.Unlock()
		return nil
	}
	h.killRequested = true
	group := h.group
	h.mu.Unlock()

	if err := h.term.Kill(group); err != nil && !h.Exited() {
		return errors.Wrapf(err, "kill process group %d", group)
	}
	return nil
}

// StopRequested reports whether Stop was called while the process ran.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

// KillRequested reports whether Kill was called while the process ran.
func (h *Handle) KillRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killRequested
}

// Pid returns the process id, or 0 before Start.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Spec returns the spawn description.
func (h *Handle) Spec() Spec {
	return h.spec
}

// MergeEnv overlays extra on base (KEY=VALUE form) and returns a sorted
// environment. Keys are compared case-sensitively.
func MergeEnv(base []string, extra map[string]string) []string {
	env := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	maps.Copy(env, extra)

	out := make([]string, 0, len(env))
	for _, key := range slices.Sorted(maps.Keys(env)) {
		out = append(out, key+"="+env[key])
	}
	return out
}
