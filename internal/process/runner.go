package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
)

// waitDelay bounds how long Wait keeps draining pipes after the child
// exits, for grandchildren that inherited them.
const waitDelay = 2 * time.Second

// Spec describes one child process.
type Spec struct {
	Argv []string
	// Dir defaults to the host's working directory.
	Dir string
	// Env is layered over the host environment; entries here win.
	Env map[string]string
}

// Result is the captured outcome of a successful Run.
type Result struct {
	Stdout string
	Stderr string
}

// Config tunes the runner.
type Config struct {
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	// BaseEnv defaults to os.Environ() when nil.
	BaseEnv []string
}

// DefaultConfig returns the timeouts used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Second,
		KillGrace:      5 * time.Second,
	}
}

// Runner starts and supervises child processes.
type Runner struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	children map[int]*child
	closed   bool
	reaping  sync.WaitGroup
}

// child is a supervised process. exited is closed once Wait has returned.
type child struct {
	cmd     *exec.Cmd
	mode    string
	exited  chan struct{}
	stopped sync.Once
	ended   sync.Once
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *logging.Logger, metrics *monitoring.Metrics) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.BaseEnv == nil {
		cfg.BaseEnv = os.Environ()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		children: make(map[int]*child),
	}
}

// Run executes spec and waits for it. Three outcomes race: exit, timeout
// and ctx cancellation; the first decides the result. A timeout returns
// ErrTimeout and a cancellation returns context.Cause(ctx). Zero timeout
// means the configured default.
func (r *Runner) Run(ctx context.Context, spec Spec, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	cmd, err := r.command(spec, true)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c, err := r.start(cmd, "run")
	if err != nil {
		return nil, err
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(c.exited)
		waitErr <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		r.forget(c)
		return r.collect(c, err, stdout.Bytes(), stderr.Bytes())
	case <-timer.C:
		r.stop(c, "timeout")
		r.logger.Debug("command timed out",
			zap.Strings("argv", spec.Argv),
			zap.Duration("timeout", timeout),
		)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.stop(c, "cancelled")
		return nil, context.Cause(ctx)
	}
}

// collect turns a finished Run into its result.
func (r *Runner) collect(c *child, waitErr error, stdoutRaw, stderrRaw []byte) (*Result, error) {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		r.ended(c, "error")
		return nil, waitErr
	}

	state := c.cmd.ProcessState
	outcome := "exited"
	if !state.Success() {
		outcome = "failed"
	}
	r.ended(c, outcome)

	stdout, err := DecodeUTF8("stdout", stdoutRaw)
	if err != nil {
		return nil, err
	}
	stderr, err := DecodeUTF8("stderr", stderrRaw)
	if err != nil {
		return nil, err
	}
	if !state.Success() {
		return nil, newExitError(state, stdout, stderr)
	}
	return &Result{Stdout: stdout, Stderr: stderr}, nil
}

// Detach starts spec and returns its pid without waiting. The child is
// reaped in the background but otherwise left alone.
func (r *Runner) Detach(spec Spec) (int, error) {
	cmd, err := r.command(spec, true)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, &SpawnError{Argv: spec.Argv, Err: err}
	}

	pid := cmd.Process.Pid
	r.metrics.ProcessStarted()
	r.logger.Debug("detached command started", zap.Strings("argv", spec.Argv), zap.Int("pid", pid))

	r.reaping.Add(1)
	go func() {
		defer r.reaping.Done()
		outcome := "exited"
		if err := cmd.Wait(); err != nil {
			outcome = "failed"
		}
		r.metrics.ProcessEnded("detached", outcome)
	}()
	return pid, nil
}

// Active returns the number of supervised children still running.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// Shutdown stops every supervised child and waits for them to be reaped,
// or for ctx to end. Detached children are not touched.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*child, 0, len(r.children))
	for _, c := range r.children {
		live = append(live, c)
	}
	r.mu.Unlock()

	for _, c := range live {
		r.stop(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		for _, c := range live {
			<-c.exited
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// command builds an exec.Cmd for spec. ownGroup puts the child in a new
// process group so it can be stopped together with its descendants.
func (r *Runner) command(spec Spec, ownGroup bool) (*exec.Cmd, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = r.environ(spec.Env)
	cmd.WaitDelay = waitDelay
	if ownGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	return cmd, nil
}

// environ layers overrides over the base environment. exec.Cmd keeps the
// last value for a duplicated key, so appending is enough.
func (r *Runner) environ(overrides map[string]string) []string {
	env := make([]string, 0, len(r.cfg.BaseEnv)+len(overrides))
	env = append(env, r.cfg.BaseEnv...)

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// start launches cmd and registers it for supervision.
func (r *Runner) start(cmd *exec.Cmd, mode string) (*child, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, &SpawnError{Argv: cmd.Args, Err: ErrShutdown}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Argv: cmd.Args, Err: err}
	}

	return r.track(cmd, mode, false), nil
}

// ended records how c finished. Only the first outcome counts.
func (r *Runner) ended(c *child, outcome string) {
	c.ended.Do(func() {
		r.metrics.ProcessEnded(c.mode, outcome)
	})
}

func (r *Runner) forget(c *child) {
	r.mu.Lock()
	delete(r.children, c.cmd.Process.Pid)
	r.mu.Unlock()
}

// stop terminates c's process group: SIGTERM now, SIGKILL once the grace
// period passes without an exit. It returns immediately.
func (r *Runner) stop(c *child, outcome string) {
	c.stopped.Do(func() {
		pid := c.cmd.Process.Pid
		r.signal(pid, syscall.SIGTERM)

		r.reaping.Add(1)
		go func() {
			defer r.reaping.Done()
			defer r.forget(c)

			grace := time.NewTimer(r.cfg.KillGrace)
			defer grace.Stop()

			select {
			case <-c.exited:
			case <-grace.C:
				r.logger.Warn("command ignored SIGTERM, killing",
					zap.Int("pid", pid),
					zap.Duration("grace", r.cfg.KillGrace),
				)
				r.signal(pid, syscall.SIGKILL)
				<-c.exited
			}
			r.ended(c, outcome)
		}()
	})
}

// signal delivers sig to the process group led by pid, falling back to the
// process itself.
func (r *Runner) signal(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			r.logger.Debug("failed to signal command", zap.Int("pid", pid), zap.Error(err))
		}
	}
}
