package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxLineBytes caps a single streamed line.
const maxLineBytes = 1 << 20

// StreamOptions tunes Stream.
type StreamOptions struct {
	// PTY runs the child on a pseudo-terminal. Stdout and stderr are merged
	// and programs that only flush per line on a tty behave interactively.
	PTY bool
}

// Stream is a running streaming command.
type Stream struct {
	Pid  int
	done chan struct{}
	err  error
}

// Done is closed once the child has exited and every line was delivered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports how the stream ended. It is only meaningful after Done is
// closed: nil on a clean exit, *ExitError on an unsuccessful status,
// *EncodingError on a non UTF-8 line, context.Cause(ctx) on cancellation.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Stream starts spec and calls onLine for every line of stdout, in order,
// from a single goroutine. It returns once the child is running. ctx
// cancellation stops the child.
func (r *Runner) Stream(ctx context.Context, spec Spec, opts StreamOptions, onLine func(line string)) (*Stream, error) {
	cmd, err := r.command(spec, !opts.PTY)
	if err != nil {
		return nil, err
	}

	var (
		out    io.Reader
		closer io.Closer
		c      *child
	)
	if opts.PTY {
		// pty.Start makes the child a session leader, which also gives it
		// its own process group.
		ptmx, startErr := r.startPTY(cmd)
		if startErr != nil {
			return nil, startErr
		}
		out, closer = ptmx, ptmx
		c = r.track(cmd, "stream", true)
	} else {
		stderr := r.logger.Writer(zapcore.WarnLevel, zap.Strings("argv", spec.Argv))
		cmd.Stderr = stderr
		closer = stderr
		pipe, pipeErr := cmd.StdoutPipe()
		if pipeErr != nil {
			return nil, &SpawnError{Argv: spec.Argv, Err: pipeErr}
		}
		out = pipe
		if c, err = r.start(cmd, "stream"); err != nil {
			return nil, err
		}
	}

	s := &Stream{Pid: cmd.Process.Pid, done: make(chan struct{})}

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-finished:
				return
			default:
			}
			r.stop(c, "cancelled")
		case <-finished:
		}
	}()

	go func() {
		defer close(s.done)

		readErr := r.forwardLines(out, opts.PTY, onLine)
		if readErr != nil {
			// Nobody is reading anymore; the child must not block on a full pipe.
			r.stop(c, "failed")
		}

		waitErr := cmd.Wait()
		close(c.exited)
		close(finished)
		_ = closer.Close()
		r.forget(c)

		switch {
		case ctx.Err() != nil:
			s.err = context.Cause(ctx)
		case readErr != nil:
			s.err = readErr
		default:
			s.err = r.streamExit(c, waitErr)
		}
	}()

	return s, nil
}

// forwardLines scans out and hands every complete line to onLine.
func (r *Runner) forwardLines(out io.Reader, fromPTY bool, onLine func(string)) error {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		raw := scanner.Bytes()
		line, err := DecodeUTF8("stdout", raw)
		if err != nil {
			return err
		}
		if fromPTY {
			line = strings.TrimSuffix(line, "\r")
		}
		r.metrics.RecordStreamLine()
		onLine(line)
	}

	err := scanner.Err()
	// Reading a pty master after the child exits fails with EIO on Linux.
	if fromPTY && errors.Is(err, syscall.EIO) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading lines: %w", err)
	}
	return nil
}

// streamExit classifies the end of a stream that was not cancelled.
func (r *Runner) streamExit(c *child, waitErr error) error {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		r.ended(c, "error")
		return waitErr
	}
	state := c.cmd.ProcessState
	if !state.Success() {
		r.ended(c, "failed")
		return newExitError(state, "", "")
	}
	r.ended(c, "exited")
	return nil
}

// startPTY starts cmd attached to a new pseudo-terminal.
func (r *Runner) startPTY(cmd *exec.Cmd) (io.ReadCloser, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, &SpawnError{Argv: cmd.Args, Err: ErrShutdown}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return nil, &SpawnError{Argv: cmd.Args, Err: fmt.Errorf("failed to start PTY: %w", err)}
	}
	return ptmx, nil
}

// track registers an already started cmd for supervision.
func (r *Runner) track(cmd *exec.Cmd, mode string, onPTY bool) *child {
	c := &child{cmd: cmd, mode: mode, exited: make(chan struct{})}
	r.mu.Lock()
	r.children[cmd.Process.Pid] = c
	r.mu.Unlock()

	r.metrics.ProcessStarted()
	r.logger.Debug("command started",
		zap.String("mode", mode),
		zap.Strings("argv", cmd.Args),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("pty", onPTY),
	)
	return c
}
