package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/navigation"
	"github.com/GriffinCanCode/overlay/internal/process"
)

// empty encodes as {}.
type empty struct{}

// commandOutput is the success payload of run_command.
type commandOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// detachedOutput is the success payload of run_detached_command.
type detachedOutput struct {
	Pid int `json:"pid"`
}

// handle runs one request. Every variant is matched here.
func (d *Dispatcher) handle(req Request) (any, error) {
	switch r := req.(type) {
	case *LogRequest:
		d.content.Info("content log", zap.String("message", r.Message))
		return empty{}, nil
	case *ListDirectoryRequest:
		return d.listDirectory(r.Path)
	case *FileExistsRequest:
		_, err := os.Stat(r.Path)
		return err == nil, nil
	case *ReadFileRequest:
		return d.readFile(r.Path)
	case *RunCommandRequest:
		return d.runCommand(r)
	case *RunDetachedRequest:
		return d.runDetached(r)
	case *RunStreamingRequest:
		return d.runStreaming(r)
	default:
		return nil, fmt.Errorf("unsupported request variant %T", req)
	}
}

func (d *Dispatcher) listDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("error listing directory %s: %w", path, err)
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if !utf8.ValidString(full) {
			d.logger.Warn("directory entry not valid utf-8, skipping", zap.ByteString("path", []byte(full)))
			continue
		}
		out = append(out, full)
	}
	return out, nil
}

func (d *Dispatcher) readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error performing read command: %w", err)
	}
	text, err := process.DecodeUTF8("file", data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return text, nil
}

func specFrom(c CommandSpec) process.Spec {
	return process.Spec{
		Argv: c.Command,
		Dir:  c.WorkingDir,
		Env:  c.Environment,
	}
}

func (d *Dispatcher) runCommand(r *RunCommandRequest) (any, error) {
	timeout, err := timeoutFor(r.TimeoutSecs)
	if err != nil {
		return nil, err
	}

	ctx, _, release := d.nav.Register(d.ctx)
	defer release()

	res, err := d.runner.Run(ctx, specFrom(r.CommandSpec), timeout)
	if err != nil {
		return nil, err
	}
	return commandOutput{Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (d *Dispatcher) runDetached(r *RunDetachedRequest) (any, error) {
	pid, err := d.runner.Detach(specFrom(r.CommandSpec))
	if err != nil {
		return nil, err
	}
	return detachedOutput{Pid: pid}, nil
}

// runStreaming acknowledges as soon as the child is running. Lines and the
// final notice are delivered from the stream's own goroutine.
func (d *Dispatcher) runStreaming(r *RunStreamingRequest) (any, error) {
	ctx, _, release := d.nav.Register(d.ctx)

	streamID := r.StreamID
	log := d.logger.With(zap.Uint64("stream", streamID), zap.Strings("argv", r.Command))

	s, err := d.runner.Stream(ctx, specFrom(r.CommandSpec), process.StreamOptions{PTY: r.PTY}, func(line string) {
		script, err := StreamLineScript(streamID, line)
		if err != nil {
			log.Error("failed to encode stream line", zap.Error(err))
			return
		}
		if err := d.gate.Enqueue(script); err != nil {
			log.Debug("failed to deliver stream line", zap.Error(err))
		}
	})
	if err != nil {
		release()
		return nil, err
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer release()

		err := s.Err()
		if navigation.Navigated(ctx) {
			log.Debug("streaming command cancelled by navigation")
		}
		d.notice(log, r.Command, err)
	}()

	return empty{}, nil
}

// notice reports the end of a stream on the host log and the content
// console, since the stream callback has no end event.
func (d *Dispatcher) notice(log *logging.Logger, argv []string, err error) {
	command := strings.Join(argv, " ")
	var msg string
	if err == nil {
		msg = fmt.Sprintf("streaming command [%s] exited normally", command)
		log.Info(msg)
	} else {
		msg = fmt.Sprintf("streaming command [%s] failed with error: %v", command, err)
		log.Warn(msg)
	}

	script, encErr := ConsoleScript(msg)
	if encErr != nil {
		return
	}
	if err := d.gate.Enqueue(script); err != nil {
		log.Debug("failed to deliver stream notice", zap.Error(err))
	}
}
