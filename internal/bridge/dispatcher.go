package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/correlation"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/overlay/internal/navigation"
	"github.com/GriffinCanCode/overlay/internal/process"
)

// maxLoggedMessage caps how much of an undecodable message is logged.
const maxLoggedMessage = 512

// Deliverer queues a script for evaluation on the content surface. It must
// not block.
type Deliverer interface {
	Enqueue(script string) error
}

// Deps are the collaborators a Dispatcher is built from.
type Deps struct {
	Gate       Deliverer
	Table      *correlation.Table
	Navigation *navigation.Broadcaster
	Runner     *process.Runner
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
}

// Dispatcher decodes messages from the content and runs each request on
// its own goroutine. Responses go back through the Deliverer.
type Dispatcher struct {
	gate    Deliverer
	table   *correlation.Table
	nav     *navigation.Broadcaster
	runner  *process.Runner
	logger  *logging.Logger
	content *logging.Logger
	metrics *monitoring.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	nav := deps.Navigation
	if nav == nil {
		nav = navigation.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		gate:    deps.Gate,
		table:   deps.Table,
		nav:     nav,
		runner:  deps.Runner,
		logger:  logger.Named("dispatcher"),
		content: logger.Named("content"),
		metrics: deps.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Accept takes one raw message from the content. It never blocks on the
// work the message asks for.
func (d *Dispatcher) Accept(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		d.metrics.RecordDecodeError()
		d.logger.Warn("dropping undecodable message",
			zap.Error(err),
			zap.ByteString("message", truncate(raw, maxLoggedMessage)),
		)
		return
	}

	switch {
	case msg.Window != nil:
		d.inflight.Add(1)
		go d.serve(*msg.Window)
	case msg.External != nil:
		d.settle(*msg.External)
	}
}

// Close cancels in-flight requests and waits for their handlers to finish.
func (d *Dispatcher) Close() {
	d.cancel()
	d.inflight.Wait()
}

// Wait blocks until every accepted request has been answered.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) settle(msg ExternalMessage) {
	if d.table == nil || !d.table.Fulfill(msg.ID, msg.Reply) {
		d.logger.Warn("external reply for unknown or settled request", zap.Uint64("id", msg.ID))
		return
	}
	d.logger.Debug("external reply delivered",
		zap.Uint64("id", msg.ID),
		zap.Bool("failed", msg.Reply.Failed),
	)
}

// serve handles one request and delivers exactly one response for it.
func (d *Dispatcher) serve(msg WindowMessage) {
	defer d.inflight.Done()

	kind := string(msg.Request.Kind())
	timer := monitoring.NewTimer(d.metrics, kind)
	log := d.logger.With(zap.Uint64("id", msg.ID), zap.String("variant", kind))

	value, err := d.handleSafely(msg.Request)

	var payload []byte
	if err != nil {
		timer.Stop("error")
		log.Debug("request failed", zap.Error(err))
		payload = d.encode(log, failure(err))
	} else {
		timer.Stop("ok")
		payload = d.encode(log, value)
	}

	if err := d.gate.Enqueue(ResponseScript(msg.ID, payload)); err != nil {
		log.Debug("failed to deliver response", zap.Error(err))
	}
}

// handleSafely turns a handler panic into an error response.
func (d *Dispatcher) handleSafely(req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handler panicked",
				zap.String("variant", string(req.Kind())),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			value, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	return d.handle(req)
}

func (d *Dispatcher) encode(log *logging.Logger, value any) []byte {
	payload, err := codec.Marshal(value)
	if err != nil {
		log.Error("failed to encode response", zap.Error(err))
		payload, _ = codec.Marshal(failureResponse{Err: "failed to encode response: " + err.Error()})
	}
	return payload
}

// failureResponse is the {"err": ...} shape content rejects on.
type failureResponse struct {
	Err      string  `json:"err"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Stdout   *string `json:"stdout,omitempty"`
	Stderr   *string `json:"stderr,omitempty"`
}

func failure(err error) failureResponse {
	resp := failureResponse{Err: err.Error()}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		resp.ExitCode = &exitErr.Code
		resp.Stdout = &exitErr.Stdout
		resp.Stderr = &exitErr.Stderr
	}
	return resp
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// maxTimeoutSecs is the largest timeout a time.Duration can hold.
const maxTimeoutSecs = float64(math.MaxInt64) / float64(time.Second)

// timeoutFor converts a caller supplied timeout. Zero means the runner's
// default.
func timeoutFor(secs *float64) (time.Duration, error) {
	if secs == nil {
		return 0, nil
	}
	if *secs <= 0 {
		return 0, fmt.Errorf("timeout_secs must be positive, got %v", *secs)
	}
	if *secs >= maxTimeoutSecs {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(*secs * float64(time.Second)), nil
}
