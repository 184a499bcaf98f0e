// Package gate serializes all script evaluation onto one goroutine.
//
// Content surfaces are single-threaded: only the goroutine that owns the
// surface may touch it. Producers anywhere in the host call Enqueue, which
// never blocks, and the gate loop evaluates scripts in the order they were
// queued. The loop also watches for shutdown and for the surface going
// away, so a quiet queue never keeps the host alive.
package gate

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/overlay/internal/surface"
)

var (
	// ErrClosed is returned by Enqueue and Load once the loop has stopped.
	ErrClosed = errors.New("gate closed")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("gate already running")
)

type taskKind int

const (
	taskScript taskKind = iota
	taskLoad
)

func (k taskKind) String() string {
	if k == taskLoad {
		return "load"
	}
	return "script"
}

type task struct {
	kind taskKind
	body string
}

// Gate owns a surface and is the only caller of its Load and Evaluate.
type Gate struct {
	surface surface.Surface
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	queue   []task
	closed  bool
	running bool
	wake    chan struct{}
	stopped chan struct{}
}

// New creates a gate in front of s. Nothing is evaluated until Run.
func New(s surface.Surface, logger *logging.Logger, metrics *monitoring.Metrics) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{
		surface: s,
		logger:  logger.Named("gate"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Enqueue queues script for evaluation. It never blocks. The only error is
// ErrClosed; evaluation failures are logged by the loop and not reported.
func (g *Gate) Enqueue(script string) error {
	return g.push(task{kind: taskScript, body: script})
}

// Load queues a page load behind every script queued so far.
func (g *Gate) Load(page string) error {
	return g.push(task{kind: taskLoad, body: page})
}

// Pending returns the number of queued tasks.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Stopped is closed once Run has returned.
func (g *Gate) Stopped() <-chan struct{} {
	return g.stopped
}

func (g *Gate) push(t task) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.queue = append(g.queue, t)
	depth := len(g.queue)
	g.mu.Unlock()

	g.metrics.SetQueueDepth(depth)
	select {
	case g.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run evaluates queued tasks until ctx ends or the surface is done. It
// occupies the calling goroutine, locked to its OS thread, for as long as
// it runs. Tasks still queued when it returns are dropped.
func (g *Gate) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.running || g.closed {
		g.mu.Unlock()
		return ErrRunning
	}
	g.running = true
	g.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer g.shutdown()

	g.logger.Debug("gate loop started")
	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("gate loop stopping", zap.Error(context.Cause(ctx)))
			return nil
		case <-g.surface.Done():
			g.logger.Info("content surface closed")
			return nil
		case <-g.wake:
			g.drain(ctx)
		}
	}
}

// drain delivers queued tasks until the queue is empty or ctx ends.
func (g *Gate) drain(ctx context.Context) {
	for ctx.Err() == nil {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.queue = nil
			g.mu.Unlock()
			g.metrics.SetQueueDepth(0)
			return
		}
		t := g.queue[0]
		g.queue[0] = task{}
		g.queue = g.queue[1:]
		depth := len(g.queue)
		g.mu.Unlock()

		g.metrics.SetQueueDepth(depth)
		g.deliver(t)
	}
}

func (g *Gate) deliver(t task) {
	var err error
	switch t.kind {
	case taskLoad:
		g.logger.Info("loading page", zap.String("page", t.body))
		err = g.surface.Load(t.body)
	default:
		err = g.surface.Evaluate(t.body)
	}

	if err != nil {
		g.metrics.RecordDelivery(t.kind.String(), "error")
		g.logger.Warn("delivery to content surface failed",
			zap.Stringer("kind", t.kind),
			zap.Error(err),
		)
		return
	}
	g.metrics.RecordDelivery(t.kind.String(), "ok")
}

func (g *Gate) shutdown() {
	g.mu.Lock()
	g.closed = true
	dropped := len(g.queue)
	g.queue = nil
	g.mu.Unlock()

	g.metrics.SetQueueDepth(0)
	if dropped > 0 {
		g.logger.Info("dropped undelivered scripts", zap.Int("count", dropped))
	}
	close(g.stopped)
}
