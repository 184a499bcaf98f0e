// Package listener serves the external bridge: a unix socket where other
// local programs send JSON to the content and get its answer back.
//
// Each HTTP exchange is one external request. The body is handed to the
// content's overlay.handle_external_ipc and the reply becomes the response:
// 200 with the JSON value, or 503 with the error text when the content
// fails, does not answer in time, or cannot be reached.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/api/middleware"
	"github.com/GriffinCanCode/overlay/internal/bridge"
	"github.com/GriffinCanCode/overlay/internal/correlation"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/resilience"
)

// statusClientClosed is recorded for requests whose client left before the
// content answered. Nothing reaches the client.
const statusClientClosed = 499

// errNoReply is the cause of a wait that ran out of time.
var errNoReply = errors.New("content did not respond")

// Config configures a Listener.
type Config struct {
	Socket          string
	ExternalTimeout time.Duration
	MaxBodyBytes    int64
	// RateLimit is applied to external requests when non-nil.
	RateLimit *middleware.RateLimitConfig
	Breaker   resilience.Settings
}

// Deps are the collaborators a Listener forwards requests through.
type Deps struct {
	Gate    bridge.Deliverer
	Table   *correlation.Table
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Listener is the external bridge server.
type Listener struct {
	cfg     Config
	gate    bridge.Deliverer
	table   *correlation.Table
	logger  *logging.Logger
	metrics *monitoring.Metrics
	breaker *resilience.Breaker

	router *gin.Engine
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a listener. Nothing is bound until Start.
func New(cfg Config, deps Deps) *Listener {
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("listener")

	l := &Listener{
		cfg:     cfg,
		gate:    deps.Gate,
		table:   deps.Table,
		logger:  logger,
		metrics: deps.Metrics,
	}

	breaker := cfg.Breaker
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("external bridge breaker changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	l.breaker = resilience.New("content", breaker)

	l.router = l.routes()
	l.server = &http.Server{
		Handler:           l.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l
}

func (l *Listener) routes() *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(l.logger))

	router.GET("/healthz", l.handleHealth)
	if l.metrics != nil {
		router.GET("/metrics", gin.WrapH(l.metrics.Handler()))
	}

	// Everything else is an external request.
	external := []gin.HandlerFunc{monitoring.Middleware(l.metrics)}
	if l.cfg.RateLimit != nil {
		external = append(external, middleware.GlobalRateLimit(*l.cfg.RateLimit))
	}
	external = append(external, l.handleExternal)
	router.NoRoute(external...)
	return router
}

// Handler returns the listener's HTTP handler.
func (l *Listener) Handler() http.Handler {
	return l.router
}

// Socket returns the socket path.
func (l *Listener) Socket() string {
	return l.cfg.Socket
}

// Start binds the socket. A stale socket file is removed first.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return nil
	}

	if err := os.Remove(l.cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("failed to remove stale socket", zap.String("socket", l.cfg.Socket), zap.Error(err))
	}
	ln, err := net.Listen("unix", l.cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to bind external bridge on %s: %w", l.cfg.Socket, err)
	}
	if err := os.Chmod(l.cfg.Socket, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict %s: %w", l.cfg.Socket, err)
	}
	l.listener = ln
	l.logger.Info("external bridge listening", zap.String("socket", l.cfg.Socket))
	return nil
}

// Serve handles connections until Close. Start must have succeeded.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener not started")
	}

	err := l.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops accepting, waits for in-flight requests until ctx ends and
// removes the socket file.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	started := l.listener != nil
	l.mu.Unlock()
	if !started {
		return nil
	}

	err := l.server.Shutdown(ctx)
	if rmErr := os.Remove(l.cfg.Socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		l.logger.Warn("failed to remove socket", zap.String("socket", l.cfg.Socket), zap.Error(rmErr))
	}
	return err
}

func (l *Listener) handleHealth(c *gin.Context) {
	pending := 0
	if l.table != nil {
		pending = l.table.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"pending": pending,
		"breaker": l.breaker.State().String(),
	})
}

func (l *Listener) handleExternal(c *gin.Context) {
	log := l.logger.With(zap.Stringer("request_id", middleware.RequestID(c)))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, l.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusBadRequest, "request body exceeds %d bytes", tooLarge.Limit)
			return
		}
		c.String(http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}
	if !sonic.Valid(body) {
		c.String(http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	ticket, err := l.breaker.Allow()
	if err != nil {
		c.String(http.StatusServiceUnavailable, "content is not responding")
		return
	}

	pending := l.table.Open()
	log = log.With(zap.Uint64("id", pending.ID))
	l.metrics.SetExternalPending(l.table.Len())
	defer func() { l.metrics.SetExternalPending(l.table.Len()) }()

	if err := l.gate.Enqueue(bridge.ExternalScript(pending.ID, body)); err != nil {
		pending.Cancel()
		l.breaker.Report(ticket, true)
		log.Warn("content surface refused external request", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "content surface unavailable")
		return
	}

	ctx, cancel := context.WithTimeoutCause(c.Request.Context(), l.cfg.ExternalTimeout, errNoReply)
	defer cancel()

	reply, err := pending.Wait(ctx)
	switch {
	case err == nil:
		l.breaker.Report(ticket, true)
	case errors.Is(err, errNoReply):
		l.breaker.Report(ticket, false)
		log.Warn("external request timed out", zap.Duration("timeout", l.cfg.ExternalTimeout))
		c.String(http.StatusServiceUnavailable, "content did not respond within %s", l.cfg.ExternalTimeout)
		return
	case errors.Is(err, correlation.ErrAbandoned):
		l.breaker.Report(ticket, true)
		c.String(http.StatusServiceUnavailable, "external request abandoned")
		return
	default:
		// The client went away; there is nobody to answer.
		l.breaker.Report(ticket, true)
		log.Debug("external client disconnected", zap.Error(err))
		c.AbortWithStatus(statusClientClosed)
		return
	}

	if reply.Failed {
		c.String(http.StatusServiceUnavailable, "%s", reply.Err)
		return
	}
	data := []byte(reply.OK)
	if len(data) == 0 {
		data = []byte("null")
	}
	c.Data(http.StatusOK, "application/json", data)
}
