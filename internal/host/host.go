// Package host assembles the overlay: it builds every component in
// dependency order, wires the content surface to the dispatcher and runs
// the gate loop, the external bridge and the remote surface server until
// shutdown.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/overlay/internal/api/middleware"
	"github.com/GriffinCanCode/overlay/internal/bridge"
	"github.com/GriffinCanCode/overlay/internal/correlation"
	"github.com/GriffinCanCode/overlay/internal/gate"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/config"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/overlay/internal/listener"
	"github.com/GriffinCanCode/overlay/internal/navigation"
	"github.com/GriffinCanCode/overlay/internal/process"
	"github.com/GriffinCanCode/overlay/internal/surface"
	"github.com/GriffinCanCode/overlay/internal/surface/headless"
	"github.com/GriffinCanCode/overlay/internal/surface/remote"
)

// TokenEnv carries the remote surface token to child processes, so a shell
// started with run_detached_command can connect.
const TokenEnv = "OVERLAY_SURFACE_TOKEN"

const shutdownTimeout = 5 * time.Second

// Options are the command line inputs of a host.
type Options struct {
	// ContentRoot holds index.html and the content config.
	ContentRoot string
	// Server, when set, is loaded instead of ContentRoot/index.html.
	Server string
	// Args are the KEY=VALUE arguments exposed as overlay.args.
	Args []bridge.KeyValue
	// Environ defaults to os.Environ().
	Environ []string
	// Surface replaces the surface selected by the config.
	Surface surface.Surface
}

// Host owns every long-lived component.
type Host struct {
	cfg     *config.Config
	content *config.ContentConfig
	logger  *logging.Logger

	registry   *prometheus.Registry
	metrics    *monitoring.Metrics
	nav        *navigation.Broadcaster
	table      *correlation.Table
	runner     *process.Runner
	surface    surface.Surface
	remote     *remote.Surface
	gate       *gate.Gate
	dispatcher *bridge.Dispatcher
	listener   *listener.Listener

	page  string
	token string

	closeOnce sync.Once
}

// New builds a host. Nothing runs until Run.
func New(cfg *config.Config, content *config.ContentConfig, opts Options, logger *logging.Logger) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if content == nil {
		content = &config.ContentConfig{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	h := &Host{
		cfg:      cfg,
		content:  content,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		nav:      navigation.New(),
		table:    correlation.New(),
	}
	h.metrics = monitoring.NewMetrics(h.registry)
	h.nav.OnNavigate(func(generation uint64) {
		h.metrics.RecordNavigation()
		logger.Debug("navigation", zap.Uint64("generation", generation))
	})

	startup, err := bridge.StartupScript(bridge.EnvPairs(environ), opts.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to build startup script: %w", err)
	}
	initScripts := []string{bridge.Bootstrap, startup}

	childEnv := environ
	switch {
	case opts.Surface != nil:
		h.surface = opts.Surface
	case cfg.Surface.Mode == config.SurfaceRemote:
		h.token = uuid.NewString()
		childEnv = append(append([]string(nil), environ...), TokenEnv+"="+h.token)
		h.remote = remote.New(remote.Config{
			Socket:      cfg.SurfaceSocket(),
			Token:       h.token,
			InitScripts: initScripts,
		}, logger)
		h.surface = h.remote
	default:
		h.surface = headless.New(headless.Config{
			EvalTimeout: cfg.Surface.EvalTimeout,
			InitScripts: initScripts,
		}, logger)
	}

	h.runner = process.NewRunner(process.Config{
		DefaultTimeout: cfg.Bridge.CommandTimeout,
		KillGrace:      cfg.Bridge.KillGrace,
		BaseEnv:        childEnv,
	}, logger, h.metrics)

	h.gate = gate.New(h.surface, logger, h.metrics)
	h.dispatcher = bridge.NewDispatcher(bridge.Deps{
		Gate:       h.gate,
		Table:      h.table,
		Navigation: h.nav,
		Runner:     h.runner,
		Logger:     logger,
		Metrics:    h.metrics,
	})
	h.surface.Bind(surface.Handlers{
		Message:   h.dispatcher.Accept,
		Navigated: func() { h.nav.Navigate() },
	})

	if socket := h.bridgeSocket(); socket != "" {
		lcfg := listener.Config{
			Socket:          socket,
			ExternalTimeout: cfg.Bridge.ExternalTimeout,
			MaxBodyBytes:    cfg.Bridge.MaxBodyBytes,
			Breaker: resilience.Settings{
				Threshold: cfg.Bridge.BreakerThreshold,
				Cooldown:  cfg.Bridge.BreakerCooldown,
			},
		}
		if cfg.RateLimit.Enabled {
			lcfg.RateLimit = &middleware.RateLimitConfig{
				RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
				Burst:             cfg.RateLimit.Burst,
			}
		}
		h.listener = listener.New(lcfg, listener.Deps{
			Gate:    h.gate,
			Table:   h.table,
			Logger:  logger,
			Metrics: h.metrics,
		})
	}

	h.page = opts.Server
	if h.page == "" {
		h.page = filepath.Join(opts.ContentRoot, "index.html")
	}

	logger.Info("host initialized",
		zap.String("surface", cfg.Surface.Mode),
		zap.String("page", h.page),
		zap.String("listen", h.bridgeSocket()),
	)
	return h, nil
}

func (h *Host) bridgeSocket() string {
	if h.cfg.Bridge.Listen != "" {
		return h.cfg.Bridge.Listen
	}
	return h.content.Listen
}

// Run serves the content until ctx ends or the surface closes.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.Close()

	// The page goes first so nothing reaches the surface before it.
	if err := h.gate.Load(h.page); err != nil {
		return fmt.Errorf("failed to queue initial page: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if h.listener != nil {
		if err := h.listener.Start(); err != nil {
			h.logger.Warn("external bridge disabled", zap.Error(err))
			h.listener = nil
		}
	}
	if l := h.listener; l != nil {
		g.Go(func() error {
			if err := l.Serve(); err != nil {
				h.logger.Error("external bridge stopped", zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := l.Close(closeCtx); err != nil {
				h.logger.Warn("external bridge shutdown incomplete", zap.Error(err))
			}
			return nil
		})
	}

	if h.remote != nil {
		if err := h.remote.Listen(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to start remote surface: %w", err)
		}
		g.Go(func() error {
			if err := h.remote.Serve(gctx); err != nil {
				h.logger.Error("remote surface server stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		// The surface going away ends the host.
		defer cancel()
		return h.gate.Run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.logger.Info("host stopped")
	return err
}

// Close stops child processes, in-flight requests and the surface. It is
// safe to call more than once and after Run.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := h.runner.Shutdown(ctx); err != nil {
			h.logger.Warn("child processes did not exit in time", zap.Error(err))
		}
		h.dispatcher.Close()
		if err := h.surface.Close(); err != nil {
			h.logger.Warn("failed to close surface", zap.Error(err))
		}
		if h.listener != nil {
			if err := h.listener.Close(ctx); err != nil {
				h.logger.Warn("failed to close external bridge", zap.Error(err))
			}
		}
		_ = h.logger.Sync()
	})
	return nil
}

// Page returns the page loaded at startup.
func (h *Host) Page() string { return h.page }

// Token returns the remote surface token, or "" for other surfaces.
func (h *Host) Token() string { return h.token }

// Socket returns the external bridge socket, or "" when it is disabled.
func (h *Host) Socket() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Socket()
}

// Metrics returns the host's metrics.
func (h *Host) Metrics() *monitoring.Metrics { return h.metrics }

// Registry returns the registry the metrics are registered with.
func (h *Host) Registry() *prometheus.Registry { return h.registry }
