// Package headless runs content in an embedded goja VM instead of a
// webview. Each page load gets a fresh VM with window bound to the global
// object, window.ipc.postMessage wired to the host and console routed to
// the logger.
package headless

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/surface"
)

var errClosed = errors.New("surface closed")

// DefaultEvalTimeout bounds a single evaluation when Config leaves it zero.
const DefaultEvalTimeout = 5 * time.Second

// Config tunes a headless surface.
type Config struct {
	// EvalTimeout interrupts scripts that run longer than this.
	EvalTimeout time.Duration
	// InitScripts run on every page load, in order, before page code.
	InitScripts []string
	// FetchTimeout bounds each HTTP request when a page is a URL.
	FetchTimeout time.Duration
}

// Surface is a goja-backed content surface. Load and Evaluate must be
// called from a single goroutine.
type Surface struct {
	cfg     Config
	logger  *logging.Logger
	console *logging.Logger
	pages   *pageLoader

	mu       sync.Mutex
	handlers surface.Handlers

	vm *goja.Runtime

	done      chan struct{}
	closeOnce sync.Once
}

var _ surface.Surface = (*Surface)(nil)

// New creates a headless surface. No VM exists until the first Load.
func New(cfg Config, logger *logging.Logger) *Surface {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Surface{
		cfg:     cfg,
		logger:  logger.Named("headless"),
		console: logger.Named("content"),
		pages:   newPageLoader(cfg.FetchTimeout),
		done:    make(chan struct{}),
	}
}

// Bind installs the event handlers.
func (s *Surface) Bind(h surface.Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

func (s *Surface) bound() surface.Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

// Load navigates to page: a path or http(s) URL of an HTML document or a
// script. An empty page loads a blank document that only runs the init
// scripts.
func (s *Surface) Load(page string) error {
	if page == "" {
		return s.navigate(nil)
	}
	scripts, err := s.pages.load(page)
	if err != nil {
		return err
	}
	return s.navigate(scripts)
}

// LoadSource navigates to a page made of one inline script.
func (s *Surface) LoadSource(name, code string) error {
	return s.navigate([]source{{name: name, code: code}})
}

// navigate replaces the VM, announces the navigation and runs the init
// scripts followed by the page scripts.
func (s *Surface) navigate(scripts []source) error {
	if s.closed() {
		return errClosed
	}

	s.vm = s.newRuntime()
	if h := s.bound(); h.Navigated != nil {
		h.Navigated()
	}

	for i, init := range s.cfg.InitScripts {
		if err := s.run(fmt.Sprintf("init-%d.js", i), init); err != nil {
			return fmt.Errorf("init script %d failed: %w", i, err)
		}
	}
	for _, src := range scripts {
		if err := s.run(src.name, src.code); err != nil {
			// A throwing page script does not stop the ones after it.
			s.logger.Warn("page script failed", zap.String("script", src.name), zap.Error(err))
		}
	}
	return nil
}

// Evaluate runs script in the current page.
func (s *Surface) Evaluate(script string) error {
	if s.closed() {
		return errClosed
	}
	if s.vm == nil {
		return surface.ErrNotLoaded
	}
	return s.run("eval.js", script)
}

// Done is closed once the surface is closed, by the host or by content
// calling window.close().
func (s *Surface) Done() <-chan struct{} {
	return s.done
}

// Close tears the surface down.
func (s *Surface) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.Debug("headless surface closed")
	})
	return nil
}

func (s *Surface) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// run executes code with the evaluation deadline. Promise jobs queued by
// the code run before it returns.
func (s *Surface) run(name, code string) error {
	vm := s.vm
	finished := make(chan struct{})
	timer := time.NewTimer(s.cfg.EvalTimeout)
	defer timer.Stop()

	go func() {
		select {
		case <-timer.C:
			vm.Interrupt("execution timeout exceeded")
		case <-s.done:
			vm.Interrupt("surface closed")
		case <-finished:
		}
	}()

	_, err := vm.RunScript(name, code)
	close(finished)
	vm.ClearInterrupt()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%s: %v", name, interrupted.Value())
	}
	return err
}

// newRuntime builds the VM a page runs in.
func (s *Surface) newRuntime() *goja.Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	// Remove globals content has no business with
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	global := vm.GlobalObject()
	vm.Set("window", global)
	vm.Set("self", global)

	ipc := vm.NewObject()
	ipc.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		if h := s.bound(); h.Message != nil {
			h.Message([]byte(call.Argument(0).String()))
		}
		return goja.Undefined()
	})
	vm.Set("ipc", ipc)

	console := vm.NewObject()
	console.Set("log", s.makeConsoleFunc(s.console.Info))
	console.Set("info", s.makeConsoleFunc(s.console.Info))
	console.Set("debug", s.makeConsoleFunc(s.console.Debug))
	console.Set("warn", s.makeConsoleFunc(s.console.Warn))
	console.Set("error", s.makeConsoleFunc(s.console.Error))
	vm.Set("console", console)

	// Timers never fire; there is no event loop between evaluations.
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
	vm.Set("clearTimeout", noop)
	vm.Set("clearInterval", noop)

	vm.Set("close", func(goja.FunctionCall) goja.Value {
		// Interrupt whatever is running once the stack unwinds.
		go s.Close()
		return goja.Undefined()
	})
	return vm
}

func (s *Surface) makeConsoleFunc(write func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		write("console", zap.String("message", strings.Join(parts, " ")))
		return goja.Undefined()
	}
}
