// Package surface defines what the host needs from a content surface: a
// place where script runs, which can load pages and evaluate script, and
// which reports what the content posts back.
//
// Load and Evaluate are only ever called from the gate goroutine.
package surface

import "errors"

// ErrNotLoaded is returned by Evaluate before the first page load.
var ErrNotLoaded = errors.New("no page loaded")

// Handlers receive events from the surface. Either may be nil.
type Handlers struct {
	// Message is called with every window.ipc.postMessage payload. It must
	// not block.
	Message func(payload []byte)
	// Navigated is called when a page load starts, before page code runs.
	Navigated func()
}

// Surface is a script-capable content surface.
type Surface interface {
	// Bind installs the event handlers. It must be called before Load.
	Bind(h Handlers)
	// Load navigates to page. What a page is depends on the surface.
	Load(page string) error
	// Evaluate runs script in the current page.
	Evaluate(script string) error
	// Done is closed when the surface goes away, for example when the
	// window is closed.
	Done() <-chan struct{}
	Close() error
}
