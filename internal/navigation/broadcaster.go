// Package navigation cancels in-flight work when the content surface loads
// a new page.
//
// Every task registers before it starts and is tagged with the generation
// current at that moment. A navigation ends that generation: every task
// tagged with it (or anything older) is cancelled with ErrNavigated. Tasks
// registered after the navigation belong to the new page and are untouched.
package navigation

import (
	"context"
	"errors"
	"sync"
)

// ErrNavigated is the cancellation cause for tasks outlived by their page.
var ErrNavigated = errors.New("navigation occurred")

// Broadcaster tracks cancellable tasks per page generation.
type Broadcaster struct {
	mu         sync.Mutex
	generation uint64
	nextTask   uint64
	tasks      map[uint64]task
	listeners  []func(generation uint64)
}

type task struct {
	generation uint64
	cancel     context.CancelCauseFunc
}

// New creates a broadcaster at generation zero.
func New() *Broadcaster {
	return &Broadcaster{tasks: make(map[uint64]task)}
}

// Register derives a context from parent that is cancelled by the next
// navigation. release must be called once the task is done.
func (b *Broadcaster) Register(parent context.Context) (ctx context.Context, generation uint64, release func()) {
	ctx, cancel := context.WithCancelCause(parent)

	b.mu.Lock()
	b.nextTask++
	key := b.nextTask
	generation = b.generation
	b.tasks[key] = task{generation: generation, cancel: cancel}
	b.mu.Unlock()

	release = func() {
		b.mu.Lock()
		delete(b.tasks, key)
		b.mu.Unlock()
		cancel(context.Canceled)
	}
	return ctx, generation, release
}

// Navigate starts a new generation and cancels every task registered
// before it. It returns the new generation.
func (b *Broadcaster) Navigate() uint64 {
	b.mu.Lock()
	ended := b.generation
	b.generation++
	current := b.generation

	var cancels []context.CancelCauseFunc
	for key, t := range b.tasks {
		if t.generation <= ended {
			cancels = append(cancels, t.cancel)
			delete(b.tasks, key)
		}
	}
	listeners := append([]func(uint64){}, b.listeners...)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrNavigated)
	}
	for _, fn := range listeners {
		fn(current)
	}
	return current
}

// OnNavigate registers fn to run after every navigation.
func (b *Broadcaster) OnNavigate(fn func(generation uint64)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Generation returns the current page generation.
func (b *Broadcaster) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Active returns the number of registered tasks.
func (b *Broadcaster) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// Navigated reports whether ctx was cancelled by a navigation.
func Navigated(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrNavigated)
}
