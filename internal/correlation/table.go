// Package correlation matches external requests to the replies the content
// posts back, possibly out of order and possibly never.
//
// The table owns both the id counter and the pending map, so one value is
// all a component needs to take part in the exchange. Ids increase for the
// lifetime of the table and are never reused.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicate is returned when an id is registered twice.
	ErrDuplicate = errors.New("correlation id already pending")
	// ErrAbandoned is returned by Wait after the entry was removed unfulfilled.
	ErrAbandoned = errors.New("pending request abandoned")
)

// Reply is what the content answered: either a JSON value or an error text.
type Reply struct {
	OK  json.RawMessage
	Err string
	// Failed distinguishes an empty error message from success.
	Failed bool
}

// Table maps correlation ids to single use completion slots.
type Table struct {
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]*Pending
}

// Pending is one registered request. It is settled exactly once, either by
// Fulfill or by removal.
type Pending struct {
	ID    uint64
	table *Table
	slot  chan Reply
	gone  chan struct{}
	once  sync.Once
}

// New creates an empty table. The first id handed out is 1.
func New() *Table {
	return &Table{pending: make(map[uint64]*Pending)}
}

// Open allocates the next id and registers a pending entry for it.
func (t *Table) Open() *Pending {
	for {
		id := t.next.Add(1)
		if p, err := t.Insert(id); err == nil {
			return p
		}
	}
}

// Insert registers a pending entry under a caller-chosen id.
func (t *Table) Insert(id uint64) (*Pending, error) {
	p := &Pending{
		ID:    id,
		table: t,
		slot:  make(chan Reply, 1),
		gone:  make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicate
	}
	t.pending[id] = p
	return p, nil
}

// Fulfill removes the entry for id and hands it the reply. It reports false
// when no entry is pending, which covers late and duplicate replies.
func (t *Table) Fulfill(id uint64, reply Reply) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.settle(func() { p.slot <- reply })
	return true
}

// Remove drops the entry for id without fulfilling it.
func (t *Table) Remove(id uint64) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		p.settle(func() { close(p.gone) })
	}
	return ok
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Wait blocks until the entry is fulfilled, removed, or ctx ends. On ctx
// expiry the entry is removed so a late reply finds nothing.
func (p *Pending) Wait(ctx context.Context) (Reply, error) {
	select {
	case reply := <-p.slot:
		return reply, nil
	case <-p.gone:
		return Reply{}, ErrAbandoned
	case <-ctx.Done():
		if p.table.Remove(p.ID) {
			return Reply{}, context.Cause(ctx)
		}
		// Someone else took the entry. Fulfill always sends once it has
		// removed it, and Remove always closes gone.
		select {
		case reply := <-p.slot:
			return reply, nil
		case <-p.gone:
			return Reply{}, ErrAbandoned
		}
	}
}

// Cancel removes the entry if it is still pending.
func (p *Pending) Cancel() {
	p.table.Remove(p.ID)
}

func (p *Pending) settle(fn func()) {
	p.once.Do(fn)
}
