package iso

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ID is a stable handler identifier. Handlers are referenced by ID
// everywhere outside the arena, never by pointer, so that arena slots
// can be reused after a handler is destroyed without leaving dangling
// references — this is the fix for the "raw1394 handle leak across
// xruns" accumulation bug noted in the original source.
type ID uint64

// Arena owns the set of live handlers, indexed by stable ID.
type Arena struct {
	handlers *xsync.MapOf[ID, *Handler]
	nextID   atomic.Uint64
}

// NewArena creates an empty handler arena.
func NewArena() *Arena {
	return &Arena{handlers: xsync.NewMapOf[ID, *Handler]()}
}

// Insert adds h to the arena and returns its stable ID.
func (a *Arena) Insert(h *Handler) ID {
	id := ID(a.nextID.Add(1))
	a.handlers.Store(id, h)
	return id
}

// Get looks up a handler by ID.
func (a *Arena) Get(id ID) (*Handler, bool) {
	return a.handlers.Load(id)
}

// Destroy closes and removes a handler from the arena. Per §4.7, this
// must happen for handlers with no remaining clients after a stream
// unregisters, to free kernel resources rather than just unregistering.
func (a *Arena) Destroy(id ID) error {
	h, ok := a.handlers.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return h.Close()
}

// Range iterates every live (ID, *Handler) pair. The callback must not
// mutate the arena.
func (a *Arena) Range(fn func(ID, *Handler) bool) {
	a.handlers.Range(fn)
}

// Len returns the number of live handlers.
func (a *Arena) Len() int {
	return a.handlers.Size()
}
