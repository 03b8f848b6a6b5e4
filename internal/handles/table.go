// Package handles implements a generation-checked handle table: an arena of
// slots addressed by integer handles. A handle encodes the slot index and
// the slot generation, so a handle kept after Remove never resolves to the
// slot's next occupant.
package handles

import "sync"

// Handle is an opaque integer reference into a Table. The zero Handle is
// never issued.
type Handle uint64 // A

func makeHandle(index uint32, gen uint32) Handle { // A
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) } // A

func (h Handle) generation() uint32 { return uint32(h >> 32) } // A

type slot[T any] struct { // A
	gen  uint32
	live bool
	val  T
}

// Table owns the values behind handles.
type Table[T any] struct { // A
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewTable creates an empty Table.
func NewTable[T any]() *Table[T] { // A
	return &Table[T]{}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle { // A
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1) // #nosec G115 -- table size is small.
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.val = v
	t.live++
	return makeHandle(idx, s.gen)
}

// Get resolves h. Stale or unknown handles report false.
func (t *Table[T]) Get(h Handle) (T, bool) { // A
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return zero, false
	}
	s := t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return zero, false
	}
	return s.val, true
}

// Remove releases h and returns the value it referenced.
func (t *Table[T]) Remove(h Handle) (T, bool) { // A
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return zero, false
	}
	v := s.val
	s.live = false
	s.val = zero
	t.free = append(t.free, idx)
	t.live--
	return v, true
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int { // A
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Values returns the live values in slot order.
func (t *Table[T]) Values() []T { // A
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, 0, t.live)
	for _, s := range t.slots {
		if s.live {
			out = append(out, s.val)
		}
	}
	return out
}
