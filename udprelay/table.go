package udprelay

import "sync"

// entry bundles the protocol-level state every association needs
// regardless of which side (client or server) owns it, plus a slot for
// caller-defined data (the UDP socket and dial address on the server, the
// inbound/outbound channels on the client).
type entry[T any] struct {
	Mode        Mode
	Reassembler *Reassembler
	Data        T
}

// Table is an assoc_id-keyed association table, generic over the
// side-specific payload a caller wants to track per association.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[uint32]*entry[T]
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[uint32]*entry[T])}
}

// GetOrCreate returns the existing association for id, or creates one with
// mode and data built lazily (build is only called when id is unseen, and
// while the table lock is held, so two callers racing on the same new id
// never construct the data twice).
func (t *Table[T]) GetOrCreate(id uint32, mode Mode, build func() T) (data T, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		return e.Data, false
	}

	e := &entry[T]{Mode: mode, Data: build()}
	if mode == Native {
		e.Reassembler = &Reassembler{}
	}
	t.entries[id] = e
	return e.Data, true
}

// Get returns the association for id, if any.
func (t *Table[T]) Get(id uint32) (data T, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.Data, true
}

// Reassembler returns the native-mode fragment buffer for id, or nil if the
// association is in Quic mode or doesn't exist.
func (t *Table[T]) Reassembler(id uint32) *Reassembler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	return e.Reassembler
}

// Remove deletes the association for id (Dissociate, or connection end)
// and returns its data so the caller can tear down sockets/channels. The
// zero value and false are returned if id was never registered.
func (t *Table[T]) Remove(id uint32) (data T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(t.entries, id)
	return e.Data, true
}

// Range calls fn for every live association. fn must not call back into
// the Table; Range holds the read lock for its duration.
func (t *Table[T]) Range(fn func(id uint32, data T)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, e := range t.entries {
		fn(id, e.Data)
	}
}

// Len returns the number of live associations.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
