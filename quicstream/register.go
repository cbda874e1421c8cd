// Package quicstream wraps QUIC streams for the relay protocol and tracks
// how many of them are alive on a connection, so idle connections can be
// heartbeated down and accept loops can terminate without tearing the
// QUIC connection down from underneath an in-flight request.
package quicstream

import "sync/atomic"

// refCount is the shared counter a Register and all of its Registry views
// point at. It is never owned by the quic.Connection itself, which avoids
// a reference cycle between the connection and its streams.
type refCount struct {
	n atomic.Int64
}

// Register is an owning, reference-counted handle. Every live stream or
// UDP association embeds one; Clone records a new owner, Drop records that
// one has gone away.
type Register struct {
	rc *refCount
}

// NewRegister creates a fresh counter starting at one live reference.
func NewRegister() *Register {
	rc := &refCount{}
	rc.n.Store(1)
	return &Register{rc: rc}
}

// Clone records an additional live reference to the same connection and
// returns a new, independently-droppable Register.
func (r *Register) Clone() *Register {
	r.rc.n.Add(1)
	return &Register{rc: r.rc}
}

// Drop records that this reference is no longer live. Safe to call exactly
// once per Register; calling it more than once will under-count.
func (r *Register) Drop() {
	r.rc.n.Add(-1)
}

// Registry returns a non-owning view over the same counter.
func (r *Register) Registry() *Registry {
	return &Registry{rc: r.rc}
}

// Count returns the number of live references right now.
func (r *Register) Count() int64 {
	return r.rc.n.Load()
}

// Registry is a non-owning view of a connection's live reference count.
// The owning quic.Connection holds a Registry, never a Register, so there
// is no cycle keeping the connection's streams artificially alive.
type Registry struct {
	rc *refCount
}

// Count returns the number of live references right now.
func (r *Registry) Count() int64 {
	return r.rc.n.Load()
}

// Idle reports whether no Register at all currently references the
// connection's counter.
func (r *Registry) Idle() bool {
	return r.Count() <= 0
}

// Promote attempts to mint a new, owning Register from this view. It fails
// once the counter has reached zero: that reflects "every stream handle
// has already been dropped", and resurrecting a Register at that point
// would let a late caller observe a connection that looks alive when
// nothing else references it.
func (r *Registry) Promote() (*Register, bool) {
	for {
		cur := r.rc.n.Load()
		if cur <= 0 {
			return nil, false
		}
		if r.rc.n.CompareAndSwap(cur, cur+1) {
			return &Register{rc: r.rc}, true
		}
	}
}
