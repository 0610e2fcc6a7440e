package server

import (
	"slices"
	"sync/atomic"

	"github.com/cyberinferno/sessionkit/idgenerator"
	"github.com/cyberinferno/sessionkit/safemap"
)

// registry is the active session set keyed by session ID. It also hands out
// IDs and counts slots: a slot is held from the moment a connection enters
// serve until its session leaves the set, so the cap covers sessions still
// in welcome.
type registry struct {
	sessions safemap.SafeMap[uint64, *Session]
	ids      idgenerator.IdGenerator
	slots    atomic.Int64
}

func (r *registry) nextID() uint64 {
	return r.ids.Id()
}

// reserve takes a slot unless limit slots are already held. A limit of 0
// means unlimited.
func (r *registry) reserve(limit int) bool {
	for {
		n := r.slots.Load()
		if limit > 0 && n >= int64(limit) {
			return false
		}
		if r.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *registry) release() {
	r.slots.Add(-1)
}

func (r *registry) add(s *Session) {
	r.sessions.LoadOrStore(s.id, s)
}

// remove deletes the session and releases its slot. It reports whether this
// call removed it; the retire paths only count a disconnect when it did.
func (r *registry) remove(id uint64) bool {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.release()
		return true
	}

	return false
}

func (r *registry) get(id uint64) (*Session, bool) {
	return r.sessions.Load(id)
}

func (r *registry) len() int {
	return r.sessions.Len()
}

// snapshot copies the current members ordered by ID. Sessions added after the
// call are not included; sessions removed after it still are.
func (r *registry) snapshot() []*Session {
	out := r.sessions.Values()
	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	return out
}

func (r *registry) reset() {
	r.sessions.Range(func(id uint64, _ *Session) bool {
		r.remove(id)
		return true
	})
}
