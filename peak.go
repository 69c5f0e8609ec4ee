// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

import "sync/atomic"

// stail values. The original source packs this into a plain 0/1 int
// with a CAS; we name the two states per the core spec's own REDESIGN
// FLAGS suggestion ("an atomic enum {Running, Parked} with explicit
// release/acquire CAS transitions").
const (
	stailRunning int32 = 0
	stailParked  int32 = 1
)

// Peak is a named sink: the consumer endpoint of the bus. Exactly one
// goroutine (or a cooperative scheduler running on one goroutine, such
// as a [sbus/pool.Pool]) may call Get/GetMany on a given peak at a
// time; see the package doc for the full concurrency contract.
//
// The zero value is not usable; peaks are created by [Bus.Attach].
type Peak struct {
	bus  *Bus
	name string

	ready func()

	// route is the round-robin cursor: either nil (no routes attached)
	// or a node of a non-empty circular list of *Route. It is mutated
	// lock-free by the consumer (Get/GetMany advancing the cursor) and,
	// under the bus mutex, by topology operations (Bus.Route splicing
	// in a new route, Route.retire unlinking a drained one).
	route atomic.Pointer[Route]
	stail atomic.Int32
}

// Name returns the peak's name, unique within its bus.
func (p *Peak) Name() string { return p.name }

// Detach disconnects the peak from its bus. If the peak still has
// routes attached, Detach registers notify (if non-nil) as a watcher
// and returns false ("not ready"); the caller should retry after
// notify fires, or use [Peak.DetachWait]. If the peak has no routes,
// it is unlinked and freed synchronously and Detach returns true.
func (p *Peak) Detach(notify func()) bool {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.route.Load() != nil {
		if notify != nil {
			b.watch(notify)
		}
		return false
	}
	delete(b.peaks, p.name)
	b.topologyChangedLocked()
	if m := b.metrics; m != nil {
		m.PeaksAttached.Dec()
	}
	return true
}

// Get returns the next message from one of the peak's attached
// routes, or (nil, false) if all routes are currently empty. Get never
// blocks; it takes the bus mutex only when it retires a drained route
// that Unroute marked exiting (see reapIfDrained).
func (p *Peak) Get() (any, bool) {
	route := p.route.Load()
	if route == nil {
		p.stail.Store(stailParked)
		return nil, false
	}

	if route.rpos.Load() == route.wpos.Load() {
		if !p.stail.CompareAndSwap(stailRunning, stailParked) {
			// A producer has work in flight (or just posted some); it
			// will invoke ready and we'll be called again.
			return nil, false
		}
		start := route
		for {
			next := route.next.Load()
			if next == start {
				break
			}
			route = next
			if route.rpos.Load() != route.wpos.Load() {
				break
			}
		}
		if route.rpos.Load() == route.wpos.Load() {
			return nil, false
		}
	}

	p.stail.Store(stailRunning)
	c := route.rchunk.Load()
	rpos := route.rpos.Load()
	slot := rpos & chunkMask
	msg := c.messages[slot]
	rpos++
	route.rpos.Store(rpos)
	if rpos&chunkMask == 0 {
		route.rchunk.Store(c.next)
	}

	next := route
	if route.priority > 0 && rpos%uint64(route.priority) == 0 {
		next = route.next.Load()
	}
	next = p.reapIfDrained(route, next)
	p.route.Store(next)

	if m := p.bus.metrics; m != nil {
		m.MessagesGot.Inc()
	}
	return msg, true
}

// GetMany copies up to len(out) messages into out, walking the peak's
// route ring until either out is full or every route has been visited
// without finding work. It returns the number of messages copied.
//
// Per the core spec's corrected semantics (the original sbus_get_many
// only re-parks stail on the path where it found work), GetMany always
// leaves stail parked when it returns zero.
func (p *Peak) GetMany(out []any) int {
	route := p.route.Load()
	if route == nil {
		p.stail.Store(stailParked)
		return 0
	}
	if !p.stail.CompareAndSwap(stailRunning, stailParked) {
		return 0
	}

	cnt := 0
	found := false
	start := route
	for {
		if route == start {
			found = false
		}
		wpos := route.wpos.Load()
		rpos := route.rpos.Load()
		if wpos > rpos {
			p.stail.Store(stailRunning)
			found = true

			delta := wpos - rpos
			slot := rpos & chunkMask
			if room := uint64(chunkSize) - slot; delta > room {
				delta = room
			}
			if room := uint64(len(out) - cnt); delta > room {
				delta = room
			}

			c := route.rchunk.Load()
			copy(out[cnt:uint64(cnt)+delta], c.messages[slot:slot+delta])
			rpos += delta
			route.rpos.Store(rpos)
			if rpos&chunkMask == 0 {
				route.rchunk.Store(c.next)
			}
			cnt += int(delta)

			next := p.reapIfDrained(route, route)
			if next == nil {
				// That was the ring's last route and it just retired.
				break
			}
			if next != route && route == start {
				// start itself just retired; measure the lap from its
				// successor, which is still in the ring.
				start = next
			}
			route = next
		}
		route = route.next.Load()
		if cnt >= len(out) || !(found || route != start) {
			break
		}
	}
	if route != nil {
		p.route.Store(route)
	}

	if cnt == 0 {
		p.stail.Store(stailParked)
	} else if m := p.bus.metrics; m != nil {
		m.MessagesGot.Add(float64(cnt))
	}
	return cnt
}

// reapIfDrained retires cur if Unroute has marked it exiting and the
// consumer has just finished draining it (rpos==wpos). cursor is the
// value the caller intends to store as the new round-robin cursor;
// reapIfDrained returns an equivalent, still-live cursor. Retiring
// briefly takes the bus mutex (see Route.retire), but only once, ever,
// per route, so this does not put the mutex on the steady-state fast
// path of Get/GetMany.
func (p *Peak) reapIfDrained(cur, cursor *Route) *Route {
	if !cur.exiting.Load() || cur.rpos.Load() != cur.wpos.Load() {
		return cursor
	}
	cur.retire() // unlinks cur and repoints p.route per Peak.unlink
	return p.route.Load()
}

// unlink removes r from p's round-robin ring. Called under the bus
// mutex, either from Route.retire or (transitively, via the same path)
// whenever the last reference to r needs to disappear.
//
// Matching sbus_unroute, the round-robin cursor is unconditionally
// repointed at r's sibling (or nil, if r was the ring's sole member),
// even if the cursor wasn't sitting on r at the time.
func (p *Peak) unlink(r *Route) {
	if solo := r.next.Load() == r; solo {
		p.route.Store(nil)
		return
	}
	prev := r
	for {
		n := prev.next.Load()
		if n == r {
			break
		}
		prev = n
	}
	prev.next.Store(r.next.Load())
	p.route.Store(r.next.Load())
}
