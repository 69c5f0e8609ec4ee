// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

import "sync/atomic"

// Route is one producer endpoint attached to a [Peak]. A route has
// exactly one producer and is drained by exactly one consumer: the
// goroutine (or goroutines, serialized by the caller) that calls
// Get/GetMany on the owning peak.
//
// The zero value is not usable; routes are created by [Bus.Route].
type Route struct {
	peak *Peak

	// Producer-owned. Only the route's single producer ever touches
	// wchunk; wpos is atomic so the consumer can observe it without a
	// lock (the store in putStart is a release, paired with the loads
	// in Get/GetMany, which is what gives per-route FIFO ordering its
	// happens-before guarantee).
	wchunk *chunk
	wpos   atomic.Uint64

	// Padding so the producer-owned cache line above and the
	// consumer-owned fields below don't false-share. The original C
	// struct carries __attribute__((aligned(64))) on sbus_route for
	// the same reason; Go has no struct alignment pragma, so we pad
	// explicitly.
	_ [64]byte

	// Consumer-owned, except rchunk which is also read (never
	// written) by the producer's putStart to detect a writer-laps-
	// reader condition; it's an atomic.Pointer for that cross-goroutine
	// read to be well-defined under the Go memory model.
	rchunk atomic.Pointer[chunk]
	rpos   atomic.Uint64

	priority uint32

	// exiting is set by Unroute; once true, no further Put succeeds.
	// It's read on every put_start, so it must never block.
	exiting atomic.Bool
	notify  func()
	exitCh  chan struct{}

	// next links sibling routes of the same peak into a circular
	// list. Topology mutations (Bus.Route, Route.retire) are the only
	// writers, always under the bus mutex; Peak.Get/GetMany read it
	// lock-free to walk the ring. See retire for why that's safe in Go
	// despite being a documented hazard ("BUG: raise with get") in the
	// original C source.
	next atomic.Pointer[Route]
}

// Priority returns the route's fan-in batch size: the number of
// consecutive Get calls the peak's round-robin cursor will serve from
// this route before advancing to its next sibling.
func (r *Route) Priority() uint32 { return r.priority }

// PutStart enqueues msg on the route without waking the consumer. Call
// PutDone afterward (after any number of PutStart calls) to notify the
// peak that new work may be available. Put is PutStart followed
// immediately by PutDone, for callers that don't need to batch.
func (r *Route) PutStart(msg any) error {
	if r.exiting.Load() {
		if m := r.peak.bus.metrics; m != nil {
			m.RouteExiting.Inc()
		}
		return ErrRouteExiting
	}
	wpos := r.wpos.Load()
	slot := wpos & chunkMask
	c := r.wchunk
	if slot == chunkMask {
		// This Put fills the last slot of c. Splice in a fresh chunk
		// now, before writing that last slot, so that once wpos wraps
		// the route's wchunk already points at the right place for the
		// next call — mirrors sbus_put_start exactly.
		if c.next == r.rchunk.Load() {
			nc := &chunk{next: c.next}
			c.next = nc
			if m := r.peak.bus.metrics; m != nil {
				m.ChunksAllocated.Inc()
			}
		}
		r.wchunk = c.next
	}
	c.messages[slot] = msg
	r.wpos.Store(wpos + 1) // release: pairs with the acquire loads in Get/GetMany
	if m := r.peak.bus.metrics; m != nil {
		m.MessagesPut.Inc()
	}
	return nil
}

// PutDone wakes the peak's consumer if it had gone to sleep
// (stail == parked) since the last PutDone, coalescing the wakeup so a
// batch of PutStart calls only invokes the peak's ready callback once.
func (r *Route) PutDone() {
	p := r.peak
	if p.stail.CompareAndSwap(stailParked, stailRunning) && p.ready != nil {
		p.ready()
	}
}

// Put enqueues msg and wakes the consumer if necessary. It returns
// [ErrRouteExiting] once Unroute has been called on this route.
func (r *Route) Put(msg any) error {
	if err := r.PutStart(msg); err != nil {
		return err
	}
	r.PutDone()
	return nil
}

// Unroute disconnects the route from its peak. If the route's ring is
// already empty, it is unlinked and retired synchronously and Unroute
// returns true. Otherwise the route transitions to draining: producers
// immediately start seeing ErrRouteExiting, the consumer is left to
// drain whatever is already queued via ordinary Get/GetMany calls, and
// Unroute returns false. notify, if non-nil, is called exactly once,
// when the route is actually retired (synchronously below, or lazily
// the next time the consumer's ring walk finds it drained).
func (r *Route) Unroute(notify func()) bool {
	if !r.exiting.CompareAndSwap(false, true) {
		// Double-unroute is a caller bug per the core spec; treat it as
		// "still not ready" rather than panicking.
		return false
	}
	r.notify = notify
	if r.wpos.Load() != r.rpos.Load() {
		return false
	}
	r.retire()
	return true
}

// Done returns a channel that is closed once the route has been fully
// retired (unlinked from its peak and, if draining was needed, fully
// drained). It's the channel-based analogue of the original's
// exit/exit_arg callback, usable directly in a select.
func (r *Route) Done() <-chan struct{} { return r.exitCh }

// retire unlinks r from its peak's round-robin ring and fires its exit
// notification. It is called either directly from Unroute, when the
// ring was already empty, or lazily by the consumer (see
// Peak.reapIfDrained) the first time it walks past a route that is
// exiting and has finished draining.
//
// retire takes the bus mutex to rewrite the neighboring Route.next
// pointers, which races by design with a concurrent, lock-free
// Get/GetMany ring walk on another goroutine (the source's own
// admitted "BUG: raise with get"). In Go this race is benign: nothing
// is ever explicitly freed, so a consumer goroutine that read r.next
// just before or during this unlink sees either the old or the new
// link — never a dangling pointer — and at worst takes one extra, already
// -unlinked hop before its own wpos>rpos check steers it back onto a
// live route. No message slot is ever read through memory that could
// be reused out from under it, because chunks are likewise never
// explicitly freed.
func (r *Route) retire() {
	b := r.peak.bus
	b.mu.Lock()
	r.peak.unlink(r)
	b.topologyChangedLocked()
	if m := b.metrics; m != nil {
		m.RoutesAttached.Dec()
	}
	b.mu.Unlock()

	if r.notify != nil {
		r.notify()
	}
	close(r.exitCh)
}
