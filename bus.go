// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package sbus implements an in-process, multi-producer/multi-consumer
// message bus: producers attach named "routes" to a "peak" (a sink)
// and enqueue opaque message pointers; a peak's owner dequeues them in
// round-robin fashion across its attached routes.
//
// The data path (Put/PutStart/PutDone/Get/GetMany) is lock-free and
// never blocks, except that Get/GetMany briefly take the bus mutex
// once per route, when they retire a route that Unroute left draining.
// Topology changes (Attach, Route, Detach, Unroute,
// Close) are serialized by the bus's mutex and are non-blocking by
// default: a call that can't complete yet (e.g. attaching a name that
// already exists) parks a watcher and reports "not ready" instead of
// waiting. See the *Wait functions in rendezvous.go for a blocking,
// context-aware alternative, and package sbus/pool for turning a peak
// into a bounded worker pool.
//
// A Peak's Get/GetMany must only ever be called by one goroutine (or
// one cooperative scheduler confined to one goroutine) at a time; a
// route has exactly one producer and is owned by exactly one peak.
// Multiple producers multiplex onto a peak by creating multiple
// routes.
package sbus

import (
	"github.com/sbuscore/sbus/internal/busmetrics"
	"github.com/sbuscore/sbus/internal/syncs"
)

// Bus is a registry of named peaks plus a FIFO queue of pending
// watchers, guarded by one mutex. All topology mutations hold mu for
// their duration; see topologyChangedLocked for how watcher callbacks
// are invoked without holding it.
type Bus struct {
	mu       syncs.Mutex
	peaks    map[string]*Peak
	watchers []*watcher

	metrics *busmetrics.Metrics
}

// Option configures optional behavior of a [Bus] constructed with New.
type Option func(*Bus)

// WithMetrics attaches Prometheus instrumentation to the bus. Without
// this option, New pays no metrics overhead at all.
func WithMetrics(m *busmetrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New returns a new, empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{peaks: make(map[string]*Peak)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close closes the bus. If any peak is still attached, Close registers
// notify (if non-nil) as a watcher and returns false ("not ready");
// the caller should retry after notify fires, or use [Bus.CloseWait].
// If the bus has no peaks, it is torn down synchronously and Close
// returns true. The bus is unusable after a synchronous Close.
func (b *Bus) Close(notify func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.peaks) > 0 {
		if notify != nil {
			b.watch(notify)
		}
		return false
	}
	return true
}

// Attach creates a named sink ("peak") on the bus. ready, if non-nil,
// is called whenever the peak transitions from empty to non-empty; it
// must be safe to call from an arbitrary goroutine and must not block.
//
// If name is already attached, Attach registers notify (if non-nil) as
// a watcher and returns nil ("not ready" / NameTaken); the caller
// should retry after notify fires, or use [Bus.AttachWait].
func (b *Bus) Attach(name string, ready func(), notify func()) *Peak {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.peaks[name]; ok {
		if notify != nil {
			b.watch(notify)
		}
		return nil
	}

	p := &Peak{bus: b, name: name, ready: ready}
	// A fresh peak is empty, so the first PutDone on any of its routes
	// must find it parked and invoke ready.
	p.stail.Store(stailParked)
	b.peaks[name] = p
	b.topologyChangedLocked()
	if m := b.metrics; m != nil {
		m.PeaksAttached.Inc()
	}
	return p
}

// Route creates a route (a producer endpoint) attached to the named
// peak, with the given fan-in priority (must be >= 1; values <1 are
// treated as 1). If no peak with that name exists, Route registers
// notify (if non-nil) as a watcher and returns nil; the caller should
// retry after notify fires, or use [Bus.RouteWait].
func (b *Bus) Route(name string, priority uint32, notify func()) *Route {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.peaks[name]
	if !ok {
		if notify != nil {
			b.watch(notify)
		}
		return nil
	}
	if priority == 0 {
		priority = 1
	}

	r := &Route{peak: p, priority: priority, exitCh: make(chan struct{})}
	c := newChunk()
	r.wchunk = c
	r.rchunk.Store(c)

	if cur := p.route.Load(); cur == nil {
		r.next.Store(r)
		p.route.Store(r)
	} else {
		r.next.Store(cur.next.Load())
		cur.next.Store(r)
	}

	b.topologyChangedLocked()
	if m := b.metrics; m != nil {
		m.RoutesAttached.Inc()
	}
	return r
}
