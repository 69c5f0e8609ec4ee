// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

import "github.com/sbuscore/sbus/internal/set"

// Debugger exposes read-only introspection into a bus's topology, for
// diagnostics and tests. It takes the bus mutex for each call, so it
// is not meant for use on any hot path.
type Debugger struct {
	bus *Bus
}

// Debugger returns the debugging facility for b.
func (b *Bus) Debugger() *Debugger { return &Debugger{b} }

// PeakNames returns the names of every peak currently attached to the
// bus, in unspecified order.
func (d *Debugger) PeakNames() []string {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()

	names := make(set.Set[string], len(d.bus.peaks))
	for name := range d.bus.peaks {
		names.Add(name)
	}
	return names.Slice()
}

// PendingWatchers returns the number of watchers currently parked,
// waiting for the next topology change.
func (d *Debugger) PendingWatchers() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return len(d.bus.watchers)
}

// RouteCount returns the number of routes currently attached to the
// named peak, or 0 if no such peak exists. It briefly takes the bus
// mutex and walks the peak's round-robin ring, so it's O(routes) and
// meant for tests/diagnostics, not hot-path use.
func (d *Debugger) RouteCount(peakName string) int {
	d.bus.mu.Lock()
	p, ok := d.bus.peaks[peakName]
	d.bus.mu.Unlock()
	if !ok {
		return 0
	}

	start := p.route.Load()
	if start == nil {
		return 0
	}
	n := 1
	for r := start.next.Load(); r != start; r = r.next.Load() {
		n++
	}
	return n
}
