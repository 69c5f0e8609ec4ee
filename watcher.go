// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

// watcher is a one-shot notifier parked on the bus. It's drained and
// invoked in FIFO order whenever any topology mutation commits, then
// discarded. Watchers never outlive the mutation that notifies them.
type watcher struct {
	notify func()
}

// watch parks notify on the bus, to be invoked on the next topology
// change. Must be called with b.mu held.
func (b *Bus) watch(notify func()) {
	b.watchers = append(b.watchers, &watcher{notify: notify})
	if m := b.metrics; m != nil {
		m.WatchersParked.Inc()
	}
}

// topologyChangedLocked drains the watcher queue FIFO, invoking each
// one after releasing the bus mutex, and increments the topology
// change counter. Must be called with b.mu held; it returns with the
// mutex still held, but the callbacks themselves run unlocked.
//
// Watchers registered by a callback run here (re-entrant Attach/Route/
// etc. calls that fail and park a new watcher) are deferred to the
// *next* topologyChanged call: we snapshot the queue before invoking
// anything, so appends made during the drain land in b.watchers and
// are picked up next time. This bounds re-entrancy to one extra round
// trip instead of an unbounded loop, and — unlike the original, which
// calls watcher callbacks while still holding the mutex — means a
// watcher callback can safely call back into the bus itself without
// deadlocking.
func (b *Bus) topologyChangedLocked() {
	if m := b.metrics; m != nil {
		m.TopologyChanges.Inc()
	}
	pending := b.watchers
	b.watchers = nil
	if len(pending) == 0 {
		return
	}
	b.mu.Unlock()
	for _, w := range pending {
		w.notify()
	}
	if m := b.metrics; m != nil {
		m.WatchersParked.Sub(float64(len(pending)))
	}
	b.mu.Lock()
}
