// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pool turns an [sbus.Peak] into a cooperative dispatcher: one
// scheduler goroutine is the peak's sole consumer, handing retrieved
// (call, arg) records off to a bounded set of worker goroutines for
// invocation.
//
// This is the Go-goroutine realization of the original's fiber pool,
// which bound a cooperative Tarantool runtime (one OS thread, many
// fibers, no preemption) to a peak via a libev ev_async callback. Go
// goroutines are preemptible, so there is no cooperative "yield"
// primitive to mirror literally; instead, pool_size becomes the number
// of persistent worker goroutines the scheduler hands work to, and
// pool_batch becomes how many messages the scheduler will pull off the
// peak in one uninterrupted burst before checking whether it's been
// asked to shut down. The external wake-up path — the only way a
// producer on another goroutine can rouse a parked scheduler — is
// still, as in the original, a single coalescing async signal.
//
// A peak must have exactly one goroutine calling Get/GetMany on it at
// a time (see the sbus package doc); only the scheduler goroutine ever
// touches the peak here, never the worker goroutines.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"

	"github.com/sbuscore/sbus"
	"github.com/sbuscore/sbus/internal/busmetrics"
	"github.com/sbuscore/sbus/internal/xlog"
)

// Call is the message schema a pool-backed peak must receive: every
// message Put on a route that feeds this peak's name must be a Call.
// The pool dispatches Fn(Arg) and never otherwise interprets Arg.
type Call struct {
	Fn  func(arg any)
	Arg any
}

// Notifier is the pool's only cross-goroutine entry point: an external
// goroutine (typically a route's producer, via PutDone) calls Signal
// to wake a parked scheduler. Implementations must coalesce repeated
// signals into one wakeup and must never block, mirroring ev_async's
// coalescing semantics.
type Notifier interface {
	Signal()
}

// chanNotifier is a Notifier backed by a capacity-1 channel: a full
// channel means a wakeup is already pending, so further Signal calls
// are free to drop theirs.
type chanNotifier chan struct{}

func (n chanNotifier) Signal() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// Option configures optional behavior of a [Pool] constructed with
// Attach.
type Option func(*Pool)

// WithLogf sets the logger used to report calls that panic. Without
// this option, panics are recovered and silently dropped.
func WithLogf(f xlog.Logf) Option { return func(p *Pool) { p.logf = f } }

// WithMetrics attaches Prometheus instrumentation to the pool.
func WithMetrics(m *busmetrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// Pool is a bounded worker pool dispatching Calls pulled from one
// peak by a single scheduler goroutine. The zero value is not usable;
// pools are created with Attach.
type Pool struct {
	bus   *sbus.Bus
	peak  *sbus.Peak
	size  int
	batch int

	jobs chan any
	wg   taskgroup.Group
	wake chanNotifier

	closeOnce sync.Once
	closeCh   chan struct{}

	active  atomic.Int64
	logf    xlog.Logf
	metrics *busmetrics.Metrics
}

// Attach creates a peak named name on b and starts a worker pool
// behind it. size is the number of persistent worker goroutines that
// invoke dispatched calls; batch bounds how many messages the
// scheduler goroutine pulls off the peak in one burst before
// rechecking for shutdown. Attach blocks until name is available (see
// [sbus.Bus.AttachWait]) or ctx is canceled.
func Attach(ctx context.Context, b *sbus.Bus, name string, size, batch int, opts ...Option) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if batch < 1 {
		batch = 1
	}
	p := &Pool{
		bus:     b,
		size:    size,
		batch:   batch,
		jobs:    make(chan any),
		wake:    make(chanNotifier, 1),
		closeCh: make(chan struct{}),
		logf:    xlog.Discard,
	}
	for _, opt := range opts {
		opt(p)
	}

	peak, err := b.AttachWait(ctx, name, p.wake.Signal)
	if err != nil {
		return nil, err
	}
	p.peak = peak

	for i := 0; i < p.size; i++ {
		p.wg.Go(func() error {
			p.work()
			return nil
		})
	}
	p.wg.Go(func() error {
		p.schedule()
		return nil
	})
	return p, nil
}

// Peak returns the peak backing the pool, for callers that need to
// create routes targeting it (via [sbus.Bus.Route] or
// [sbus.Bus.RouteWait] using [Pool.Name]).
func (p *Pool) Peak() *sbus.Peak { return p.peak }

// Name returns the name of the pool's backing peak.
func (p *Pool) Name() string { return p.peak.Name() }

// ActiveWorkers reports how many worker goroutines are currently
// invoking a call. It's a snapshot, meant for diagnostics.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// Close stops the pool: it signals the scheduler to stop pulling from
// the peak, which closes the job channel once it exits and lets every
// worker goroutine drain out, then detaches the pool's peak from the
// bus (blocking until any routes still feeding it are unrouted). The
// order is stop, join, then detach. Close blocks until teardown
// completes.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeCh) })
	p.wg.Wait()
	p.peak.DetachWait(context.Background())
}

// schedule is the pool's scheduler goroutine: the sole caller of
// p.peak.Get, satisfying the bus's "one consumer per peak" contract.
// It pulls up to p.batch messages per round and hands each to a
// worker over p.jobs, parking on p.wake between rounds that found
// nothing. Apart from Close, the only cross-goroutine signal that can
// resume it comes from a producer, via the peak's ready callback
// (p.wake.Signal).
// schedule is the only goroutine that ever closes p.jobs, and it does
// so exactly once, right before returning, so workers blocked on a
// receive always unblock during shutdown.
func (p *Pool) schedule() {
	defer close(p.jobs)
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		found := 0
		for found < p.batch {
			v, ok := p.peak.Get()
			if !ok {
				break
			}
			select {
			case p.jobs <- v:
				found++
			case <-p.closeCh:
				return
			}
		}

		if found == 0 {
			select {
			case <-p.wake:
			case <-p.closeCh:
				return
			}
		}
	}
}

// work is a worker goroutine: it only ever invokes calls handed to it
// over p.jobs, never touching the peak directly.
func (p *Pool) work() {
	for v := range p.jobs {
		p.active.Add(1)
		if p.metrics != nil {
			p.metrics.PoolWorkersActive.Inc()
		}
		p.invoke(v)
		p.active.Add(-1)
		if p.metrics != nil {
			p.metrics.PoolWorkersActive.Dec()
		}
	}
}

func (p *Pool) invoke(v any) {
	call, ok := v.(Call)
	if !ok {
		p.logf("sbus/pool %s: dropped message of unexpected type %T", p.peak.Name(), v)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if p.metrics != nil {
				p.metrics.PoolCallPanics.Inc()
			}
			p.logf("sbus/pool %s: recovered panic in dispatched call: %v", p.peak.Name(), r)
		}
	}()
	call.Fn(call.Arg)
	if p.metrics != nil {
		p.metrics.PoolCallsServed.Inc()
	}
}
