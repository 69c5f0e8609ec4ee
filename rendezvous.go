// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

import "context"

// This file provides blocking variants of Attach/Detach/Route/Unroute/
// Close: topology is inherently asynchronous (a call may need to wait
// for a concurrent drain or name release), but callers outside a
// cooperative runtime often want synchronous semantics.
//
// The original source parks a thread-private (mutex, condvar) pair as
// the watcher and waits on the condvar; Go has no condvar that
// composes with select, so the idiomatic substitute is a single-use,
// closed-over channel: the non-blocking op's notify callback closes
// it, and the wrapper selects on that channel and ctx.Done(). Unlike
// the original, callers get real cancellation via ctx — ctx.Err() is
// returned as is (not wrapped) if the context is canceled before the
// topology mutation completes.

// signalOnce returns a channel that's closed exactly once, the first
// time the returned func is called, and safe to call from any
// goroutine (it's what Attach/Route/etc. hand in as `notify`).
func signalOnce() (wait <-chan struct{}, notify func()) {
	ch := make(chan struct{})
	var closed bool
	return ch, func() {
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// AttachWait blocks until name can be attached, or ctx is canceled.
func (b *Bus) AttachWait(ctx context.Context, name string, ready func()) (*Peak, error) {
	for {
		wait, notify := signalOnce()
		if p := b.Attach(name, ready, notify); p != nil {
			return p, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DetachWait blocks until p can be detached, or ctx is canceled.
func (p *Peak) DetachWait(ctx context.Context) error {
	for {
		wait, notify := signalOnce()
		if p.Detach(notify) {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RouteWait blocks until a route can be created against name, or ctx
// is canceled.
func (b *Bus) RouteWait(ctx context.Context, name string, priority uint32) (*Route, error) {
	for {
		wait, notify := signalOnce()
		if r := b.Route(name, priority, notify); r != nil {
			return r, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// UnrouteWait blocks until r has fully drained and been retired, or
// ctx is canceled. Unlike the non-blocking Unroute, it works correctly
// whether or not r's ring was already empty at the time of the call.
func (r *Route) UnrouteWait(ctx context.Context) error {
	if r.Unroute(nil) {
		return nil
	}
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWait blocks until the bus has no peaks left and can be torn
// down, or ctx is canceled.
func (b *Bus) CloseWait(ctx context.Context) error {
	for {
		wait, notify := signalOnce()
		if b.Close(notify) {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
