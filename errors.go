// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus

import "errors"

// Errors returned by the data path. Topology operations (Attach, Route,
// Detach, Unroute, Close) do not return these: a "not ready yet" result
// is instead encoded as a nil/false return plus a parked watcher, per
// the bus's non-blocking contract. See the *Wait family in
// rendezvous.go for an error-returning, blocking alternative.
var (
	// ErrRouteExiting is returned by Put/PutStart once Unroute has
	// marked the route as draining. It is a permanent refusal for that
	// route: no further Put will ever succeed on it.
	ErrRouteExiting = errors.New("sbus: route is exiting")
)

// ErrNotReady names the "not ready" outcome of a topology operation.
// No function in this package currently returns it: the non-blocking
// operations report "not ready" as a nil/false result, and the *Wait
// family returns ctx.Err() when ctx is canceled first.
var ErrNotReady = errors.New("sbus: not ready")
