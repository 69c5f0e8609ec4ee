// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

package sbus_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sbuscore/sbus"
	"github.com/sbuscore/sbus/internal/busmetrics"
)

func TestPutGetRoundTrip(t *testing.T) {
	b := sbus.New()
	p := b.Attach("sink", nil, nil)
	if p == nil {
		t.Fatal("Attach returned nil")
	}
	r := b.Route("sink", 1, nil)
	if r == nil {
		t.Fatal("Route returned nil")
	}

	if err := r.Put("hello"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := p.Get()
	if !ok {
		t.Fatal("Get: no message available")
	}
	if got != "hello" {
		t.Fatalf("Get = %v, want hello", got)
	}
	if _, ok := p.Get(); ok {
		t.Fatal("Get returned a second message from an empty ring")
	}
}

func TestGetEmptyPeak(t *testing.T) {
	b := sbus.New()
	p := b.Attach("sink", nil, nil)
	if _, ok := p.Get(); ok {
		t.Fatal("Get on a peak with no routes should report false")
	}
}

func TestRouteRequiresExistingPeak(t *testing.T) {
	b := sbus.New()
	var notified bool
	r := b.Route("nosuchpeak", 1, func() { notified = true })
	if r != nil {
		t.Fatal("Route against a nonexistent peak should return nil")
	}
	// Attaching the peak afterward should fire the parked watcher.
	b.Attach("nosuchpeak", nil, nil)
	if !notified {
		t.Fatal("watcher registered by the failed Route call never fired")
	}
}

func TestAttachNameTaken(t *testing.T) {
	b := sbus.New()
	first := b.Attach("dup", nil, nil)

	var notified bool
	if p := b.Attach("dup", nil, func() { notified = true }); p != nil {
		t.Fatal("second Attach of the same name should return nil")
	}
	if got := b.Debugger().PendingWatchers(); got != 1 {
		t.Fatalf("PendingWatchers = %d, want 1", got)
	}
	if notified {
		t.Fatal("watcher fired before any topology change occurred")
	}

	if ok := first.Detach(nil); !ok {
		t.Fatal("Detach of a routeless peak should succeed synchronously")
	}
	if !notified {
		t.Fatal("watcher parked by the failed Attach never fired on Detach")
	}
	if got := b.Debugger().PendingWatchers(); got != 0 {
		t.Fatalf("PendingWatchers after firing = %d, want 0", got)
	}
}

func TestUnrouteSynchronousWhenEmpty(t *testing.T) {
	b := sbus.New()
	b.Attach("sink", nil, nil)
	r := b.Route("sink", 1, nil)

	if ok := r.Unroute(nil); !ok {
		t.Fatal("Unroute on an empty route should retire synchronously")
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done channel should already be closed after synchronous retire")
	}
}

func TestUnrouteDrainsBeforeRetiring(t *testing.T) {
	b := sbus.New()
	p := b.Attach("sink", nil, nil)
	r := b.Route("sink", 1, nil)

	if err := r.Put("queued"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok := r.Unroute(nil); ok {
		t.Fatal("Unroute on a nonempty route should not retire synchronously")
	}
	if err := r.Put("too late"); err != sbus.ErrRouteExiting {
		t.Fatalf("Put after Unroute = %v, want ErrRouteExiting", err)
	}

	select {
	case <-r.Done():
		t.Fatal("Done fired before the queued message was drained")
	default:
	}

	got, ok := p.Get()
	if !ok || got != "queued" {
		t.Fatalf("Get = (%v, %v), want (queued, true)", got, ok)
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("route never retired after its last message was drained")
	}
}

func TestRoundRobinPriority(t *testing.T) {
	b := sbus.New()
	p := b.Attach("sink", nil, nil)
	// The round-robin cursor starts on the first route created; later
	// routes are spliced in after it.
	hi := b.Route("sink", 3, nil)
	lo := b.Route("sink", 1, nil)

	for i := 0; i < 3; i++ {
		if err := hi.Put(fmt.Sprintf("hi-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := lo.Put("lo-0"); err != nil {
		t.Fatal(err)
	}

	var got []any
	for i := 0; i < 4; i++ {
		v, ok := p.Get()
		if !ok {
			t.Fatalf("Get #%d: no message", i)
		}
		got = append(got, v)
	}

	// hi has priority 3, so the cursor should serve three of its
	// messages before round-robining onward to lo.
	want := []any{"hi-0", "hi-1", "hi-2", "lo-0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-robin order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMany(t *testing.T) {
	b := sbus.New()
	p := b.Attach("sink", nil, nil)
	r := b.Route("sink", 1, nil)

	for i := 0; i < 5; i++ {
		if err := r.Put(i); err != nil {
			t.Fatal(err)
		}
	}

	out := make([]any, 3)
	n := p.GetMany(out)
	if n != 3 {
		t.Fatalf("GetMany = %d, want 3", n)
	}
	if diff := cmp.Diff([]any{0, 1, 2}, out[:n]); diff != "" {
		t.Fatalf("GetMany batch mismatch (-want +got):\n%s", diff)
	}

	n = p.GetMany(out)
	if n != 2 {
		t.Fatalf("second GetMany = %d, want 2", n)
	}
	if diff := cmp.Diff([]any{3, 4}, out[:n]); diff != "" {
		t.Fatalf("GetMany second batch mismatch (-want +got):\n%s", diff)
	}

	if n := p.GetMany(out); n != 0 {
		t.Fatalf("GetMany on drained ring = %d, want 0", n)
	}
}

// TestChunkSpliceOnFill covers spec.md's S4 scenario: the Put that
// writes the last slot of a route's only chunk, with no Get in
// between, splices in exactly one new chunk (the writer would
// otherwise lap the reader), and one message past that boundary
// allocates nothing further.
func TestChunkSpliceOnFill(t *testing.T) {
	const chunkSize = 1024 // mirrors ring.go's chunkSize (1 << SBUS_CHUNK_MUL)

	m := busmetrics.New(prometheus.NewRegistry())
	b := sbus.New(sbus.WithMetrics(m))
	p := b.Attach("sink", nil, nil)
	r := b.Route("sink", 1, nil)

	for i := 0; i < chunkSize; i++ {
		if err := r.Put(i); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if got := testutil.ToFloat64(m.ChunksAllocated); got != 1 {
		t.Fatalf("ChunksAllocated after filling exactly one chunk = %v, want 1", got)
	}

	if err := r.Put(chunkSize); err != nil {
		t.Fatalf("Put #%d: %v", chunkSize, err)
	}
	if got := testutil.ToFloat64(m.ChunksAllocated); got != 1 {
		t.Fatalf("ChunksAllocated after one Put past the chunk boundary = %v, want 1", got)
	}

	got := 0
	for i := 0; i <= chunkSize; i++ {
		v, ok := p.Get()
		if !ok {
			t.Fatalf("Get #%d: ring drained early after %d messages", i, got)
		}
		if v != i {
			t.Fatalf("Get #%d = %v, want %d", i, v, i)
		}
		got++
	}
	if _, ok := p.Get(); ok {
		t.Fatal("ring yielded an extra message past the splice boundary")
	}
	if got != chunkSize+1 {
		t.Fatalf("drained %d messages, want %d", got, chunkSize+1)
	}
}

func TestReadyCallbackCoalesces(t *testing.T) {
	var calls int
	b := sbus.New()
	b.Attach("sink", func() { calls++ }, nil)
	r := b.Route("sink", 1, nil)

	r.PutStart(1)
	r.PutStart(2)
	r.PutStart(3)
	r.PutDone()

	if calls != 1 {
		t.Fatalf("ready fired %d times for one batch, want 1", calls)
	}
}

func TestDebugger(t *testing.T) {
	b := sbus.New()
	b.Attach("a", nil, nil)
	b.Attach("b", nil, nil)
	b.Route("a", 1, nil)
	b.Route("a", 1, nil)

	names := b.Debugger().PeakNames()
	sort.Strings(names)
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Fatalf("PeakNames mismatch (-want +got):\n%s", diff)
	}
	if got := b.Debugger().RouteCount("a"); got != 2 {
		t.Fatalf("RouteCount(a) = %d, want 2", got)
	}
	if got := b.Debugger().RouteCount("b"); got != 0 {
		t.Fatalf("RouteCount(b) = %d, want 0", got)
	}
	if got := b.Debugger().RouteCount("nosuchpeak"); got != 0 {
		t.Fatalf("RouteCount(missing) = %d, want 0", got)
	}
}

func TestRendezvousAttachWaitUnblocksOnDetach(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := sbus.New()
		first := b.Attach("sink", nil, nil)
		if first == nil {
			t.Fatal("first Attach should succeed")
		}

		var g taskgroup.Group
		result := make(chan error, 1)
		g.Go(func() error {
			_, err := b.AttachWait(context.Background(), "sink", nil)
			result <- err
			return nil
		})

		synctest.Wait()
		select {
		case <-result:
			t.Fatal("AttachWait returned before the name was freed")
		default:
		}

		if ok := first.Detach(nil); !ok {
			t.Fatal("Detach of a routeless peak should succeed synchronously")
		}

		synctest.Wait()
		select {
		case err := <-result:
			if err != nil {
				t.Fatalf("AttachWait returned error %v", err)
			}
		default:
			t.Fatal("AttachWait never unblocked after Detach freed the name")
		}
		g.Wait()
	})
}

func TestRendezvousContextCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := sbus.New()
		b.Attach("sink", nil, nil) // name stays taken forever

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := make(chan error, 1)
		var g taskgroup.Group
		g.Go(func() error {
			_, aerr := b.AttachWait(ctx, "sink", nil)
			err <- aerr
			return nil
		})

		time.Sleep(2 * time.Second)
		synctest.Wait()

		select {
		case got := <-err:
			if got != context.DeadlineExceeded {
				t.Fatalf("AttachWait error = %v, want DeadlineExceeded", got)
			}
		default:
			t.Fatal("AttachWait never returned after its context expired")
		}
		g.Wait()
	})
}

func TestUnrouteWaitBlocksUntilDrained(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := sbus.New()
		p := b.Attach("sink", nil, nil)
		r := b.Route("sink", 1, nil)
		r.Put("one")

		var g taskgroup.Group
		done := make(chan error, 1)
		g.Go(func() error {
			done <- r.UnrouteWait(context.Background())
			return nil
		})

		synctest.Wait()
		select {
		case <-done:
			t.Fatal("UnrouteWait returned before the route was drained")
		default:
		}

		if _, ok := p.Get(); !ok {
			t.Fatal("expected one queued message")
		}

		synctest.Wait()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("UnrouteWait error = %v", err)
			}
		default:
			t.Fatal("UnrouteWait never unblocked once the route drained")
		}
		g.Wait()
	})
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	const (
		producers   = 8
		perProducer = 500
	)
	b := sbus.New()
	p := b.Attach("sink", nil, nil)

	var g taskgroup.Group
	for i := 0; i < producers; i++ {
		i := i
		r := b.Route("sink", 1, nil)
		g.Go(func() error {
			for j := 0; j < perProducer; j++ {
				if err := r.Put(i*perProducer + j); err != nil {
					return err
				}
			}
			return nil
		})
	}

	got := 0
	for got < producers*perProducer {
		if _, ok := p.Get(); ok {
			got++
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer error: %v", err)
	}
	if got != producers*perProducer {
		t.Fatalf("got %d messages, want %d", got, producers*perProducer)
	}
}
