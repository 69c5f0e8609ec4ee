// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package busmetrics holds the Prometheus instrumentation for a [sbus.Bus]
// and its worker pools. Metrics are entirely optional: a Bus created
// without a Metrics attached pays no instrumentation cost beyond a nil
// check.
package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters and gauges sbus maintains about bus
// topology and message flow. Construct one with [New] and pass it to
// sbus.New via sbus.WithMetrics.
type Metrics struct {
	PeaksAttached   prometheus.Gauge
	RoutesAttached  prometheus.Gauge
	WatchersParked  prometheus.Gauge
	TopologyChanges prometheus.Counter
	MessagesPut     prometheus.Counter
	MessagesGot     prometheus.Counter
	RouteExiting    prometheus.Counter
	ChunksAllocated prometheus.Counter

	PoolWorkersActive prometheus.Gauge
	PoolCallsServed   prometheus.Counter
	PoolCallPanics    prometheus.Counter
}

// New registers and returns a new Metrics using reg, following the
// promauto pattern tailscale.com/control/controlclient uses. If reg is
// nil, the metrics are created but not registered with any registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PeaksAttached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sbus_peaks_attached",
			Help: "Number of peaks currently attached to the bus.",
		}),
		RoutesAttached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sbus_routes_attached",
			Help: "Number of routes currently attached across all peaks.",
		}),
		WatchersParked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sbus_watchers_parked",
			Help: "Number of watchers currently parked waiting on a topology change.",
		}),
		TopologyChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_topology_changes_total",
			Help: "Number of committed topology mutations (attach/detach/route/unroute).",
		}),
		MessagesPut: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_messages_put_total",
			Help: "Number of messages successfully enqueued on a route.",
		}),
		MessagesGot: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_messages_got_total",
			Help: "Number of messages successfully dequeued from a peak.",
		}),
		RouteExiting: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_route_exiting_total",
			Help: "Number of Put calls rejected because the route was exiting.",
		}),
		ChunksAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_chunks_allocated_total",
			Help: "Number of ring chunks spliced in to avoid the writer lapping the reader.",
		}),
		PoolWorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sbus_pool_workers_active",
			Help: "Number of worker goroutines currently running in a fiber pool.",
		}),
		PoolCallsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_pool_calls_served_total",
			Help: "Number of (call_fn, call_arg) records dispatched by a fiber pool.",
		}),
		PoolCallPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "sbus_pool_call_panics_total",
			Help: "Number of dispatched calls that panicked and were recovered.",
		}),
	}
}
