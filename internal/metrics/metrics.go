// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes pipeline counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerStates lists the label values of monitord_server_state.
var ServerStates = []string{"STOPPED", "STARTING", "RUNNING", "STOPPING"}

// Metrics holds the pipeline collectors on a private registry. It implements
// receiver.Metrics and queue.Observer.
type Metrics struct {
	registry *prometheus.Registry

	received         *prometheus.CounterVec
	parseFailures    *prometheus.CounterVec
	delivered        *prometheus.CounterVec
	observerFailures *prometheus.CounterVec

	propagated          *prometheus.CounterVec
	propagationFailures *prometheus.CounterVec
	propagationLatency  *prometheus.HistogramVec
	queueDepth          *prometheus.GaugeVec

	serverState     *prometheus.GaugeVec
	trackedEntities prometheus.Gauge
	entityReloads   prometheus.Counter
}

// New creates the collectors, including the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		received: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_receiver_messages_total",
				Help: "Inbound messages accepted by source",
			},
			[]string{"source"},
		),
		parseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_receiver_parse_failures_total",
				Help: "Inbound messages discarded because they could not be parsed, by source",
			},
			[]string{"source"},
		),
		delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_receiver_deliveries_total",
				Help: "Records delivered to observers by observer ID",
			},
			[]string{"observer"},
		),
		observerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_receiver_observer_failures_total",
				Help: "Observer callbacks that returned an error or panicked, by observer ID",
			},
			[]string{"observer"},
		),
		propagated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_propagated_total",
				Help: "Items forwarded by propagators",
			},
			[]string{"propagator"},
		),
		propagationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitord_propagation_failures_total",
				Help: "Items whose sink failed, by propagator",
			},
			[]string{"propagator"},
		),
		propagationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitord_propagation_duration_seconds",
				Help:    "Sink latency of successfully propagated items",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"propagator"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monitord_queue_depth",
				Help: "Items waiting in a propagator's queue",
			},
			[]string{"propagator"},
		),
		serverState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monitord_server_state",
				Help: "Current HTTP server state (1 for the active state)",
			},
			[]string{"state"},
		),
		trackedEntities: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitord_tracked_entities",
				Help: "Tracked entity attributes in the current entity set",
			},
		),
		entityReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "monitord_entity_reloads_total",
				Help: "Successful reloads of the entity file",
			},
		),
	}
}

// Registry returns the registry the collectors are registered with.
// Other exporters (the OpenTelemetry Prometheus bridge) register here too.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Received(source string)    { m.received.WithLabelValues(source).Inc() }
func (m *Metrics) ParseFailed(source string) { m.parseFailures.WithLabelValues(source).Inc() }
func (m *Metrics) Delivered(observer string) { m.delivered.WithLabelValues(observer).Inc() }

func (m *Metrics) ObserverFailed(observer string) {
	m.observerFailures.WithLabelValues(observer).Inc()
}

func (m *Metrics) Propagated(propagator string, d time.Duration) {
	m.propagated.WithLabelValues(propagator).Inc()
	m.propagationLatency.WithLabelValues(propagator).Observe(d.Seconds())
}

func (m *Metrics) Failed(propagator string, _ error) {
	m.propagationFailures.WithLabelValues(propagator).Inc()
}

func (m *Metrics) Depth(propagator string, depth int) {
	m.queueDepth.WithLabelValues(propagator).Set(float64(depth))
}

// ServerState marks state as the active server state.
func (m *Metrics) ServerState(state string) {
	for _, s := range ServerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.serverState.WithLabelValues(s).Set(v)
	}
}

// EntitiesReloaded records a reload of the entity file holding n entries.
func (m *Metrics) EntitiesReloaded(n int) {
	m.entityReloads.Inc()
	m.trackedEntities.Set(float64(n))
}

// TrackedEntities sets the size of the tracked set.
func (m *Metrics) TrackedEntities(n int) { m.trackedEntities.Set(float64(n)) }
