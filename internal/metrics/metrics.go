// Copyright Project Contour Authors
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

// Package metrics provides Prometheus metrics for flowplane: cache size per
// type_url, dispatch latency, NACK counts (C4/C5), and active learning
// session/sample counts (C8). Adapted from the teacher's own
// internal/metrics/metrics.go, replacing its HTTPProxy/DAG-rebuild gauges
// (there is no DAG here, and no HTTPProxy CRD) with flowplane's own
// dispatcher and learning-subsystem series, keeping the same
// NewMetrics/register/Handler shape.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowplane/flowplane/internal/build"
)

// Metrics provides Prometheus metrics for flowplane.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	cacheSizeGauge       *prometheus.GaugeVec
	dispatchLatency      prometheus.Summary
	nackTotal            *prometheus.CounterVec
	activeSessionsGauge  prometheus.Gauge
	samplesCapturedTotal prometheus.Counter
}

const (
	BuildInfoGauge = "flowplane_build_info"

	CacheSizeGauge          = "flowplane_xds_cache_size"
	DispatchLatencySummary  = "flowplane_xds_dispatch_duration_seconds"
	NackTotal               = "flowplane_xds_nack_total"
	ActiveLearningSessions  = "flowplane_learning_sessions_active"
	SamplesCapturedTotal    = "flowplane_learning_samples_captured_total"
)

// NewMetrics creates a new set of metrics and registers them with the
// supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for flowplane. Labels include the branch and git SHA flowplane was built from, and its version.",
			},
			[]string{"branch", "revision", "version"},
		),
		cacheSizeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: CacheSizeGauge,
				Help: "Number of resources currently held in the xDS cache, by type_url.",
			},
			[]string{"type_url"},
		),
		dispatchLatency: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       DispatchLatencySummary,
			Help:       "Time spent building and sending a DiscoveryResponse to a connected gateway.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		nackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: NackTotal,
				Help: "Total number of NACKed DiscoveryRequests received, by type_url.",
			},
			[]string{"type_url"},
		),
		activeSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ActiveLearningSessions,
			Help: "Number of learning sessions currently active.",
		}),
		samplesCapturedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: SamplesCapturedTotal,
			Help: "Total number of request samples captured across all learning sessions.",
		}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return &m
}

// register registers the Metrics with the supplied registry.
func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.cacheSizeGauge,
		m.dispatchLatency,
		m.nackTotal,
		m.activeSessionsGauge,
		m.samplesCapturedTotal,
	)
}

// SetCacheSize records the number of cached resources per type_url, clearing
// any type_url no longer present in stats.
func (m *Metrics) SetCacheSize(stats map[string]int) {
	m.cacheSizeGauge.Reset()
	for typeURL, n := range stats {
		m.cacheSizeGauge.WithLabelValues(typeURL).Set(float64(n))
	}
}

// ObserveDispatch records how long one dispatch-loop iteration took to
// build and send a DiscoveryResponse.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	m.dispatchLatency.Observe(d.Seconds())
}

// IncNack increments the NACK counter for typeURL. Satisfies
// internal/xdsserver.Metrics.
func (m *Metrics) IncNack(typeURL string) {
	m.nackTotal.WithLabelValues(typeURL).Inc()
}

// SetActiveLearningSessions records the current active session count.
func (m *Metrics) SetActiveLearningSessions(n int) {
	m.activeSessionsGauge.Set(float64(n))
}

// IncSamplesCaptured increments the total samples-captured counter.
// Satisfies internal/learning.Metrics.
func (m *Metrics) IncSamplesCaptured() {
	m.samplesCapturedTotal.Inc()
}

// Handler returns an http.Handler for a metrics endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
