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

package metrics

import (
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeVecValue(t *testing.T, g *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var pb io_prometheus_client.Metric
	require.NoError(t, g.WithLabelValues(labels...).Write(&pb))
	return pb.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var pb io_prometheus_client.Metric
	require.NoError(t, c.WithLabelValues(labels...).Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestSetCacheSize(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.SetCacheSize(map[string]int{"cluster": 3, "listener": 1})
	assert.Equal(t, float64(3), gaugeVecValue(t, m.cacheSizeGauge, "cluster"))
	assert.Equal(t, float64(1), gaugeVecValue(t, m.cacheSizeGauge, "listener"))

	// A second call with a shrunk stats map clears stale type_urls rather
	// than leaving their last value stuck.
	m.SetCacheSize(map[string]int{"cluster": 3})
	assert.Equal(t, float64(3), gaugeVecValue(t, m.cacheSizeGauge, "cluster"))
	assert.Equal(t, float64(0), gaugeVecValue(t, m.cacheSizeGauge, "listener"))
}

func TestIncNack(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.IncNack("cluster")
	m.IncNack("cluster")
	m.IncNack("listener")

	assert.Equal(t, float64(2), counterVecValue(t, m.nackTotal, "cluster"))
	assert.Equal(t, float64(1), counterVecValue(t, m.nackTotal, "listener"))
}

func TestSetActiveLearningSessions(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.SetActiveLearningSessions(4)

	var pb io_prometheus_client.Metric
	require.NoError(t, m.activeSessionsGauge.Write(&pb))
	assert.Equal(t, float64(4), pb.GetGauge().GetValue())
}

func TestIncSamplesCaptured(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.IncSamplesCaptured()
	m.IncSamplesCaptured()

	var pb io_prometheus_client.Metric
	require.NoError(t, m.samplesCapturedTotal.Write(&pb))
	assert.Equal(t, float64(2), pb.GetCounter().GetValue())
}

func TestObserveDispatchDoesNotPanic(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveDispatch(5 * time.Millisecond)
}
