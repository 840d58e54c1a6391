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

package xdscache

import (
	"testing"

	envoy_cluster_v3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutSkipsNotifyWhenContentUnchanged(t *testing.T) {
	c := New()

	err := c.Put(TypeURLCluster, "foo", "payments", &envoy_cluster_v3.Cluster{Name: "foo"})
	require.NoError(t, err)
	drain(t, c.Watch())

	err = c.Put(TypeURLCluster, "foo", "payments", &envoy_cluster_v3.Cluster{Name: "foo"})
	require.NoError(t, err)
	assertNoSignal(t, c.Watch())
}

func TestPutSignalsWhenContentChanges(t *testing.T) {
	c := New()

	require.NoError(t, c.Put(TypeURLCluster, "foo", "payments", &envoy_cluster_v3.Cluster{Name: "foo"}))
	drain(t, c.Watch())

	require.NoError(t, c.Put(TypeURLCluster, "foo", "payments", &envoy_cluster_v3.Cluster{Name: "foo", AltStatName: "changed"}))
	drain(t, c.Watch())
}

func TestSnapshotFiltersByTeam(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(TypeURLCluster, "payments-a", "payments", &envoy_cluster_v3.Cluster{Name: "payments-a"}))
	require.NoError(t, c.Put(TypeURLCluster, "checkout-a", "checkout", &envoy_cluster_v3.Cluster{Name: "checkout-a"}))
	require.NoError(t, c.Put(TypeURLCluster, "shared", "", &envoy_cluster_v3.Cluster{Name: "shared"}))

	snap := c.Snapshot(TypeURLCluster, ForTeam("payments"))
	assert.ElementsMatch(t, []string{"payments-a", "shared"}, snap.Names)

	all := c.Snapshot(TypeURLCluster, AllTeams)
	assert.ElementsMatch(t, []string{"payments-a", "checkout-a", "shared"}, all.Names)
}

func TestSnapshotVersionStableAcrossIdenticalRebuilds(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(TypeURLCluster, "foo", "", &envoy_cluster_v3.Cluster{Name: "foo"}))
	first := c.Snapshot(TypeURLCluster, AllTeams)

	c2 := New()
	require.NoError(t, c2.Put(TypeURLCluster, "foo", "", &envoy_cluster_v3.Cluster{Name: "foo"}))
	second := c2.Snapshot(TypeURLCluster, AllTeams)

	assert.Equal(t, first.Version, second.Version)
}

func TestRemoveSignalsOnlyIfPresent(t *testing.T) {
	c := New()
	c.Remove(TypeURLCluster, "does-not-exist")
	assertNoSignal(t, c.Watch())

	require.NoError(t, c.Put(TypeURLCluster, "foo", "", &envoy_cluster_v3.Cluster{Name: "foo"}))
	drain(t, c.Watch())

	c.Remove(TypeURLCluster, "foo")
	drain(t, c.Watch())
}

func drain(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Fatal("expected a signal on the watch channel")
	}
}

func assertNoSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("did not expect a signal on the watch channel")
	default:
	}
}
