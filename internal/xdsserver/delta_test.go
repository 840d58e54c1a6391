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

package xdsserver

import (
	"testing"

	envoy_cluster_v3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/xdscache"
)

func snapshotOf(names ...string) xdscache.Snapshot {
	c := xdscache.New()
	for _, n := range names {
		_ = c.Put(xdscache.TypeURLCluster, n, "", &envoy_cluster_v3.Cluster{Name: n})
	}
	return c.Snapshot(xdscache.TypeURLCluster, xdscache.AllTeams)
}

func TestDeltaResponseSendsEverythingOnFirstCall(t *testing.T) {
	state := newDeltaState()
	resp, changed, err := deltaResponse(xdscache.TypeURLCluster, snapshotOf("a", "b"), state, 0)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Len(t, resp.Resources, 2)
	assert.Empty(t, resp.RemovedResources)
}

func TestDeltaResponseSkipsUnchangedOnSecondCall(t *testing.T) {
	state := newDeltaState()
	snap := snapshotOf("a")
	_, _, err := deltaResponse(xdscache.TypeURLCluster, snap, state, 0)
	require.NoError(t, err)

	_, changed, err := deltaResponse(xdscache.TypeURLCluster, snap, state, 1)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDeltaResponseReportsRemoval(t *testing.T) {
	state := newDeltaState()
	_, _, err := deltaResponse(xdscache.TypeURLCluster, snapshotOf("a", "b"), state, 0)
	require.NoError(t, err)

	resp, changed, err := deltaResponse(xdscache.TypeURLCluster, snapshotOf("a"), state, 1)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Empty(t, resp.Resources)
	assert.Equal(t, []string{"b"}, resp.RemovedResources)
}
