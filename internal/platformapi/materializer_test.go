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

package platformapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

func newTestMaterializer(t *testing.T) (*Materializer, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:", logrus.StandardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache := xdscache.New()
	refresher := xdscache.NewRefresher(db, cache)
	return New(db, refresher, logrus.StandardLogger()), db
}

func basicSpec() *APIDefinitionSpec {
	return &APIDefinitionSpec{
		Team:   "payments",
		Domain: "payments.example.com",
		Routes: []APIRouteSpec{
			{
				MatchType:  "prefix",
				MatchValue: "/v1/charges",
				UpstreamTargets: []model.UpstreamTarget{
					{Name: "charges", Endpoint: "charges.payments.svc:8080", Weight: 100},
				},
				RouteOrder: 0,
			},
		},
	}
}

func TestCreateSharedModeMergesIntoDefaultGatewayListener(t *testing.T) {
	m, db := newTestMaterializer(t)
	ctx := context.Background()

	outcome, err := m.Create(ctx, basicSpec())
	require.NoError(t, err)
	require.Len(t, outcome.GeneratedClusterIDs, 1)
	require.Nil(t, outcome.GeneratedListenerID)

	listener, err := db.Listeners.GetByName(ctx, model.DefaultGatewayListenerName)
	require.NoError(t, err)

	var cfg model.ListenerConfig
	require.NoError(t, json.Unmarshal(listener.Configuration, &cfg))
	require.Len(t, cfg.FilterChains, 1)
	require.NotNil(t, cfg.FilterChains[0].InlineRoutes)
	require.Len(t, cfg.FilterChains[0].InlineRoutes.VirtualHosts, 1)
	require.Equal(t, "payments.example.com", cfg.FilterChains[0].InlineRoutes.VirtualHosts[0].Name)
}

func TestCreateIsolatedModeBuildsDedicatedListener(t *testing.T) {
	m, db := newTestMaterializer(t)
	ctx := context.Background()

	spec := basicSpec()
	spec.ListenerIsolation = true
	spec.IsolationListener = &IsolationListenerSpec{Name: "payments-isolated", Address: "0.0.0.0", Port: 9001, Protocol: "http"}

	outcome, err := m.Create(ctx, spec)
	require.NoError(t, err)
	require.NotNil(t, outcome.GeneratedListenerID)

	listener, err := db.Listeners.GetByID(ctx, *outcome.GeneratedListenerID)
	require.NoError(t, err)
	require.Equal(t, "payments-isolated", listener.Name)

	routes, err := db.APIRoutes.ListForDefinition(ctx, outcome.Definition.ID)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.NotNil(t, routes[0].GeneratedRouteID)
}

func TestCreateDedupesClusterByTeamAndEndpoint(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ctx := context.Background()

	spec := basicSpec()
	spec.Routes = append(spec.Routes, APIRouteSpec{
		MatchType:  "prefix",
		MatchValue: "/v1/refunds",
		UpstreamTargets: []model.UpstreamTarget{
			{Name: "charges", Endpoint: "charges.payments.svc:8080", Weight: 100},
		},
		RouteOrder: 1,
	})

	outcome, err := m.Create(ctx, spec)
	require.NoError(t, err)
	require.Len(t, outcome.GeneratedClusterIDs, 2)
	require.Equal(t, outcome.GeneratedClusterIDs[0], outcome.GeneratedClusterIDs[1])
}

func TestCreateDetectsPathCollisionOnSharedListener(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ctx := context.Background()

	_, err := m.Create(ctx, basicSpec())
	require.NoError(t, err)

	_, err = m.Create(ctx, basicSpec())
	require.Error(t, err)
	require.True(t, flowerrors.IsConflict(err))
}

func TestUpdateReleasesOrphanedCluster(t *testing.T) {
	m, db := newTestMaterializer(t)
	ctx := context.Background()

	outcome, err := m.Create(ctx, basicSpec())
	require.NoError(t, err)
	oldClusterID := outcome.GeneratedClusterIDs[0]

	updated := basicSpec()
	updated.Routes[0].UpstreamTargets[0].Endpoint = "charges-v2.payments.svc:8080"

	newOutcome, err := m.Update(ctx, outcome.Definition.ID, updated)
	require.NoError(t, err)
	require.NotEqual(t, oldClusterID, newOutcome.GeneratedClusterIDs[0])

	_, err = db.Clusters.GetByID(ctx, oldClusterID)
	require.True(t, flowerrors.IsNotFound(err))

	def, err := db.APIDefinitions.GetByID(ctx, outcome.Definition.ID)
	require.NoError(t, err)
	require.Equal(t, 2, def.Version)
}

func TestDeleteSharedModeRemovesVirtualHostAndOrphanedCluster(t *testing.T) {
	m, db := newTestMaterializer(t)
	ctx := context.Background()

	outcome, err := m.Create(ctx, basicSpec())
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, outcome.Definition.ID))

	_, err = db.APIDefinitions.GetByID(ctx, outcome.Definition.ID)
	require.True(t, flowerrors.IsNotFound(err))

	_, err = db.Clusters.GetByID(ctx, outcome.GeneratedClusterIDs[0])
	require.True(t, flowerrors.IsNotFound(err))

	listener, err := db.Listeners.GetByName(ctx, model.DefaultGatewayListenerName)
	require.NoError(t, err)
	var cfg model.ListenerConfig
	require.NoError(t, json.Unmarshal(listener.Configuration, &cfg))
	require.Empty(t, cfg.FilterChains[0].InlineRoutes.VirtualHosts)
}

func TestDeleteIsolatedModeRemovesListener(t *testing.T) {
	m, db := newTestMaterializer(t)
	ctx := context.Background()

	spec := basicSpec()
	spec.ListenerIsolation = true
	spec.IsolationListener = &IsolationListenerSpec{Name: "payments-isolated", Address: "0.0.0.0", Port: 9001, Protocol: "http"}

	outcome, err := m.Create(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, outcome.Definition.ID))

	_, err = db.Listeners.GetByID(ctx, *outcome.GeneratedListenerID)
	require.True(t, flowerrors.IsNotFound(err))
}
