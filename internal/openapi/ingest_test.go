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

package openapi

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/platformapi"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

const paymentsSpecV1 = `{
  "openapi": "3.0.3",
  "info": {"title": "payments-api", "version": "1.0.0"},
  "servers": [{"url": "http://payments.svc.cluster.local:8080"}],
  "paths": {
    "/v1/charges": {
      "get": {"operationId": "listCharges", "responses": {"200": {"description": "ok"}}},
      "post": {"operationId": "createCharge", "responses": {"200": {"description": "ok"}}}
    },
    "/v1/charges/{id}": {
      "get": {"operationId": "getCharge", "responses": {"200": {"description": "ok"}}}
    }
  }
}`

const paymentsSpecV2 = `{
  "openapi": "3.0.3",
  "info": {"title": "payments-api", "version": "2.0.0"},
  "servers": [{"url": "http://payments.svc.cluster.local:8080"}],
  "paths": {
    "/v1/charges": {
      "get": {"operationId": "listCharges", "responses": {"200": {"description": "ok"}}}
    }
  }
}`

func newTestIngester(t *testing.T) (*Ingester, *store.DB) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:", logrus.StandardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mat := platformapi.New(db, xdscache.NewRefresher(db, xdscache.New()), logrus.StandardLogger())
	return New(db, mat, logrus.StandardLogger()), db
}

func TestIngestCreatesDefinitionAndClusterReferences(t *testing.T) {
	ing, db := newTestIngester(t)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, IngestOptions{Team: "payments", SpecName: "payments-api", ContentType: "application/json"}, []byte(paymentsSpecV1))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, res.Action)
	require.NotNil(t, res.Outcome)
	assert.Len(t, res.Outcome.GeneratedClusterIDs, 3, "one cluster per operation, all to the same endpoint")

	def, err := db.APIDefinitions.FindByImportID(ctx, res.Import.ID)
	require.NoError(t, err)
	assert.Equal(t, "payments.svc.cluster.local", def.Domain)

	// Same endpoint across all three operations collapses to a single
	// cluster row (materializer's team+endpoint dedupe), referenced three
	// times by this one import.
	cluster, err := db.Clusters.FindByTeamAndEndpoint(ctx, nil, "payments", "payments.svc.cluster.local:8080")
	require.NoError(t, err)
	n, err := db.ClusterReferences.CountReferences(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one import referencing it, refcounted once per import not per route")
}

func TestIngestSameChecksumIsNoop(t *testing.T) {
	ing, _ := newTestIngester(t)
	ctx := context.Background()
	opts := IngestOptions{Team: "payments", SpecName: "payments-api", ContentType: "application/json"}

	_, err := ing.Ingest(ctx, opts, []byte(paymentsSpecV1))
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, opts, []byte(paymentsSpecV1))
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, res.Action)
}

func TestIngestReimportUpgradesAndShrinksRoutes(t *testing.T) {
	ing, db := newTestIngester(t)
	ctx := context.Background()
	opts := IngestOptions{Team: "payments", SpecName: "payments-api", ContentType: "application/json"}

	first, err := ing.Ingest(ctx, opts, []byte(paymentsSpecV1))
	require.NoError(t, err)
	require.Len(t, first.Outcome.GeneratedClusterIDs, 3)

	second, err := ing.Ingest(ctx, opts, []byte(paymentsSpecV2))
	require.NoError(t, err)
	assert.Equal(t, ActionUpgraded, second.Action)
	assert.Len(t, second.Outcome.GeneratedClusterIDs, 1, "v2 dropped two operations")

	fresh, err := db.ImportMetadata.GetByID(ctx, first.Import.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", fresh.SpecVersion)
}

func TestDeleteImportReturnsOrphanedClusters(t *testing.T) {
	ing, db := newTestIngester(t)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, IngestOptions{Team: "payments", SpecName: "payments-api", ContentType: "application/json"}, []byte(paymentsSpecV1))
	require.NoError(t, err)

	orphans, err := ing.DeleteImport(ctx, res.Import.ID)
	require.NoError(t, err)
	assert.Len(t, orphans, 1, "the one shared cluster loses its only reference")

	_, err = db.APIDefinitions.FindByImportID(ctx, res.Import.ID)
	assert.Error(t, err, "the definition was torn down with the import")

	_, err = db.ImportMetadata.GetByID(ctx, res.Import.ID)
	assert.Error(t, err, "import_metadata row removed")
}

func TestRouteMatchExactAndTemplated(t *testing.T) {
	mt, mv := routeMatch("/v1/charges")
	assert.Equal(t, "path", mt)
	assert.Equal(t, "/v1/charges", mv)

	mt, mv = routeMatch("/v1/charges/{id}")
	assert.Equal(t, "regex", mt)
	assert.Equal(t, `^/v1/charges/[^/]+$`, mv)
}

func TestClassifyReimport(t *testing.T) {
	assert.Equal(t, ActionUpgraded, classifyReimport("1.0.0", "1.1.0"))
	assert.Equal(t, ActionDowngraded, classifyReimport("2.0.0", "1.0.0"))
	assert.Equal(t, ActionReapplied, classifyReimport("1.0.0", "1.0.0"))
	assert.Equal(t, ActionReapplied, classifyReimport("not-a-version", "1.0.0"))
}
