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

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type apiRouteRow struct {
	ID                  string  `db:"id"`
	APIDefinitionID     string  `db:"api_definition_id"`
	MatchType           string  `db:"match_type"`
	MatchValue          string  `db:"match_value"`
	CaseSensitive       bool    `db:"case_sensitive"`
	Headers             *string `db:"headers"`
	RewritePrefix       *string `db:"rewrite_prefix"`
	RewriteHost         *string `db:"rewrite_host"`
	UpstreamTargets     string  `db:"upstream_targets"`
	TimeoutS            *int    `db:"timeout_s"`
	OverrideConfig      *string `db:"override_config"`
	RouteOrder          int     `db:"route_order"`
	GeneratedRouteID    *string `db:"generated_route_id"`
	GeneratedClusterIDs string  `db:"generated_cluster_ids"`
}

func (r apiRouteRow) toModel() model.APIRoute {
	var targets []model.UpstreamTarget
	_ = json.Unmarshal([]byte(r.UpstreamTargets), &targets)
	var clusterIDs []string
	_ = json.Unmarshal([]byte(r.GeneratedClusterIDs), &clusterIDs)
	ar := model.APIRoute{
		ID: r.ID, APIDefinitionID: r.APIDefinitionID, MatchType: r.MatchType, MatchValue: r.MatchValue,
		CaseSensitive: r.CaseSensitive, UpstreamTargets: targets, TimeoutSeconds: r.TimeoutS,
		RouteOrder: r.RouteOrder, GeneratedRouteID: r.GeneratedRouteID, GeneratedClusterIDs: clusterIDs,
	}
	if r.Headers != nil {
		_ = json.Unmarshal([]byte(*r.Headers), &ar.Headers)
	}
	if r.RewritePrefix != nil {
		ar.RewritePrefix = *r.RewritePrefix
	}
	if r.RewriteHost != nil {
		ar.RewriteHost = *r.RewriteHost
	}
	if r.OverrideConfig != nil {
		ar.OverrideConfig = []byte(*r.OverrideConfig)
	}
	return ar
}

// APIRouteRepository is the C1 repository for APIRoute children.
type APIRouteRepository struct {
	db *sqlx.DB
}

// Create inserts a new api_route row within tx (materializer writes are
// always transactional, spec.md §4.1).
func (r *APIRouteRepository) Create(ctx context.Context, tx *sqlx.Tx, ar *model.APIRoute) (*model.APIRoute, error) {
	if ar.ID == "" {
		ar.ID = uuid.NewString()
	}
	targets, _ := json.Marshal(ar.UpstreamTargets)
	clusterIDs, _ := json.Marshal(ar.GeneratedClusterIDs)
	var headers, override *string
	if ar.Headers != nil {
		h, _ := json.Marshal(ar.Headers)
		s := string(h)
		headers = &s
	}
	if ar.OverrideConfig != nil {
		s := string(ar.OverrideConfig)
		override = &s
	}
	row := apiRouteRow{
		ID: ar.ID, APIDefinitionID: ar.APIDefinitionID, MatchType: ar.MatchType, MatchValue: ar.MatchValue,
		CaseSensitive: ar.CaseSensitive, Headers: headers, TimeoutS: ar.TimeoutSeconds, OverrideConfig: override,
		UpstreamTargets: string(targets), RouteOrder: ar.RouteOrder,
		GeneratedRouteID: ar.GeneratedRouteID, GeneratedClusterIDs: string(clusterIDs),
	}
	if ar.RewritePrefix != "" {
		row.RewritePrefix = &ar.RewritePrefix
	}
	if ar.RewriteHost != "" {
		row.RewriteHost = &ar.RewriteHost
	}
	_, err := sqlx.NamedExecContext(ctx, tx, `
		INSERT INTO api_routes (id, api_definition_id, match_type, match_value, case_sensitive, headers,
			rewrite_prefix, rewrite_host, upstream_targets, timeout_s, override_config, route_order,
			generated_route_id, generated_cluster_ids)
		VALUES (:id, :api_definition_id, :match_type, :match_value, :case_sensitive, :headers,
			:rewrite_prefix, :rewrite_host, :upstream_targets, :timeout_s, :override_config, :route_order,
			:generated_route_id, :generated_cluster_ids)
	`, row)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting api_route", err)
	}
	return ar, nil
}

// SetGenerated records the native route/cluster ids an api_route compiled to
// (invariant I2).
func (r *APIRouteRepository) SetGenerated(ctx context.Context, tx *sqlx.Tx, id, routeID string, clusterIDs []string) error {
	ids, _ := json.Marshal(clusterIDs)
	_, err := sqlx.NamedExecContext(ctx, tx, `
		UPDATE api_routes SET generated_route_id = :rid, generated_cluster_ids = :cids WHERE id = :id
	`, map[string]any{"rid": routeID, "cids": string(ids), "id": id})
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "setting api_route generated ids", err)
	}
	return nil
}

// ListForDefinition returns all child routes of an api_definition in route_order.
func (r *APIRouteRepository) ListForDefinition(ctx context.Context, definitionID string) ([]model.APIRoute, error) {
	var rows []apiRouteRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM api_routes WHERE api_definition_id = ? ORDER BY route_order
	`), definitionID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing api_routes", err)
	}
	out := make([]model.APIRoute, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// ListAll returns every api_route across every definition, used by the
// materializer's cluster-orphan scan on update/delete (a cluster is only
// safe to drop once no api_route anywhere still names it).
func (r *APIRouteRepository) ListAll(ctx context.Context) ([]model.APIRoute, error) {
	var rows []apiRouteRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM api_routes`); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing all api_routes", err)
	}
	out := make([]model.APIRoute, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Delete removes a single api_route row within tx.
func (r *APIRouteRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM api_routes WHERE id = ?`), id); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting api_route", err)
	}
	return nil
}
