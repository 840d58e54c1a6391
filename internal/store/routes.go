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
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type routeRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	PathPrefix    string    `db:"path_prefix"`
	ClusterName   string    `db:"cluster_name"`
	Configuration string    `db:"configuration"`
	Team          string    `db:"team"`
	ImportID      *string   `db:"import_id"`
	RouteOrder    int       `db:"route_order"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r routeRow) toModel() model.Route {
	return model.Route{
		ID: r.ID, Name: r.Name, PathPrefix: r.PathPrefix, ClusterName: r.ClusterName,
		Configuration: []byte(r.Configuration), Team: r.Team, ImportID: r.ImportID,
		RouteOrder: r.RouteOrder, Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// RouteRepository is the C1 repository for Route (route-config) rows.
type RouteRepository struct {
	db *sqlx.DB
}

// Create inserts a new route config, failing AlreadyExists on a duplicate
// name. tx may be nil for a standalone write; C6/C9 pass their enclosing
// transaction.
func (r *RouteRepository) Create(ctx context.Context, tx *sqlx.Tx, route *model.Route) (*model.Route, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := routeRow{
		ID: route.ID, Name: route.Name, PathPrefix: route.PathPrefix, ClusterName: route.ClusterName,
		Configuration: string(route.Configuration), Team: route.Team, ImportID: route.ImportID,
		RouteOrder: route.RouteOrder, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `
		INSERT INTO routes (id, name, path_prefix, cluster_name, configuration, team, import_id, route_order, version, created_at, updated_at)
		VALUES (:id, :name, :path_prefix, :cluster_name, :configuration, :team, :import_id, :route_order, :version, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "route name already exists: "+route.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting route", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByID fetches a route config by id.
func (r *RouteRepository) GetByID(ctx context.Context, id string) (*model.Route, error) {
	var row routeRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM routes WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "route not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching route", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByName resolves a route config by its unique name.
func (r *RouteRepository) GetByName(ctx context.Context, name string) (*model.Route, error) {
	var row routeRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM routes WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "route not found: "+name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching route by name", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update persists new Configuration and bumps Version by 1.
func (r *RouteRepository) Update(ctx context.Context, tx *sqlx.Tx, route *model.Route) (*model.Route, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	now := time.Now().UTC()
	res, err := exec.ExecContext(ctx, r.db.Rebind(`
		UPDATE routes SET configuration = ?, cluster_name = ?, route_order = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`), string(route.Configuration), route.ClusterName, route.RouteOrder, now, route.ID)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "updating route", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, flowerrors.New(flowerrors.NotFound, "route not found: "+route.ID)
	}
	return r.GetByID(ctx, route.ID)
}

// Delete removes a route config and its filter attachments (cascade, §4.1).
func (r *RouteRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if _, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM filter_attachments WHERE parent_type = 'route_config' AND parent_id = ?`), id); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting route filter attachments", err)
	}
	res, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM routes WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting route", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "route not found: "+id)
	}
	return nil
}

// ListByTeam lists route configs visible to the given team set.
func (r *RouteRepository) ListByTeam(ctx context.Context, opts ListOptions) ([]model.Route, error) {
	var rows []routeRow
	query := `SELECT * FROM routes`
	args := []any{}
	if len(opts.Teams) > 0 {
		placeholders := make([]string, len(opts.Teams))
		for i, t := range opts.Teams {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` WHERE team IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`
	args = append(args, opts.limit(), opts.Offset)
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing routes", err)
	}
	out := make([]model.Route, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// ListAll returns every route config, used by C4's full-reconcile refresh.
func (r *RouteRepository) ListAll(ctx context.Context) ([]model.Route, error) {
	return r.ListByTeam(ctx, ListOptions{Limit: 1 << 30})
}

// ListByImport lists every route produced by a given import, used by the
// OpenAPI ingester (C9) to recompute what an import owns before a re-import.
func (r *RouteRepository) ListByImport(ctx context.Context, importID string) ([]model.Route, error) {
	var rows []routeRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM routes WHERE import_id = ?`, importID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing routes by import", err)
	}
	out := make([]model.Route, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
