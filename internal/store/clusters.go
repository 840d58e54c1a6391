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
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type clusterRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Team          string    `db:"team"`
	ServiceName   string    `db:"service_name"`
	Configuration string    `db:"configuration"`
	Endpoint      string    `db:"endpoint"`
	Version       int       `db:"version"`
	Source        string    `db:"source"`
	ImportID      *string   `db:"import_id"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r clusterRow) toModel() model.Cluster {
	return model.Cluster{
		ID:            r.ID,
		Name:          r.Name,
		Team:          r.Team,
		ServiceName:   r.ServiceName,
		Configuration: []byte(r.Configuration),
		Version:       r.Version,
		Source:        model.Source(r.Source),
		ImportID:      r.ImportID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// ClusterRepository is the C1 repository for Cluster rows.
type ClusterRepository struct {
	db *sqlx.DB
}

// Create inserts a new cluster. Fails with AlreadyExists on a unique-name
// violation (invariant I4: cluster names are globally unique). tx may be
// nil for a standalone write; the materializer (C6) and ingester (C9) pass
// their enclosing transaction so a cluster insert and its sibling
// route/listener/reference writes commit or roll back together.
func (r *ClusterRepository) Create(ctx context.Context, tx *sqlx.Tx, c *model.Cluster) (*model.Cluster, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	var cfg model.ClusterConfig
	_ = json.Unmarshal(c.Configuration, &cfg) // best-effort: endpoint column is a lookup index, not the source of truth
	row := clusterRow{
		ID: c.ID, Name: c.Name, Team: c.Team, ServiceName: c.ServiceName,
		Configuration: string(c.Configuration), Endpoint: cfg.Endpoint, Version: 1,
		Source: string(c.Source), ImportID: c.ImportID,
		CreatedAt: now, UpdatedAt: now,
	}
	if row.Source == "" {
		row.Source = string(model.SourceNative)
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `
		INSERT INTO clusters (id, name, team, service_name, configuration, endpoint, version, source, import_id, created_at, updated_at)
		VALUES (:id, :name, :team, :service_name, :configuration, :endpoint, :version, :source, :import_id, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "cluster name already exists: "+c.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting cluster", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByID fetches a cluster by id.
func (r *ClusterRepository) GetByID(ctx context.Context, id string) (*model.Cluster, error) {
	var row clusterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM clusters WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "cluster not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching cluster", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByName resolves a cluster by its globally unique name.
func (r *ClusterRepository) GetByName(ctx context.Context, name string) (*model.Cluster, error) {
	var row clusterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM clusters WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "cluster not found: "+name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching cluster by name", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update persists new Configuration/ServiceName and bumps Version by 1.
func (r *ClusterRepository) Update(ctx context.Context, tx *sqlx.Tx, c *model.Cluster) (*model.Cluster, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	now := time.Now().UTC()
	var cfg model.ClusterConfig
	_ = json.Unmarshal(c.Configuration, &cfg)
	res, err := exec.ExecContext(ctx, r.db.Rebind(`
		UPDATE clusters SET service_name = ?, configuration = ?, endpoint = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`), c.ServiceName, string(c.Configuration), cfg.Endpoint, now, c.ID)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "updating cluster", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, flowerrors.New(flowerrors.NotFound, "cluster not found: "+c.ID)
	}
	return r.GetByID(ctx, c.ID)
}

// Delete removes a cluster row outright. Callers that need refcount
// semantics should go through ClusterReferenceRepository first (invariant
// I3/I4): this method is for native, unreferenced deletes.
func (r *ClusterRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	res, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM clusters WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting cluster", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "cluster not found: "+id)
	}
	return nil
}

// ListByTeam lists clusters visible to the given team set. An empty Teams
// slice in opts means no team filter (admin bypass, spec.md §9).
func (r *ClusterRepository) ListByTeam(ctx context.Context, opts ListOptions) ([]model.Cluster, error) {
	var rows []clusterRow
	query := `SELECT * FROM clusters`
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
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing clusters", err)
	}
	out := make([]model.Cluster, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// FindByTeamAndEndpoint resolves the cluster (if any) already representing
// (team, endpoint), the materializer's dedupe key for upstream targets
// shared across api_routes (spec.md §4.6 step 3 "upsert cluster (dedupe on
// (team, endpoint))"). tx may be nil; the materializer passes its enclosing
// transaction so a dedupe lookup sees clusters this same transaction has
// already inserted for an earlier route in the same request.
func (r *ClusterRepository) FindByTeamAndEndpoint(ctx context.Context, tx *sqlx.Tx, team, endpoint string) (*model.Cluster, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	var row clusterRow
	if err := sqlx.GetContext(ctx, exec, &row, r.db.Rebind(`
		SELECT * FROM clusters WHERE team = ? AND endpoint = ? LIMIT 1
	`), team, endpoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "cluster not found for team/endpoint")
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching cluster by team/endpoint", err)
	}
	out := row.toModel()
	return &out, nil
}

// ListAll returns every cluster, used by C4's full-reconcile refresh.
func (r *ClusterRepository) ListAll(ctx context.Context) ([]model.Cluster, error) {
	return r.ListByTeam(ctx, ListOptions{Limit: 1 << 30})
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "unique constraint")
}
