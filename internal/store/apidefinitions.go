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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type apiDefinitionRow struct {
	ID                  string    `db:"id"`
	Team                string    `db:"team"`
	Domain              string    `db:"domain"`
	ListenerIsolation   bool      `db:"listener_isolation"`
	TargetListeners     string    `db:"target_listeners"`
	GeneratedListenerID *string   `db:"generated_listener_id"`
	TLSConfig           *string   `db:"tls_config"`
	ImportID            *string   `db:"import_id"`
	Version             int       `db:"version"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r apiDefinitionRow) toModel() model.APIDefinition {
	var targets []string
	_ = json.Unmarshal([]byte(r.TargetListeners), &targets)
	d := model.APIDefinition{
		ID: r.ID, Team: r.Team, Domain: r.Domain, ListenerIsolation: r.ListenerIsolation,
		TargetListeners: targets, GeneratedListenerID: r.GeneratedListenerID, ImportID: r.ImportID,
		Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.TLSConfig != nil {
		d.TLSConfig = []byte(*r.TLSConfig)
	}
	return d
}

// APIDefinitionRepository is the C1 repository backing the Platform API
// materializer (C6).
type APIDefinitionRepository struct {
	db *sqlx.DB
}

// Create inserts a new api_definition row at version=1 (spec.md §4.6 step 2).
func (r *APIDefinitionRepository) Create(ctx context.Context, tx *sqlx.Tx, d *model.APIDefinition) (*model.APIDefinition, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	targets, _ := json.Marshal(d.TargetListeners)
	var tlsConfig *string
	if d.TLSConfig != nil {
		s := string(d.TLSConfig)
		tlsConfig = &s
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `
		INSERT INTO api_definitions (id, team, domain, listener_isolation, target_listeners, generated_listener_id, tls_config, import_id, version, created_at, updated_at)
		VALUES (:id, :team, :domain, :listener_isolation, :target_listeners, :generated_listener_id, :tls_config, :import_id, 1, :created_at, :updated_at)
	`, apiDefinitionRow{
		ID: d.ID, Team: d.Team, Domain: d.Domain, ListenerIsolation: d.ListenerIsolation,
		TargetListeners: string(targets), GeneratedListenerID: d.GeneratedListenerID,
		TLSConfig: tlsConfig, ImportID: d.ImportID, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting api_definition", err)
	}
	d.Version = 1
	d.CreatedAt, d.UpdatedAt = now, now
	return d, nil
}

// GetByID fetches an api_definition by id.
func (r *APIDefinitionRepository) GetByID(ctx context.Context, id string) (*model.APIDefinition, error) {
	var row apiDefinitionRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM api_definitions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "api definition not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching api_definition", err)
	}
	out := row.toModel()
	return &out, nil
}

// FindByImportID finds the api_definition an OpenAPI import (C9) previously
// materialized, used to decide between a fresh Create and a re-import Update.
func (r *APIDefinitionRepository) FindByImportID(ctx context.Context, importID string) (*model.APIDefinition, error) {
	var row apiDefinitionRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM api_definitions WHERE import_id = ?`), importID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "no api_definition for import: "+importID)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching api_definition by import", err)
	}
	out := row.toModel()
	return &out, nil
}

// SetGeneratedListener records the listener created for an isolated definition.
func (r *APIDefinitionRepository) SetGeneratedListener(ctx context.Context, tx *sqlx.Tx, id, listenerID string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `UPDATE api_definitions SET generated_listener_id = :lid WHERE id = :id`,
		map[string]any{"lid": listenerID, "id": id})
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "setting generated listener", err)
	}
	return nil
}

// ClearGeneratedListener nulls generated_listener_id, used when an Update
// moves a definition out of listener_isolation mode.
func (r *APIDefinitionRepository) ClearGeneratedListener(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `UPDATE api_definitions SET generated_listener_id = NULL WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "clearing generated listener", err)
	}
	return nil
}

// BumpVersion increments api_definitions.version by 1, used on every
// materializer mutation (spec.md §4.6 update algorithm).
func (r *APIDefinitionRepository) BumpVersion(ctx context.Context, tx *sqlx.Tx, id string) (int, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	now := time.Now().UTC()
	_, err := sqlx.NamedExecContext(ctx, exec, `UPDATE api_definitions SET version = version + 1, updated_at = :now WHERE id = :id`,
		map[string]any{"now": now, "id": id})
	if err != nil {
		return 0, flowerrors.Wrap(flowerrors.Internal, "bumping api_definition version", err)
	}
	d, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return d.Version, nil
}

// Delete removes an api_definition row. Caller is responsible for deleting
// (or detaching) owned children first per invariant I3.
func (r *APIDefinitionRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	res, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM api_definitions WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting api_definition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "api definition not found: "+id)
	}
	return nil
}

// ListByTeam lists api_definitions for collision detection and enumeration.
func (r *APIDefinitionRepository) ListByTeam(ctx context.Context, opts ListOptions) ([]model.APIDefinition, error) {
	var rows []apiDefinitionRow
	query := `SELECT * FROM api_definitions`
	args := []any{}
	if len(opts.Teams) > 0 {
		query += ` WHERE team IN (?)`
		q, qargs, err := sqlx.In(query, opts.Teams)
		if err != nil {
			return nil, flowerrors.Wrap(flowerrors.Internal, "building team filter", err)
		}
		query, args = q, qargs
	}
	query += ` ORDER BY domain LIMIT ? OFFSET ?`
	args = append(args, opts.limit(), opts.Offset)
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing api_definitions", err)
	}
	out := make([]model.APIDefinition, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// ListAll returns every api_definition, used by collision detection which
// must inspect definitions regardless of caller team (spec.md §4.6).
func (r *APIDefinitionRepository) ListAll(ctx context.Context) ([]model.APIDefinition, error) {
	return r.ListByTeam(ctx, ListOptions{Limit: 1 << 30})
}
