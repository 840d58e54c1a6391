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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type filterRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Team        string    `db:"team"`
	FilterType  string    `db:"filter_type"`
	Config      string    `db:"config"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r filterRow) toModel() model.Filter {
	return model.Filter{
		ID: r.ID, Name: r.Name, Team: r.Team, FilterType: r.FilterType,
		Config: []byte(r.Config), Description: r.Description,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FilterRepository is the C1 repository for reusable Filter templates.
// Filter names are unique within a team, not globally (spec.md §3).
type FilterRepository struct {
	db *sqlx.DB
}

// Create inserts a new filter template.
func (r *FilterRepository) Create(ctx context.Context, f *model.Filter) (*model.Filter, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := filterRow{
		ID: f.ID, Name: f.Name, Team: f.Team, FilterType: f.FilterType,
		Config: string(f.Config), Description: f.Description, CreatedAt: now, UpdatedAt: now,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO filters (id, name, team, filter_type, config, description, created_at, updated_at)
		VALUES (:id, :name, :team, :filter_type, :config, :description, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "filter name already exists for team: "+f.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting filter", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByID fetches a filter by id.
func (r *FilterRepository) GetByID(ctx context.Context, id string) (*model.Filter, error) {
	var row filterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM filters WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "filter not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching filter", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByName resolves a filter by (team, name).
func (r *FilterRepository) GetByName(ctx context.Context, team, name string) (*model.Filter, error) {
	var row filterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM filters WHERE team = ? AND name = ?`, team, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "filter not found: "+name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching filter by name", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update persists new Config/Description.
func (r *FilterRepository) Update(ctx context.Context, f *model.Filter) (*model.Filter, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE filters SET config = ?, description = ?, updated_at = ? WHERE id = ?
	`, string(f.Config), f.Description, now, f.ID)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "updating filter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, flowerrors.New(flowerrors.NotFound, "filter not found: "+f.ID)
	}
	return r.GetByID(ctx, f.ID)
}

// Delete removes a filter template and every attachment that referenced it
// (ON DELETE CASCADE on filter_attachments.filter_id).
func (r *FilterRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting filter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "filter not found: "+id)
	}
	return nil
}

// ListByTeam lists filter templates owned by team.
func (r *FilterRepository) ListByTeam(ctx context.Context, team string, opts ListOptions) ([]model.Filter, error) {
	var rows []filterRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM filters WHERE team = ? ORDER BY name LIMIT ? OFFSET ?
	`), team, opts.limit(), opts.Offset); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing filters", err)
	}
	out := make([]model.Filter, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
