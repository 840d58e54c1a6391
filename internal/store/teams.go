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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type orgRow struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

type teamRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	OrgID       *string `db:"org_id"`
	DisplayName string  `db:"display_name"`
}

func (r teamRow) toModel() model.Team {
	return model.Team{ID: r.ID, Name: r.Name, OrgID: r.OrgID, DisplayName: r.DisplayName}
}

// TeamRepository is the C1 repository for teams/orgs, the tenancy boundary
// that every resource in the store is scoped by (spec.md §2).
type TeamRepository struct {
	db *sqlx.DB
}

// CreateOrg inserts a new organization.
func (r *TeamRepository) CreateOrg(ctx context.Context, o *model.Org) (*model.Org, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, err := r.db.NamedExecContext(ctx, `INSERT INTO orgs (id, name) VALUES (:id, :name)`, orgRow{ID: o.ID, Name: o.Name}); err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "org already exists: "+o.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting org", err)
	}
	return o, nil
}

// Create inserts a new team, optionally attached to an org.
func (r *TeamRepository) Create(ctx context.Context, t *model.Team) (*model.Team, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := teamRow{ID: t.ID, Name: t.Name, OrgID: t.OrgID, DisplayName: t.DisplayName}
	if _, err := r.db.NamedExecContext(ctx, `
		INSERT INTO teams (id, name, org_id, display_name) VALUES (:id, :name, :org_id, :display_name)
	`, row); err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "team already exists: "+t.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting team", err)
	}
	return t, nil
}

// GetByName resolves a team by its unique name, the identifier used
// throughout the xDS team-scoping predicate (spec.md §5).
func (r *TeamRepository) GetByName(ctx context.Context, name string) (*model.Team, error) {
	var row teamRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM teams WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "team not found: "+name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching team", err)
	}
	out := row.toModel()
	return &out, nil
}

// ListAll returns every registered team, used when resolving the "admin:all"
// scope bypass rule.
func (r *TeamRepository) ListAll(ctx context.Context) ([]model.Team, error) {
	var rows []teamRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM teams ORDER BY name`); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing teams", err)
	}
	out := make([]model.Team, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// ListByOrg returns teams belonging to a single org.
func (r *TeamRepository) ListByOrg(ctx context.Context, orgID string) ([]model.Team, error) {
	var rows []teamRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM teams WHERE org_id = ? ORDER BY name`, orgID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing teams by org", err)
	}
	out := make([]model.Team, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Delete removes a team. Teams are referenced by name (not FK) from every
// resource table, so callers must ensure no resources remain before calling
// this, or accept that those resources become effectively unreachable by
// any future team-scoped listing.
func (r *TeamRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting team", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "team not found: "+id)
	}
	return nil
}
