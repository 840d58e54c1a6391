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

type importMetadataRow struct {
	ID           string    `db:"id"`
	SpecName     string    `db:"spec_name"`
	SpecVersion  string    `db:"spec_version"`
	SpecChecksum string    `db:"spec_checksum"`
	Team         string    `db:"team"`
	ImportedAt   time.Time `db:"imported_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r importMetadataRow) toModel() model.ImportMetadata {
	return model.ImportMetadata{
		ID: r.ID, SpecName: r.SpecName, SpecVersion: r.SpecVersion, SpecChecksum: r.SpecChecksum,
		Team: r.Team, ImportedAt: r.ImportedAt, UpdatedAt: r.UpdatedAt,
	}
}

// ImportMetadataRepository is the C1 repository for OpenAPI import records (C9).
type ImportMetadataRepository struct {
	db *sqlx.DB
}

// Create inserts a new import record.
func (r *ImportMetadataRepository) Create(ctx context.Context, m *model.ImportMetadata) (*model.ImportMetadata, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := importMetadataRow{
		ID: m.ID, SpecName: m.SpecName, SpecVersion: m.SpecVersion, SpecChecksum: m.SpecChecksum,
		Team: m.Team, ImportedAt: now, UpdatedAt: now,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO import_metadata (id, spec_name, spec_version, spec_checksum, team, imported_at, updated_at)
		VALUES (:id, :spec_name, :spec_version, :spec_checksum, :team, :imported_at, :updated_at)
	`, row)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting import_metadata", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByID fetches an import record by id.
func (r *ImportMetadataRepository) GetByID(ctx context.Context, id string) (*model.ImportMetadata, error) {
	var row importMetadataRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM import_metadata WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "import not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching import_metadata", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetBySpecName finds a prior import of the same spec for a team, used by
// the ingester to decide whether this is a fresh import or a re-import.
func (r *ImportMetadataRepository) GetBySpecName(ctx context.Context, team, specName string) (*model.ImportMetadata, error) {
	var row importMetadataRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM import_metadata WHERE team = ? AND spec_name = ?
	`), team, specName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "import not found: "+specName)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching import_metadata", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update bumps spec_version/spec_checksum/updated_at on a re-import.
func (r *ImportMetadataRepository) Update(ctx context.Context, m *model.ImportMetadata) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE import_metadata SET spec_version = ?, spec_checksum = ?, updated_at = ? WHERE id = ?
	`), m.SpecVersion, m.SpecChecksum, now, m.ID)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "updating import_metadata", err)
	}
	return nil
}

// Delete removes an import record; caller must first decrement/cleanup
// cluster_references (C9 "import deletion decrements refcounts").
func (r *ImportMetadataRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM import_metadata WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting import_metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "import not found: "+id)
	}
	return nil
}
