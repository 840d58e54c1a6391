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

	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type clusterReferenceRow struct {
	ClusterID string `db:"cluster_id"`
	ImportID  string `db:"import_id"`
	Refcount  int    `db:"refcount"`
}

func (r clusterReferenceRow) toModel() model.ClusterReference {
	return model.ClusterReference{ClusterID: r.ClusterID, ImportID: r.ImportID, Refcount: r.Refcount}
}

// ClusterReferenceRepository is the C1 repository tracking how many
// api_routes within a given OpenAPI import share a cluster (invariant I4:
// clusters shared across routes within one import are deduplicated and
// refcounted rather than duplicated).
type ClusterReferenceRepository struct {
	db *sqlx.DB
}

// Increment upserts a (cluster_id, import_id) pair, creating it at refcount=1
// or bumping an existing row's refcount by one, within the caller's
// transaction tx.
func (r *ClusterReferenceRepository) Increment(ctx context.Context, tx *sqlx.Tx, clusterID, importID string) error {
	var row clusterReferenceRow
	err := tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT * FROM cluster_references WHERE cluster_id = ? AND import_id = ?
	`), clusterID, importID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO cluster_references (cluster_id, import_id, refcount) VALUES (?, ?, 1)
		`), clusterID, importID)
		if err != nil {
			return flowerrors.Wrap(flowerrors.Internal, "inserting cluster reference", err)
		}
		return nil
	case err != nil:
		return flowerrors.Wrap(flowerrors.Internal, "fetching cluster reference", err)
	default:
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE cluster_references SET refcount = refcount + 1 WHERE cluster_id = ? AND import_id = ?
		`), clusterID, importID)
		if err != nil {
			return flowerrors.Wrap(flowerrors.Internal, "incrementing cluster reference", err)
		}
		return nil
	}
}

// Decrement lowers a reference's refcount by one, deleting the row once it
// reaches zero. Returns true if the row was deleted (i.e. the cluster is no
// longer referenced by this import and becomes a deletion candidate if no
// other import references it either).
func (r *ClusterReferenceRepository) Decrement(ctx context.Context, tx *sqlx.Tx, clusterID, importID string) (deleted bool, err error) {
	var row clusterReferenceRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT * FROM cluster_references WHERE cluster_id = ? AND import_id = ?
	`), clusterID, importID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, flowerrors.Wrap(flowerrors.Internal, "fetching cluster reference", err)
	}
	if row.Refcount <= 1 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM cluster_references WHERE cluster_id = ? AND import_id = ?
		`), clusterID, importID); err != nil {
			return false, flowerrors.Wrap(flowerrors.Internal, "deleting cluster reference", err)
		}
		return true, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE cluster_references SET refcount = refcount - 1 WHERE cluster_id = ? AND import_id = ?
	`), clusterID, importID); err != nil {
		return false, flowerrors.Wrap(flowerrors.Internal, "decrementing cluster reference", err)
	}
	return false, nil
}

// CountReferences returns how many distinct imports still reference a
// cluster. A cluster with zero total references across all imports (and no
// native ownership) is orphaned and safe to delete.
func (r *ClusterReferenceRepository) CountReferences(ctx context.Context, clusterID string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM cluster_references WHERE cluster_id = ?
	`), clusterID); err != nil {
		return 0, flowerrors.Wrap(flowerrors.Internal, "counting cluster references", err)
	}
	return n, nil
}

// DeleteForImport removes every reference row belonging to an import in one
// statement, used when a re-import replaces the prior version's cluster set
// wholesale rather than diffing it row by row.
func (r *ClusterReferenceRepository) DeleteForImport(ctx context.Context, tx *sqlx.Tx, importID string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cluster_references WHERE import_id = ?`), importID); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "clearing cluster references for import", err)
	}
	return nil
}

// ListForImport returns every reference row belonging to an import.
func (r *ClusterReferenceRepository) ListForImport(ctx context.Context, importID string) ([]model.ClusterReference, error) {
	var rows []clusterReferenceRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM cluster_references WHERE import_id = ?
	`), importID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing cluster references", err)
	}
	out := make([]model.ClusterReference, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
