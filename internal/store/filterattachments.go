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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

type filterAttachmentRow struct {
	ID             string    `db:"id"`
	FilterID       string    `db:"filter_id"`
	ParentType     string    `db:"parent_type"`
	ParentID       string    `db:"parent_id"`
	OrderIndex     int       `db:"order_index"`
	OverrideConfig *string   `db:"override_config"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r filterAttachmentRow) toModel() model.FilterAttachment {
	fa := model.FilterAttachment{
		ID: r.ID, FilterID: r.FilterID, ParentType: model.AttachmentParent(r.ParentType),
		ParentID: r.ParentID, OrderIndex: r.OrderIndex, CreatedAt: r.CreatedAt,
	}
	if r.OverrideConfig != nil {
		fa.OverrideConfig = []byte(*r.OverrideConfig)
	}
	return fa
}

// FilterAttachmentRepository is the C1 repository for the polymorphic
// filter-attachment edge (spec.md §3 FilterAttachment).
type FilterAttachmentRepository struct {
	db *sqlx.DB
}

// Create attaches a filter to a route config or listener. order_index ties
// are broken by insertion time (id ordering is not guaranteed; callers
// should rely on OrderIndex + CreatedAt, which ListForParent sorts by). tx
// may be nil for a standalone write; C6 passes its enclosing transaction so
// a newly materialized route/listener's default attachments commit
// atomically with the row they hang off.
func (r *FilterAttachmentRepository) Create(ctx context.Context, tx *sqlx.Tx, fa *model.FilterAttachment) (*model.FilterAttachment, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if fa.ID == "" {
		fa.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	var override *string
	if fa.OverrideConfig != nil {
		s := string(fa.OverrideConfig)
		override = &s
	}
	row := filterAttachmentRow{
		ID: fa.ID, FilterID: fa.FilterID, ParentType: string(fa.ParentType),
		ParentID: fa.ParentID, OrderIndex: fa.OrderIndex, OverrideConfig: override, CreatedAt: now,
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `
		INSERT INTO filter_attachments (id, filter_id, parent_type, parent_id, order_index, override_config, created_at)
		VALUES (:id, :filter_id, :parent_type, :parent_id, :order_index, :override_config, :created_at)
	`, row)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting filter attachment", err)
	}
	out := row.toModel()
	return &out, nil
}

// ListForParent returns a parent's attachments ordered by (order_index, created_at).
func (r *FilterAttachmentRepository) ListForParent(ctx context.Context, parentType model.AttachmentParent, parentID string) ([]model.FilterAttachment, error) {
	var rows []filterAttachmentRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM filter_attachments WHERE parent_type = ? AND parent_id = ?
		ORDER BY order_index, created_at
	`), string(parentType), parentID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing filter attachments", err)
	}
	out := make([]model.FilterAttachment, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Delete removes a single attachment. tx may be nil for a standalone write.
func (r *FilterAttachmentRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	res, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM filter_attachments WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting filter attachment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "filter attachment not found: "+id)
	}
	return nil
}

// DeleteForParent removes every attachment hanging off a parent, used when
// that parent is deleted outside of the FK-cascade path (e.g. a session
// unregistering its taps, C8) or replaced in place during materialization
// (C6). tx may be nil for a standalone write.
func (r *FilterAttachmentRepository) DeleteForParent(ctx context.Context, tx *sqlx.Tx, parentType model.AttachmentParent, parentID string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if _, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM filter_attachments WHERE parent_type = ? AND parent_id = ?`), string(parentType), parentID); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting filter attachments for parent", err)
	}
	return nil
}
