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

type listenerRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Address       string    `db:"address"`
	Port          int       `db:"port"`
	Protocol      string    `db:"protocol"`
	Configuration string    `db:"configuration"`
	Team          string    `db:"team"`
	ImportID      *string   `db:"import_id"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r listenerRow) toModel() model.Listener {
	return model.Listener{
		ID: r.ID, Name: r.Name, Address: r.Address, Port: r.Port, Protocol: r.Protocol,
		Configuration: []byte(r.Configuration), Team: r.Team, ImportID: r.ImportID,
		Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// ListenerRepository is the C1 repository for Listener rows.
type ListenerRepository struct {
	db *sqlx.DB
}

// Create inserts a new listener, failing AlreadyExists on a duplicate name.
// tx may be nil for a standalone write; C6/C9 pass their enclosing
// transaction so the default gateway listener's in-place virtual-host merge
// commits atomically with its sibling route/cluster writes.
func (r *ListenerRepository) Create(ctx context.Context, tx *sqlx.Tx, l *model.Listener) (*model.Listener, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := listenerRow{
		ID: l.ID, Name: l.Name, Address: l.Address, Port: l.Port, Protocol: l.Protocol,
		Configuration: string(l.Configuration), Team: l.Team, ImportID: l.ImportID,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := sqlx.NamedExecContext(ctx, exec, `
		INSERT INTO listeners (id, name, address, port, protocol, configuration, team, import_id, version, created_at, updated_at)
		VALUES (:id, :name, :address, :port, :protocol, :configuration, :team, :import_id, :version, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flowerrors.New(flowerrors.AlreadyExists, "listener name already exists: "+l.Name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting listener", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByID fetches a listener by id.
func (r *ListenerRepository) GetByID(ctx context.Context, id string) (*model.Listener, error) {
	var row listenerRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM listeners WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "listener not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching listener", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetByName resolves a listener by its unique name.
func (r *ListenerRepository) GetByName(ctx context.Context, name string) (*model.Listener, error) {
	var row listenerRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM listeners WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "listener not found: "+name)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching listener by name", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update persists new Configuration and bumps Version by 1.
func (r *ListenerRepository) Update(ctx context.Context, tx *sqlx.Tx, l *model.Listener) (*model.Listener, error) {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	now := time.Now().UTC()
	res, err := exec.ExecContext(ctx, r.db.Rebind(`
		UPDATE listeners SET configuration = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`), string(l.Configuration), now, l.ID)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "updating listener", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, flowerrors.New(flowerrors.NotFound, "listener not found: "+l.ID)
	}
	return r.GetByID(ctx, l.ID)
}

// Delete removes a listener and its filter attachments (cascade, §4.1).
// Invariant I8: the default gateway listener is undeletable.
func (r *ListenerRepository) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	exec := sqlx.ExtContext(r.db)
	if tx != nil {
		exec = tx
	}
	l, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if l.Name == model.DefaultGatewayListenerName {
		return flowerrors.New(flowerrors.Conflict, "the default gateway listener cannot be deleted")
	}
	if _, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM filter_attachments WHERE parent_type = 'listener' AND parent_id = ?`), id); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting listener filter attachments", err)
	}
	res, err := exec.ExecContext(ctx, r.db.Rebind(`DELETE FROM listeners WHERE id = ?`), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "deleting listener", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "listener not found: "+id)
	}
	return nil
}

// ListByTeam lists listeners visible to the given team set.
func (r *ListenerRepository) ListByTeam(ctx context.Context, opts ListOptions) ([]model.Listener, error) {
	var rows []listenerRow
	query := `SELECT * FROM listeners`
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
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing listeners", err)
	}
	out := make([]model.Listener, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// ListAll returns every listener, used by C4's full-reconcile refresh.
func (r *ListenerRepository) ListAll(ctx context.Context) ([]model.Listener, error) {
	return r.ListByTeam(ctx, ListOptions{Limit: 1 << 30})
}
