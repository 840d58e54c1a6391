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

type inferredSchemaRow struct {
	ID              string    `db:"id"`
	SessionID       string    `db:"session_id"`
	Method          string    `db:"method"`
	PathPattern     string    `db:"path_pattern"`
	RequestSchema   string    `db:"request_schema"`
	ResponseSchema  string    `db:"response_schema"`
	SampleCount     int       `db:"sample_count"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r inferredSchemaRow) toModel() model.InferredSchema {
	return model.InferredSchema{
		ID: r.ID, SessionID: r.SessionID, Method: r.Method, PathPattern: r.PathPattern,
		RequestSchema: []byte(r.RequestSchema), ResponseSchema: []byte(r.ResponseSchema),
		SampleCount: r.SampleCount, CreatedAt: r.CreatedAt,
	}
}

// InferredSchemaRepository is the C1 repository for the JSON Schemas the
// C8 learning subsystem infers per (method, path_pattern) from captured
// request/response bodies.
type InferredSchemaRepository struct {
	db *sqlx.DB
}

// Create inserts a newly inferred schema.
func (r *InferredSchemaRepository) Create(ctx context.Context, s *model.InferredSchema) (*model.InferredSchema, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := inferredSchemaRow{
		ID: s.ID, SessionID: s.SessionID, Method: s.Method, PathPattern: s.PathPattern,
		RequestSchema: string(s.RequestSchema), ResponseSchema: string(s.ResponseSchema),
		SampleCount: s.SampleCount, CreatedAt: now,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO inferred_schemas (id, session_id, method, path_pattern, request_schema, response_schema, sample_count, created_at)
		VALUES (:id, :session_id, :method, :path_pattern, :request_schema, :response_schema, :sample_count, :created_at)
	`, row)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting inferred schema", err)
	}
	s.CreatedAt = now
	return s, nil
}

// GetBySessionAndOperation finds the accumulating schema row for a
// (session, method, path_pattern) triple, so the inference merge step can
// widen it in place rather than insert duplicates.
func (r *InferredSchemaRepository) GetBySessionAndOperation(ctx context.Context, sessionID, method, pathPattern string) (*model.InferredSchema, error) {
	var row inferredSchemaRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM inferred_schemas WHERE session_id = ? AND method = ? AND path_pattern = ?
	`), sessionID, method, pathPattern); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "inferred schema not found")
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching inferred schema", err)
	}
	out := row.toModel()
	return &out, nil
}

// GetLatestForOperation finds the most recently created schema for a
// (method, path_pattern) pair across every session, the baseline C8's
// diff step compares a freshly completed session's inference against.
func (r *InferredSchemaRepository) GetLatestForOperation(ctx context.Context, method, pathPattern string) (*model.InferredSchema, error) {
	var row inferredSchemaRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM inferred_schemas WHERE method = ? AND path_pattern = ? ORDER BY created_at DESC LIMIT 1
	`), method, pathPattern); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "no prior inferred schema for "+method+" "+pathPattern)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching latest inferred schema", err)
	}
	out := row.toModel()
	return &out, nil
}

// Update persists a widened schema plus its bumped sample_count.
func (r *InferredSchemaRepository) Update(ctx context.Context, s *model.InferredSchema) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE inferred_schemas SET request_schema = ?, response_schema = ?, sample_count = ? WHERE id = ?
	`, string(s.RequestSchema), string(s.ResponseSchema), s.SampleCount, s.ID)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "updating inferred schema", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "inferred schema not found: "+s.ID)
	}
	return nil
}

// ListForSession returns every inferred schema produced by a session, the
// set surfaced to the user when a learning session completes.
func (r *InferredSchemaRepository) ListForSession(ctx context.Context, sessionID string) ([]model.InferredSchema, error) {
	var rows []inferredSchemaRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM inferred_schemas WHERE session_id = ? ORDER BY method, path_pattern
	`), sessionID); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing inferred schemas", err)
	}
	out := make([]model.InferredSchema, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
