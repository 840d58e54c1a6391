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

type learningSessionRow struct {
	ID                 string     `db:"id"`
	Team               string     `db:"team"`
	RoutePattern       string     `db:"route_pattern"`
	HTTPMethods        string     `db:"http_methods"`
	Status             string     `db:"status"`
	TargetSampleCount  int        `db:"target_sample_count"`
	CurrentSampleCount int        `db:"current_sample_count"`
	StartedAt          *time.Time `db:"started_at"`
	EndsAt             *time.Time `db:"ends_at"`
	CompletedAt        *time.Time `db:"completed_at"`
	ErrorMessage       *string    `db:"error_message"`
}

func (r learningSessionRow) toModel() model.LearningSession {
	var methods []string
	_ = json.Unmarshal([]byte(r.HTTPMethods), &methods)
	s := model.LearningSession{
		ID: r.ID, Team: r.Team, RoutePattern: r.RoutePattern, HTTPMethods: methods,
		Status: model.LearningSessionStatus(r.Status), TargetSampleCount: r.TargetSampleCount,
		CurrentSampleCount: r.CurrentSampleCount, StartedAt: r.StartedAt, EndsAt: r.EndsAt,
		CompletedAt: r.CompletedAt,
	}
	if r.ErrorMessage != nil {
		s.ErrorMessage = *r.ErrorMessage
	}
	return s
}

// LearningSessionRepository is the C1 repository for the C8 learning
// subsystem's session state machine
// (pending -> active -> completing -> completed|failed).
type LearningSessionRepository struct {
	db *sqlx.DB
}

// Create inserts a new session in the pending state.
func (r *LearningSessionRepository) Create(ctx context.Context, s *model.LearningSession) (*model.LearningSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.SessionPending
	}
	methods, _ := json.Marshal(s.HTTPMethods)
	row := learningSessionRow{
		ID: s.ID, Team: s.Team, RoutePattern: s.RoutePattern, HTTPMethods: string(methods),
		Status: string(s.Status), TargetSampleCount: s.TargetSampleCount,
		CurrentSampleCount: s.CurrentSampleCount, StartedAt: s.StartedAt, EndsAt: s.EndsAt,
		ErrorMessage: &s.ErrorMessage,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO learning_sessions (id, team, route_pattern, http_methods, status, target_sample_count,
			current_sample_count, started_at, ends_at, completed_at, error_message)
		VALUES (:id, :team, :route_pattern, :http_methods, :status, :target_sample_count,
			:current_sample_count, :started_at, :ends_at, :completed_at, :error_message)
	`, row)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "inserting learning session", err)
	}
	return s, nil
}

// GetByID fetches a session by id.
func (r *LearningSessionRepository) GetByID(ctx context.Context, id string) (*model.LearningSession, error) {
	var row learningSessionRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM learning_sessions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flowerrors.New(flowerrors.NotFound, "learning session not found: "+id)
		}
		return nil, flowerrors.Wrap(flowerrors.Internal, "fetching learning session", err)
	}
	out := row.toModel()
	return &out, nil
}

// ListActive returns sessions in pending or active state, the set the
// correlator needs to route captured samples to.
func (r *LearningSessionRepository) ListActive(ctx context.Context) ([]model.LearningSession, error) {
	var rows []learningSessionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM learning_sessions WHERE status IN (?, ?) ORDER BY started_at
	`), string(model.SessionPending), string(model.SessionActive)); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing active learning sessions", err)
	}
	out := make([]model.LearningSession, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// TransitionStatus moves a session to a new status, required to be a valid
// forward transition in the state machine (pending->active->completing->
// completed|failed); the caller (the session supervisor in C8) is
// responsible for enforcing that ordering, this method just persists it.
func (r *LearningSessionRepository) TransitionStatus(ctx context.Context, id string, status model.LearningSessionStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE learning_sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "transitioning learning session status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "learning session not found: "+id)
	}
	return nil
}

// Activate moves a session from pending to active and stamps started_at.
func (r *LearningSessionRepository) Activate(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE learning_sessions SET status = ?, started_at = ? WHERE id = ?`,
		string(model.SessionActive), startedAt, id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "activating learning session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowerrors.New(flowerrors.NotFound, "learning session not found: "+id)
	}
	return nil
}

// IncrementSampleCount bumps current_sample_count by delta, returning the
// new total so the caller can compare it against target_sample_count and
// decide whether to begin the completing transition.
func (r *LearningSessionRepository) IncrementSampleCount(ctx context.Context, id string, delta int) (int, error) {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE learning_sessions SET current_sample_count = current_sample_count + ? WHERE id = ?
	`, delta, id); err != nil {
		return 0, flowerrors.Wrap(flowerrors.Internal, "incrementing sample count", err)
	}
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.CurrentSampleCount, nil
}

// Complete marks a session completed at the given time.
func (r *LearningSessionRepository) Complete(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE learning_sessions SET status = ?, completed_at = ? WHERE id = ?
	`, string(model.SessionCompleted), at, id); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "completing learning session", err)
	}
	return nil
}

// Fail marks a session failed with a reason, used by the fail-open path
// when access-log/ext-proc ingestion errors out mid-session.
func (r *LearningSessionRepository) Fail(ctx context.Context, id, reason string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE learning_sessions SET status = ?, error_message = ? WHERE id = ?
	`, string(model.SessionFailed), reason, id); err != nil {
		return flowerrors.Wrap(flowerrors.Internal, "failing learning session", err)
	}
	return nil
}

// ListByTeam lists sessions for a team, newest first.
func (r *LearningSessionRepository) ListByTeam(ctx context.Context, team string, opts ListOptions) ([]model.LearningSession, error) {
	var rows []learningSessionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM learning_sessions WHERE team = ? ORDER BY started_at DESC LIMIT ? OFFSET ?
	`), team, opts.limit(), opts.Offset); err != nil {
		return nil, flowerrors.Wrap(flowerrors.Internal, "listing learning sessions", err)
	}
	out := make([]model.LearningSession, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
