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

// Package learning implements C8: the bounded-sampling learning subsystem.
// A LearningSession moves pending -> active -> completing -> completed|
// failed (spec.md §4.8, I7). Activation installs access-log and ext-proc
// taps on every listener and registers the session's route_pattern with
// the Access-Log and Body-Capture receivers; a periodic check retires
// sessions that hit their sample target or deadline, aggregates inferred
// schemas, and removes the taps once no session needs them.
package learning

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

// activeSession is the copy-on-write snapshot entry the Access-Log and
// ext-proc receivers match requests against without touching the database
// on the hot path.
type activeSession struct {
	id      string
	matcher *matcher
	methods map[string]struct{}
}

func (s *activeSession) matches(method, path string) bool {
	if len(s.methods) > 0 {
		if _, ok := s.methods[method]; !ok {
			return false
		}
	}
	return s.matcher.match(path)
}

// Supervisor owns the session state machine and the active-session set.
// The set is guarded by an RWMutex and changed in place: activation and
// retirement hold the write lock, while Match and ActiveSessionCount take
// the read lock, so a lookup waits while an activation or retirement runs.
type Supervisor struct {
	db   *store.DB
	taps *tapManager
	log  logrus.FieldLogger

	mu     sync.RWMutex
	active []*activeSession

	correlator *Correlator
	metrics    Metrics
}

// Metrics is the narrow surface the learning subsystem reports through;
// satisfied by internal/metrics.Metrics. Left unset, calls are no-ops.
type Metrics interface {
	IncSamplesCaptured()
}

// SetMetrics wires the subsystem's sample counter. Optional.
func (s *Supervisor) SetMetrics(m Metrics) {
	s.metrics = m
}

// New builds a Supervisor. extprocTarget is the cluster name the installed
// ext-proc filter tap points at (the access-log tap's target is fixed by
// envoyconfig.AccessLog's "learning_als" sink kind, so it needs no
// parameter here).
func New(db *store.DB, refresher *xdscache.Refresher, extprocTarget string, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		db:         db,
		taps:       newTapManager(db, refresher, extprocTarget, log),
		log:        log,
		correlator: NewCorrelator(30 * time.Second),
	}
}

// Create persists a new pending session.
func (s *Supervisor) Create(ctx context.Context, sess *model.LearningSession) (*model.LearningSession, error) {
	sess.Status = model.SessionPending
	return s.db.LearningSessions.Create(ctx, sess)
}

// Activate validates the session is pending, flips it to active, installs
// the taps (if this is the first active session), and registers it in the
// snapshot.
func (s *Supervisor) Activate(ctx context.Context, id string) error {
	sess, err := s.db.LearningSessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionPending {
		return flowerrors.New(flowerrors.InvalidConfig, "session "+id+" is not pending").
			WithHint("only a pending session can be activated")
	}

	s.mu.Lock()
	wasEmpty := len(s.active) == 0
	s.active = append(s.active, &activeSession{
		id:      sess.ID,
		matcher: newMatcher(sess.RoutePattern),
		methods: methodSet(sess.HTTPMethods),
	})
	s.mu.Unlock()

	if wasEmpty {
		if err := s.taps.Enable(ctx); err != nil {
			s.revertActivation(id)
			return err
		}
	}
	return s.db.LearningSessions.Activate(ctx, id, time.Now().UTC())
}

func (s *Supervisor) revertActivation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.active {
		if a.id == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// RecordMatch is called by the access-log receiver for every log entry
// that matches an active session's pattern and methods. It increments the
// session's current_sample_count.
func (s *Supervisor) RecordMatch(ctx context.Context, sessionID string) {
	if _, err := s.db.LearningSessions.IncrementSampleCount(ctx, sessionID, 1); err != nil {
		s.log.WithError(err).WithField("session", sessionID).Warn("failed to record learning session sample")
	}
	if s.metrics != nil {
		s.metrics.IncSamplesCaptured()
	}
}

// Match returns the active session (if any) whose pattern and methods
// cover (method, path), used by both the access-log receiver and the
// ext-proc body-capture path to decide whether to buffer a request.
func (s *Supervisor) Match(method, path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.active {
		if a.matches(method, path) {
			return a.id, true
		}
	}
	return "", false
}

// Correlator exposes the session's capture correlator to the ext-proc and
// access-log receivers.
func (s *Supervisor) Correlator() *Correlator {
	return s.correlator
}

// ActiveSessionCount returns the number of sessions currently installed in
// the active snapshot, for the learning subsystem's session-count gauge.
func (s *Supervisor) ActiveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// CheckCompletion is the periodic tick (spec.md §5: 30s cadence) that
// retires sessions at their sample target or deadline. It's safe to call
// concurrently with Activate since both only ever touch the snapshot under
// s.mu, and the DB layer's own per-row updates serialize at the database.
func (s *Supervisor) CheckCompletion(ctx context.Context) {
	sessions, err := s.db.LearningSessions.ListActive(ctx)
	if err != nil {
		s.log.WithError(err).Error("listing active learning sessions")
		return
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.Status != model.SessionActive {
			continue
		}
		deadlineHit := sess.EndsAt != nil && !now.Before(*sess.EndsAt)
		if sess.CurrentSampleCount < sess.TargetSampleCount && !deadlineHit {
			continue
		}
		if err := s.retire(ctx, sess); err != nil {
			s.log.WithError(err).WithField("session", sess.ID).Error("retiring learning session")
		}
	}
}

func (s *Supervisor) retire(ctx context.Context, sess model.LearningSession) error {
	if err := s.db.LearningSessions.TransitionStatus(ctx, sess.ID, model.SessionCompleting); err != nil {
		return err
	}
	s.unregister(sess.ID)

	if err := s.aggregate(ctx, sess.ID); err != nil {
		_ = s.db.LearningSessions.Fail(ctx, sess.ID, err.Error())
		return err
	}
	return s.db.LearningSessions.Complete(ctx, sess.ID, time.Now().UTC())
}

// unregister drops a session from the snapshot and, if it was the last one,
// removes the taps.
func (s *Supervisor) unregister(id string) {
	s.mu.Lock()
	remaining := make([]*activeSession, 0, len(s.active))
	for _, a := range s.active {
		if a.id != id {
			remaining = append(remaining, a)
		}
	}
	s.active = remaining
	empty := len(s.active) == 0
	s.mu.Unlock()

	if empty {
		if err := s.taps.Disable(context.Background()); err != nil {
			s.log.WithError(err).Warn("disabling learning taps")
		}
	}
}

// Fail moves an active or completing session to failed with reason,
// releasing its snapshot entry and, if it was the last one, the taps.
func (s *Supervisor) Fail(ctx context.Context, id, reason string) error {
	sess, err := s.db.LearningSessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionActive && sess.Status != model.SessionCompleting {
		return flowerrors.New(flowerrors.InvalidConfig, "session "+id+" cannot fail from status "+string(sess.Status))
	}
	s.unregister(id)
	return s.db.LearningSessions.Fail(ctx, id, reason)
}

func methodSet(methods []string) map[string]struct{} {
	if len(methods) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		out[m] = struct{}{}
	}
	return out
}
