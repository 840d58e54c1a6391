package learning

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *store.DB) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:", logrus.StandardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache := xdscache.New()
	refresher := xdscache.NewRefresher(db, cache)
	return New(db, refresher, "flowplane_learning_extproc", logrus.StandardLogger()), db
}

func seedListener(t *testing.T, db *store.DB) {
	cfg, err := json.Marshal(model.ListenerConfig{
		FilterChains: []model.FilterChainConfig{{
			HTTPFilters: []model.HTTPFilterConfig{{Name: "envoy.filters.http.router"}},
		}},
	})
	require.NoError(t, err)
	_, err = db.Listeners.Create(context.Background(), nil, &model.Listener{
		Name: model.DefaultGatewayListenerName, Address: "0.0.0.0", Port: 8080,
		Protocol: "http", Configuration: cfg, Team: "",
	})
	require.NoError(t, err)
}

func TestActivateInstallsTapsOnFirstSession(t *testing.T) {
	sup, db := newTestSupervisor(t)
	seedListener(t, db)

	sess, err := sup.Create(context.Background(), &model.LearningSession{
		Team: "payments", RoutePattern: "/v1/charges/{id}", HTTPMethods: []string{"GET"},
		TargetSampleCount: 10,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	l, err := db.Listeners.GetByName(context.Background(), model.DefaultGatewayListenerName)
	require.NoError(t, err)
	var cfg model.ListenerConfig
	require.NoError(t, json.Unmarshal(l.Configuration, &cfg))
	require.Len(t, cfg.FilterChains, 1)
	assert.True(t, hasAccessLogSink(cfg.FilterChains[0].AccessLogs, tapAccessLogName))
	assert.True(t, hasHTTPFilter(cfg.FilterChains[0].HTTPFilters, tapExtProcName))

	// router stays last
	last := cfg.FilterChains[0].HTTPFilters[len(cfg.FilterChains[0].HTTPFilters)-1]
	assert.Equal(t, "envoy.filters.http.router", last.Name)

	fresh, err := db.LearningSessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, fresh.Status)
}

func TestActivateRejectsNonPendingSession(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sess, err := sup.Create(context.Background(), &model.LearningSession{Team: "payments", RoutePattern: "/x", TargetSampleCount: 1})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	err = sup.Activate(context.Background(), sess.ID)
	assert.Error(t, err)
}

func TestMatchRespectsMethodAndPattern(t *testing.T) {
	sup, db := newTestSupervisor(t)
	seedListener(t, db)
	sess, err := sup.Create(context.Background(), &model.LearningSession{
		Team: "payments", RoutePattern: "/v1/charges/{id}", HTTPMethods: []string{"GET"}, TargetSampleCount: 5,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	id, ok := sup.Match("GET", "/v1/charges/abc123")
	require.True(t, ok)
	assert.Equal(t, sess.ID, id)

	_, ok = sup.Match("POST", "/v1/charges/abc123")
	assert.False(t, ok, "method not in session's method set")

	_, ok = sup.Match("GET", "/v1/refunds/abc123")
	assert.False(t, ok, "path doesn't match pattern")
}

func TestCheckCompletionRetiresAtSampleTarget(t *testing.T) {
	sup, db := newTestSupervisor(t)
	seedListener(t, db)
	sess, err := sup.Create(context.Background(), &model.LearningSession{
		Team: "payments", RoutePattern: "/v1/charges", TargetSampleCount: 2,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	sup.RecordMatch(context.Background(), sess.ID)
	sup.RecordMatch(context.Background(), sess.ID)

	sup.CheckCompletion(context.Background())

	fresh, err := db.LearningSessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, fresh.Status)

	// the last session's retirement should have removed the taps again
	l, err := db.Listeners.GetByName(context.Background(), model.DefaultGatewayListenerName)
	require.NoError(t, err)
	var cfg model.ListenerConfig
	require.NoError(t, json.Unmarshal(l.Configuration, &cfg))
	assert.False(t, hasHTTPFilter(cfg.FilterChains[0].HTTPFilters, tapExtProcName))
}

func TestCheckCompletionRetiresAtDeadline(t *testing.T) {
	sup, db := newTestSupervisor(t)
	seedListener(t, db)
	past := time.Now().UTC().Add(-time.Minute)
	sess, err := sup.Create(context.Background(), &model.LearningSession{
		Team: "payments", RoutePattern: "/v1/charges", TargetSampleCount: 1000, EndsAt: &past,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	sup.CheckCompletion(context.Background())

	fresh, err := db.LearningSessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, fresh.Status)
}

func TestFailTransitionsActiveSession(t *testing.T) {
	sup, db := newTestSupervisor(t)
	seedListener(t, db)
	sess, err := sup.Create(context.Background(), &model.LearningSession{Team: "payments", RoutePattern: "/v1/charges", TargetSampleCount: 10})
	require.NoError(t, err)
	require.NoError(t, sup.Activate(context.Background(), sess.ID))

	require.NoError(t, sup.Fail(context.Background(), sess.ID, "upstream ext-proc connection refused"))

	fresh, err := db.LearningSessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, fresh.Status)
	assert.Equal(t, "upstream ext-proc connection refused", fresh.ErrorMessage)
}

func TestPatternMatcherExactAndTemplate(t *testing.T) {
	m := newMatcher("/v1/charges")
	assert.True(t, m.match("/v1/charges"))
	assert.False(t, m.match("/v1/charges/abc"))

	tm := newMatcher("/v1/charges/{id}/refunds/{refund_id}")
	assert.True(t, tm.match("/v1/charges/abc/refunds/xyz"))
	assert.False(t, tm.match("/v1/charges/abc/refunds"))
	assert.False(t, tm.match("/v1/charges/abc/refunds/xyz/extra"))
}

func TestCorrelatorMergesRequestAndResponseHalves(t *testing.T) {
	c := NewCorrelator(30 * time.Second)
	c.Submit("sess-1", "req-1", CapturedBody{RequestBody: []byte(`{"a":1}`), Method: "POST", PathPattern: "/v1/charges"})

	select {
	case <-c.Ready():
		t.Fatal("should not be ready with only one half")
	default:
	}

	c.Submit("sess-1", "req-1", CapturedBody{ResponseBody: []byte(`{"ok":true}`)})

	select {
	case merged := <-c.Ready():
		assert.Equal(t, "sess-1", merged.SessionID)
		assert.JSONEq(t, `{"a":1}`, string(merged.RequestBody))
		assert.JSONEq(t, `{"ok":true}`, string(merged.ResponseBody))
	default:
		t.Fatal("expected a merged capture")
	}
}

func TestCorrelatorSweepEvictsStaleHalves(t *testing.T) {
	c := NewCorrelator(time.Millisecond)
	c.Submit("sess-1", "req-1", CapturedBody{RequestBody: []byte(`{}`)})
	time.Sleep(5 * time.Millisecond)
	c.Sweep()

	c.mu.Lock()
	_, stillPending := c.pending[correlationKey{sessionID: "sess-1", requestID: "req-1"}]
	c.mu.Unlock()
	assert.False(t, stillPending)
}
