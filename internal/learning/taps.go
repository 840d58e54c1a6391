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

package learning

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

// tapAccessLogName matches the "learning_als" case envoyconfig.AccessLog
// special-cases to a gRPC sink pointed at flowplane's own ALS server
// (internal/envoyconfig/accesslog.go). tapExtProcName is envoy's own
// ext_proc HTTP filter name: the ext-proc filter has no special-cased
// encoder, its typed_config flows through the generic httpFilter() path
// (internal/envoyconfig/listener.go), so its target cluster travels in
// HTTPFilterConfig.Config instead of a package-level constant.
const (
	tapAccessLogName = "learning_als"
	tapExtProcName   = "envoy.filters.http.ext_proc"
)

// tapManager adds or removes the learning access-log sink and ext-proc HTTP
// filter on every listener, toggled on the 0->1 and 1->0 edges of the
// active-session count (spec.md §4.8: "triggers LDS refresh so listeners
// emit access logs and invoke the ext-proc filter for matching requests").
// It is deliberately all-or-nothing across listeners rather than scoped to
// a session's route_pattern: Envoy's HCM filter chain has no per-request
// conditional filter activation, so narrowing the tap to a pattern would
// require a per-session listener fork, which the spec's listener model
// (one Listener row per isolation target) does not provide for shared
// listeners. Matching against route_pattern happens downstream, in the
// access-log and ext-proc receivers themselves.
type tapManager struct {
	db            *store.DB
	refresher     *xdscache.Refresher
	extprocTarget string
	log           logrus.FieldLogger
}

func newTapManager(db *store.DB, refresher *xdscache.Refresher, extprocTarget string, log logrus.FieldLogger) *tapManager {
	return &tapManager{db: db, refresher: refresher, extprocTarget: extprocTarget, log: log}
}

// Enable installs the taps on every listener that doesn't already carry
// them. Idempotent: a listener already tapped is left untouched.
func (t *tapManager) Enable(ctx context.Context) error {
	return t.apply(ctx, true)
}

// Disable removes the taps from every listener that carries them.
func (t *tapManager) Disable(ctx context.Context) error {
	return t.apply(ctx, false)
}

func (t *tapManager) apply(ctx context.Context, enable bool) error {
	listeners, err := t.db.Listeners.ListAll(ctx)
	if err != nil {
		return err
	}
	changed := false
	for i := range listeners {
		l := &listeners[i]
		var cfg model.ListenerConfig
		if err := json.Unmarshal(l.Configuration, &cfg); err != nil {
			t.log.WithError(err).WithField("listener", l.Name).Warn("skipping listener with unparsable configuration")
			continue
		}
		mutated := false
		for fi := range cfg.FilterChains {
			fc := &cfg.FilterChains[fi]
			if enable {
				mutated = t.addTaps(fc) || mutated
			} else {
				mutated = t.removeTaps(fc) || mutated
			}
		}
		if !mutated {
			continue
		}
		encoded, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		l.Configuration = encoded
		if _, err := t.db.Listeners.Update(ctx, nil, l); err != nil {
			return err
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return t.refresher.RefreshListeners(ctx)
}

func (t *tapManager) addTaps(fc *model.FilterChainConfig) bool {
	mutated := false
	if !hasAccessLogSink(fc.AccessLogs, tapAccessLogName) {
		fc.AccessLogs = append(fc.AccessLogs, model.AccessLogSinkConfig{Name: tapAccessLogName})
		mutated = true
	}
	if !hasHTTPFilter(fc.HTTPFilters, tapExtProcName) {
		insertBeforeRouter(fc, model.HTTPFilterConfig{
			Name:   tapExtProcName,
			Config: map[string]any{"grpc_service_target": t.extprocTarget, "failure_mode_allow": true},
		})
		mutated = true
	}
	return mutated
}

func (t *tapManager) removeTaps(fc *model.FilterChainConfig) bool {
	mutated := false
	fc.AccessLogs, mutated = dropAccessLogSink(fc.AccessLogs, tapAccessLogName, mutated)
	fc.HTTPFilters, mutated = dropHTTPFilter(fc.HTTPFilters, tapExtProcName, mutated)
	return mutated
}

func hasAccessLogSink(sinks []model.AccessLogSinkConfig, name string) bool {
	for _, s := range sinks {
		if s.Name == name {
			return true
		}
	}
	return false
}

func hasHTTPFilter(filters []model.HTTPFilterConfig, name string) bool {
	for _, f := range filters {
		if f.Name == name {
			return true
		}
	}
	return false
}

func dropAccessLogSink(sinks []model.AccessLogSinkConfig, name string, mutated bool) ([]model.AccessLogSinkConfig, bool) {
	out := sinks[:0]
	for _, s := range sinks {
		if s.Name == name {
			mutated = true
			continue
		}
		out = append(out, s)
	}
	return out, mutated
}

func dropHTTPFilter(filters []model.HTTPFilterConfig, name string, mutated bool) ([]model.HTTPFilterConfig, bool) {
	out := filters[:0]
	for _, f := range filters {
		if f.Name == name {
			mutated = true
			continue
		}
		out = append(out, f)
	}
	return out, mutated
}

// insertBeforeRouter keeps envoy.filters.http.router last, matching the
// HCM requirement that the terminal filter close the chain.
func insertBeforeRouter(fc *model.FilterChainConfig, f model.HTTPFilterConfig) {
	for i, existing := range fc.HTTPFilters {
		if existing.Name == "envoy.filters.http.router" {
			fc.HTTPFilters = append(fc.HTTPFilters[:i], append([]model.HTTPFilterConfig{f}, fc.HTTPFilters[i:]...)...)
			return
		}
	}
	fc.HTTPFilters = append(fc.HTTPFilters, f)
}
