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

// Package listenermod implements C3: a decode-modify-encode helper for
// surgically mutating the http_filters chain of an already-built
// envoy_listener_v3.Listener that C2 (internal/envoyconfig) already
// encoded, grafting or removing filters without rebuilding it from the
// stored model. No other package in this module calls it: C8's learning
// taps edit the stored model.ListenerConfig and re-run C2 instead.
package listenermod

import (
	"fmt"
	"strings"

	envoy_accesslog_v3 "github.com/envoyproxy/go-control-plane/envoy/config/accesslog/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"google.golang.org/protobuf/proto"

	"github.com/flowplane/flowplane/internal/protobuf"
)

// routerFilterName is the terminal filter every http_filters chain must
// end with (invariant I5).
const routerFilterName = "envoy.filters.http.router"

// Modifier wraps a Listener and tracks whether any mutation actually
// changed it, so callers can skip re-versioning an unchanged resource in
// C4's cache.
type Modifier struct {
	listener *envoy_listener_v3.Listener
	modified bool
}

// New wraps l for in-place modification.
func New(l *envoy_listener_v3.Listener) *Modifier {
	return &Modifier{listener: l}
}

// Listener returns the (possibly mutated) wrapped listener.
func (m *Modifier) Listener() *envoy_listener_v3.Listener {
	return m.listener
}

// Modified reports whether any call on m actually changed the listener.
func (m *Modifier) Modified() bool {
	return m.modified
}

// ForEachHCM decodes every HttpConnectionManager network filter across all
// of the listener's filter chains, hands it to fn, and re-encodes whatever
// fn mutated. fn returning true means it changed the manager.
func (m *Modifier) ForEachHCM(fn func(*hcm.HttpConnectionManager) bool) error {
	for _, chain := range m.listener.FilterChains {
		for _, filter := range chain.Filters {
			if filter.Name != wellknown.HTTPConnectionManager {
				continue
			}
			typedConfig := filter.GetTypedConfig()
			if typedConfig == nil {
				continue
			}
			manager := &hcm.HttpConnectionManager{}
			if err := typedConfig.UnmarshalTo(manager); err != nil {
				return fmt.Errorf("decoding http connection manager: %w", err)
			}
			if fn(manager) {
				filter.ConfigType = &envoy_listener_v3.Filter_TypedConfig{
					TypedConfig: protobuf.MustMarshalAny(manager),
				}
				m.modified = true
			}
		}
	}
	return nil
}

// AddFilterBeforeRouter inserts filter into every HCM's http_filters list
// immediately before the terminal router filter, preserving invariant I5.
// A filter already present by name is left untouched (idempotent).
func (m *Modifier) AddFilterBeforeRouter(filter *hcm.HttpFilter) error {
	return m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		for _, f := range manager.HttpFilters {
			if f.Name == filter.Name {
				return false
			}
		}
		idx := routerIndex(manager.HttpFilters)
		if idx < 0 {
			manager.HttpFilters = append(manager.HttpFilters, filter)
			return true
		}
		manager.HttpFilters = append(manager.HttpFilters[:idx:idx], append([]*hcm.HttpFilter{filter}, manager.HttpFilters[idx:]...)...)
		return true
	})
}

// ReplaceOrAddFilter overwrites an existing http_filter with the same name,
// or adds it before the router filter if none exists yet.
func (m *Modifier) ReplaceOrAddFilter(filter *hcm.HttpFilter) error {
	return m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		for i, f := range manager.HttpFilters {
			if f.Name == filter.Name {
				if proto.Equal(f, filter) {
					return false
				}
				manager.HttpFilters[i] = filter
				return true
			}
		}
		idx := routerIndex(manager.HttpFilters)
		if idx < 0 {
			manager.HttpFilters = append(manager.HttpFilters, filter)
			return true
		}
		manager.HttpFilters = append(manager.HttpFilters[:idx:idx], append([]*hcm.HttpFilter{filter}, manager.HttpFilters[idx:]...)...)
		return true
	})
}

// AddFilterIfNameNotContains adds filter unless an existing http_filter's
// name already contains substr, e.g. to avoid adding a second ext_proc
// filter to a listener that already carries one.
func (m *Modifier) AddFilterIfNameNotContains(filter *hcm.HttpFilter, substr string) error {
	return m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		for _, f := range manager.HttpFilters {
			if strings.Contains(f.Name, substr) {
				return false
			}
		}
		idx := routerIndex(manager.HttpFilters)
		if idx < 0 {
			manager.HttpFilters = append(manager.HttpFilters, filter)
			return true
		}
		manager.HttpFilters = append(manager.HttpFilters[:idx:idx], append([]*hcm.HttpFilter{filter}, manager.HttpFilters[idx:]...)...)
		return true
	})
}

// RemoveFilterByName strips any http_filter whose name matches exactly.
func (m *Modifier) RemoveFilterByName(name string) error {
	return m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		out := manager.HttpFilters[:0]
		changed := false
		for _, f := range manager.HttpFilters {
			if f.Name == name {
				changed = true
				continue
			}
			out = append(out, f)
		}
		manager.HttpFilters = out
		return changed
	})
}

// AddAccessLog appends an access log sink to every HCM, skipping managers
// that already carry a sink with the same Name.
func (m *Modifier) AddAccessLog(al *envoy_accesslog_v3.AccessLog) error {
	return m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		for _, existing := range manager.AccessLog {
			if existing.Name == al.Name {
				return false
			}
		}
		manager.AccessLog = append(manager.AccessLog, al)
		return true
	})
}

// GetRouteConfigNames returns the RDS route_config names every HCM in the
// listener references, skipping HCMs using inline RouteConfig, i.e. the
// RouteConfiguration resources a Listener depends on.
func (m *Modifier) GetRouteConfigNames() ([]string, error) {
	var names []string
	err := m.ForEachHCM(func(manager *hcm.HttpConnectionManager) bool {
		if rds := manager.GetRds(); rds != nil {
			names = append(names, rds.RouteConfigName)
		}
		return false
	})
	return names, err
}

// FinishIfModified returns the listener only if some mutation changed it;
// otherwise it returns nil, signalling callers to skip re-versioning.
func (m *Modifier) FinishIfModified() *envoy_listener_v3.Listener {
	if !m.modified {
		return nil
	}
	return m.listener
}

func routerIndex(filters []*hcm.HttpFilter) int {
	for i, f := range filters {
		if f.Name == routerFilterName || f.Name == wellknown.Router {
			return i
		}
	}
	return -1
}
