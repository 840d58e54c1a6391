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

package listenermod

import (
	"testing"

	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	envoy_router_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/protobuf"
)

func fixtureListener(filters ...*hcm.HttpFilter) *envoy_listener_v3.Listener {
	filters = append(filters, &hcm.HttpFilter{
		Name: routerFilterName,
		ConfigType: &hcm.HttpFilter_TypedConfig{
			TypedConfig: protobuf.MustMarshalAny(&envoy_router_v3.Router{}),
		},
	})
	manager := &hcm.HttpConnectionManager{HttpFilters: filters}
	return &envoy_listener_v3.Listener{
		Name: "fixture",
		FilterChains: []*envoy_listener_v3.FilterChain{{
			Filters: []*envoy_listener_v3.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &envoy_listener_v3.Filter_TypedConfig{TypedConfig: protobuf.MustMarshalAny(manager)},
			}},
		}},
	}
}

func decodeHCM(t *testing.T, l *envoy_listener_v3.Listener) *hcm.HttpConnectionManager {
	t.Helper()
	manager := &hcm.HttpConnectionManager{}
	require.NoError(t, l.FilterChains[0].Filters[0].GetTypedConfig().UnmarshalTo(manager))
	return manager
}

func TestAddFilterBeforeRouterInsertsBeforeTerminal(t *testing.T) {
	l := fixtureListener()
	m := New(l)

	require.NoError(t, m.AddFilterBeforeRouter(&hcm.HttpFilter{Name: "envoy.filters.http.cors"}))
	assert.True(t, m.Modified())

	manager := decodeHCM(t, l)
	require.Len(t, manager.HttpFilters, 2)
	assert.Equal(t, "envoy.filters.http.cors", manager.HttpFilters[0].Name)
	assert.Equal(t, routerFilterName, manager.HttpFilters[1].Name)
}

func TestAddFilterBeforeRouterIsIdempotent(t *testing.T) {
	l := fixtureListener(&hcm.HttpFilter{Name: "envoy.filters.http.cors"})
	m := New(l)

	require.NoError(t, m.AddFilterBeforeRouter(&hcm.HttpFilter{Name: "envoy.filters.http.cors"}))
	assert.False(t, m.Modified())
}

func TestReplaceOrAddFilterReplacesExisting(t *testing.T) {
	l := fixtureListener(&hcm.HttpFilter{Name: "envoy.filters.http.cors"})
	m := New(l)

	require.NoError(t, m.ReplaceOrAddFilter(&hcm.HttpFilter{
		Name:       "envoy.filters.http.cors",
		ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: protobuf.MustMarshalAny(&envoy_router_v3.Router{})},
	}))
	assert.True(t, m.Modified())

	manager := decodeHCM(t, l)
	require.Len(t, manager.HttpFilters, 2)
	assert.NotNil(t, manager.HttpFilters[0].GetTypedConfig())
}

func TestRemoveFilterByName(t *testing.T) {
	l := fixtureListener(&hcm.HttpFilter{Name: "envoy.filters.http.ext_proc"})
	m := New(l)

	require.NoError(t, m.RemoveFilterByName("envoy.filters.http.ext_proc"))
	assert.True(t, m.Modified())

	manager := decodeHCM(t, l)
	require.Len(t, manager.HttpFilters, 1)
	assert.Equal(t, routerFilterName, manager.HttpFilters[0].Name)
}

func TestRemoveFilterByNameNoopWhenAbsent(t *testing.T) {
	l := fixtureListener()
	m := New(l)

	require.NoError(t, m.RemoveFilterByName("envoy.filters.http.ext_proc"))
	assert.False(t, m.Modified())
}

func TestFinishIfModifiedReturnsNilWhenUnchanged(t *testing.T) {
	l := fixtureListener(&hcm.HttpFilter{Name: "envoy.filters.http.cors"})
	m := New(l)

	require.NoError(t, m.AddFilterBeforeRouter(&hcm.HttpFilter{Name: "envoy.filters.http.cors"}))
	assert.Nil(t, m.FinishIfModified())
}

func TestGetRouteConfigNames(t *testing.T) {
	l := fixtureListener()
	manager := decodeHCM(t, l)
	manager.RouteSpecifier = &hcm.HttpConnectionManager_Rds{Rds: &hcm.Rds{RouteConfigName: "ingress_http"}}
	l.FilterChains[0].Filters[0].ConfigType = &envoy_listener_v3.Filter_TypedConfig{TypedConfig: protobuf.MustMarshalAny(manager)}

	names, err := New(l).GetRouteConfigNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"ingress_http"}, names)
}
