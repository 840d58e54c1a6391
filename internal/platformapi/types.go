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

// Package platformapi implements C6: compiling a declarative
// APIDefinitionSpec into the native Cluster/Route/Listener rows C2/C4
// actually serve, with transactional create/update/delete and collision
// detection against every other definition sharing a listener.
package platformapi

import "github.com/flowplane/flowplane/internal/model"

// APIDefinitionSpec is the materializer's create/update input (spec.md
// §4.6). It is never itself persisted; Create/Update compile it into the
// rows that are.
type APIDefinitionSpec struct {
	Team              string
	Domain            string
	ListenerIsolation bool
	// IsolationListener is required when ListenerIsolation is true.
	IsolationListener *IsolationListenerSpec
	// TargetListeners names the shared listeners to merge into when
	// ListenerIsolation is false. Empty means the default gateway listener.
	TargetListeners []string
	TLSConfig       []byte
	Routes          []APIRouteSpec
	// ImportID and ClusterSource tag rows generated by the OpenAPI
	// ingester (C9) rather than a direct Platform API call; nil/"" for a
	// native Platform API definition, which defaults ClusterSource to
	// model.SourcePlatformAPI.
	ImportID      *string
	ClusterSource model.Source
}

// IsolationListenerSpec describes the dedicated listener to create when a
// definition opts out of the shared gateway.
type IsolationListenerSpec struct {
	Name     string
	Address  string
	Port     int
	Protocol string
}

// APIRouteSpec is one route rule of an APIDefinitionSpec.
type APIRouteSpec struct {
	MatchType       string
	MatchValue      string
	CaseSensitive   bool
	Headers         map[string]string
	RewritePrefix   string
	RewriteHost     string
	UpstreamTargets []model.UpstreamTarget
	TimeoutSeconds  *int
	OverrideConfig  []byte
	RouteOrder      int
}

// MaterializationOutcome is Create/Update's result (spec.md §4.6 Output).
type MaterializationOutcome struct {
	Definition          model.APIDefinition
	GeneratedClusterIDs []string
	GeneratedRouteIDs   []string
	GeneratedListenerID *string
}

func (s *APIDefinitionSpec) targetListeners() []string {
	if len(s.TargetListeners) > 0 {
		return s.TargetListeners
	}
	return []string{model.DefaultGatewayListenerName}
}

func (s *APIDefinitionSpec) clusterSource() model.Source {
	if s.ClusterSource != "" {
		return s.ClusterSource
	}
	return model.SourcePlatformAPI
}
