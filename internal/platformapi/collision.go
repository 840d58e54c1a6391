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

package platformapi

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

// listenerSet returns the listeners a definition occupies: its isolation
// listener's generated id if it has one (checkCollisions resolves that id
// to the listener's name), else its (possibly defaulted) target listener
// names.
func listenerSet(d *model.APIDefinition) []string {
	if d.ListenerIsolation {
		if d.GeneratedListenerID != nil {
			return []string{*d.GeneratedListenerID}
		}
		return nil
	}
	if len(d.TargetListeners) > 0 {
		return d.TargetListeners
	}
	return []string{model.DefaultGatewayListenerName}
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// checkCollisions reports a Conflict error if spec's domain+path set
// overlaps an existing APIDefinition occupying one of the same listeners
// (spec.md §4.6 "Collision detection (on create)"). excludeID is the
// definition being updated, if any (Update re-checks against its siblings).
func (m *Materializer) checkCollisions(ctx context.Context, spec *APIDefinitionSpec, targetListenerNames []string, excludeID string) error {
	existing, err := m.db.APIDefinitions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing api_definitions for collision check: %w", err)
	}

	for i := range existing {
		other := &existing[i]
		if other.ID == excludeID {
			continue
		}
		if other.Domain != spec.Domain {
			continue
		}
		otherListeners := listenerSet(other)
		if other.ListenerIsolation && other.GeneratedListenerID != nil {
			if l, lerr := m.db.Listeners.GetByID(ctx, *other.GeneratedListenerID); lerr == nil {
				otherListeners = []string{l.Name}
			}
		}
		if !overlaps(targetListenerNames, otherListeners) {
			continue
		}
		otherRoutes, err := m.db.APIRoutes.ListForDefinition(ctx, other.ID)
		if err != nil {
			return fmt.Errorf("listing api_routes for collision check: %w", err)
		}
		for _, route := range spec.Routes {
			for _, otherRoute := range otherRoutes {
				if route.MatchType == otherRoute.MatchType && route.MatchValue == otherRoute.MatchValue {
					return flowerrors.New(flowerrors.Conflict, fmt.Sprintf(
						"path %q on domain %q conflicts with an existing api_definition", route.MatchValue, spec.Domain)).
						WithConflict("path_conflict", &flowerrors.ConflictResource{
							Team:   other.Team,
							Domain: other.Domain,
							Path:   otherRoute.MatchValue,
							Kind:   "api_definition",
							ID:     other.ID,
						}, "choose a different match_value", "enable listener_isolation to avoid sharing a listener")
				}
			}
		}
	}
	return nil
}
