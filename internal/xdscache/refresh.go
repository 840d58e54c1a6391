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

package xdscache

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/internal/envoyconfig"
	"github.com/flowplane/flowplane/internal/store"
)

// Refresher reconciles the cache's config-derived resource types against the
// store: load every row, encode it through C2, Put it, then Remove any
// cached name no longer present. Used after every materializer mutation and
// once at startup (spec.md §4.4 "refresh_*_from_repository").
type Refresher struct {
	db    *store.DB
	cache *Cache
}

// NewRefresher builds a Refresher over db and cache.
func NewRefresher(db *store.DB, cache *Cache) *Refresher {
	return &Refresher{db: db, cache: cache}
}

// RefreshClusters reconciles every CDS entry.
func (r *Refresher) RefreshClusters(ctx context.Context) error {
	rows, err := r.db.Clusters.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing clusters for refresh: %w", err)
	}
	live := make(map[string]struct{}, len(rows))
	for i := range rows {
		c := &rows[i]
		built, err := envoyconfig.Cluster(c)
		if err != nil {
			return fmt.Errorf("encoding cluster %q: %w", c.Name, err)
		}
		if err := r.cache.Put(TypeURLCluster, c.Name, c.Team, built); err != nil {
			return fmt.Errorf("caching cluster %q: %w", c.Name, err)
		}
		live[c.Name] = struct{}{}
	}
	r.pruneMissing(TypeURLCluster, live)
	return nil
}

// RefreshRoutes reconciles every RDS entry.
func (r *Refresher) RefreshRoutes(ctx context.Context) error {
	rows, err := r.db.Routes.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing routes for refresh: %w", err)
	}
	live := make(map[string]struct{}, len(rows))
	for i := range rows {
		route := &rows[i]
		built, err := envoyconfig.RouteConfiguration(route)
		if err != nil {
			return fmt.Errorf("encoding route %q: %w", route.Name, err)
		}
		if err := r.cache.Put(TypeURLRoute, route.Name, route.Team, built); err != nil {
			return fmt.Errorf("caching route %q: %w", route.Name, err)
		}
		live[route.Name] = struct{}{}
	}
	r.pruneMissing(TypeURLRoute, live)
	return nil
}

// RefreshListeners reconciles every LDS entry.
func (r *Refresher) RefreshListeners(ctx context.Context) error {
	rows, err := r.db.Listeners.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing listeners for refresh: %w", err)
	}
	live := make(map[string]struct{}, len(rows))
	for i := range rows {
		l := &rows[i]
		built, err := envoyconfig.Listener(l)
		if err != nil {
			return fmt.Errorf("encoding listener %q: %w", l.Name, err)
		}
		if err := r.cache.Put(TypeURLListener, l.Name, l.Team, built); err != nil {
			return fmt.Errorf("caching listener %q: %w", l.Name, err)
		}
		live[l.Name] = struct{}{}
	}
	r.pruneMissing(TypeURLListener, live)
	return nil
}

// RefreshAll reconciles clusters, routes, and listeners in dependency order
// (clusters before routes before listeners isn't load-bearing for Envoy,
// which resolves everything over ADS regardless of push order, but it keeps
// a cold-start snapshot looking sensible in logs).
func (r *Refresher) RefreshAll(ctx context.Context) error {
	if err := r.RefreshClusters(ctx); err != nil {
		return err
	}
	if err := r.RefreshRoutes(ctx); err != nil {
		return err
	}
	return r.RefreshListeners(ctx)
}

// pruneMissing removes any cached name of typeURL not present in live. The
// cache has no direct "list names" accessor, so a self-snapshot under
// AllTeams supplies the full current name set.
func (r *Refresher) pruneMissing(typeURL string, live map[string]struct{}) {
	snap := r.cache.Snapshot(typeURL, AllTeams)
	for _, name := range snap.Names {
		if _, ok := live[name]; !ok {
			r.cache.Remove(typeURL, name)
		}
	}
}
