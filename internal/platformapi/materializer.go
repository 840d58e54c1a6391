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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/xdscache"
)

// Materializer is C6: it compiles an APIDefinitionSpec into native
// cluster/route/listener rows and keeps C4's cache in sync with the result.
type Materializer struct {
	db        *store.DB
	refresher *xdscache.Refresher
	log       logrus.FieldLogger
}

func New(db *store.DB, refresher *xdscache.Refresher, log logrus.FieldLogger) *Materializer {
	return &Materializer{db: db, refresher: refresher, log: log}
}

func (m *Materializer) refreshAll(ctx context.Context) {
	if m.refresher == nil {
		return
	}
	if err := m.refresher.RefreshAll(ctx); err != nil {
		m.log.WithError(err).Error("refreshing xds cache after materialization")
	}
}

// Create compiles spec into a new APIDefinition (spec.md §4.6 create algorithm).
func (m *Materializer) Create(ctx context.Context, spec *APIDefinitionSpec) (*MaterializationOutcome, error) {
	if spec.ListenerIsolation && spec.IsolationListener == nil {
		return nil, flowerrors.New(flowerrors.InvalidConfig, "listener_isolation requires isolation_listener").
			WithFields(flowerrors.FieldError{Field: "isolation_listener", Message: "required when listener_isolation is true", Code: "required"})
	}

	targetListenerNames := spec.targetListeners()
	if spec.ListenerIsolation {
		targetListenerNames = []string{spec.IsolationListener.Name}
	}
	if err := m.checkCollisions(ctx, spec, targetListenerNames, ""); err != nil {
		return nil, err
	}

	var outcome MaterializationOutcome
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		def := &model.APIDefinition{
			Team: spec.Team, Domain: spec.Domain, ListenerIsolation: spec.ListenerIsolation,
			TargetListeners: spec.TargetListeners, TLSConfig: spec.TLSConfig, ImportID: spec.ImportID,
		}
		created, err := m.db.APIDefinitions.Create(ctx, tx, def)
		if err != nil {
			return fmt.Errorf("creating api_definition: %w", err)
		}
		outcome.Definition = *created

		vh, apiRoutes, err := m.compileRoutes(ctx, tx, spec, created.ID, &outcome)
		if err != nil {
			return err
		}

		if spec.ListenerIsolation {
			if err := m.materializeIsolated(ctx, tx, spec, created, vh, apiRoutes, &outcome); err != nil {
				return err
			}
		} else {
			if err := m.mergeIntoSharedListeners(ctx, tx, targetListenerNames, vh); err != nil {
				return err
			}
		}

		for _, ar := range apiRoutes {
			if _, err := m.db.APIRoutes.Create(ctx, tx, ar); err != nil {
				return fmt.Errorf("inserting api_route: %w", err)
			}
			if ar.GeneratedRouteID != nil {
				outcome.GeneratedRouteIDs = append(outcome.GeneratedRouteIDs, *ar.GeneratedRouteID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.refreshAll(ctx)
	return &outcome, nil
}

// Update recompiles an existing definition's children from scratch: old
// routes are dropped, clusters that become unreferenced are released, and a
// fresh set is inserted in their place (spec.md §4.6 update algorithm).
func (m *Materializer) Update(ctx context.Context, id string, spec *APIDefinitionSpec) (*MaterializationOutcome, error) {
	existing, err := m.db.APIDefinitions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	targetListenerNames := spec.targetListeners()
	if spec.ListenerIsolation {
		if spec.IsolationListener == nil {
			return nil, flowerrors.New(flowerrors.InvalidConfig, "listener_isolation requires isolation_listener")
		}
		targetListenerNames = []string{spec.IsolationListener.Name}
	}
	if err := m.checkCollisions(ctx, spec, targetListenerNames, id); err != nil {
		return nil, err
	}

	var outcome MaterializationOutcome
	err = m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		oldRoutes, err := m.db.APIRoutes.ListForDefinition(ctx, existing.ID)
		if err != nil {
			return fmt.Errorf("listing old api_routes: %w", err)
		}
		if err := m.teardownChildren(ctx, tx, existing, oldRoutes); err != nil {
			return err
		}

		vh, apiRoutes, err := m.compileRoutes(ctx, tx, spec, existing.ID, &outcome)
		if err != nil {
			return err
		}

		if spec.ListenerIsolation {
			if err := m.materializeIsolated(ctx, tx, spec, existing, vh, apiRoutes, &outcome); err != nil {
				return err
			}
		} else {
			if err := m.mergeIntoSharedListeners(ctx, tx, targetListenerNames, vh); err != nil {
				return err
			}
			if existing.GeneratedListenerID != nil {
				if err := m.db.APIDefinitions.ClearGeneratedListener(ctx, tx, existing.ID); err != nil {
					return err
				}
			}
		}

		for _, ar := range apiRoutes {
			if _, err := m.db.APIRoutes.Create(ctx, tx, ar); err != nil {
				return fmt.Errorf("inserting api_route: %w", err)
			}
			if ar.GeneratedRouteID != nil {
				outcome.GeneratedRouteIDs = append(outcome.GeneratedRouteIDs, *ar.GeneratedRouteID)
			}
		}

		version, err := m.db.APIDefinitions.BumpVersion(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		updated, err := m.db.APIDefinitions.GetByID(ctx, existing.ID)
		if err != nil {
			return err
		}
		updated.Version = version
		outcome.Definition = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.refreshAll(ctx)
	return &outcome, nil
}

// Delete tears down a definition's children and, for isolated mode, its
// dedicated listener, then removes the definition itself (spec.md §4.6
// delete algorithm).
func (m *Materializer) Delete(ctx context.Context, id string) error {
	existing, err := m.db.APIDefinitions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	oldRoutes, err := m.db.APIRoutes.ListForDefinition(ctx, existing.ID)
	if err != nil {
		return fmt.Errorf("listing api_routes for delete: %w", err)
	}

	err = m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := m.teardownChildren(ctx, tx, existing, oldRoutes); err != nil {
			return err
		}
		return m.db.APIDefinitions.Delete(ctx, tx, existing.ID)
	})
	if err != nil {
		return err
	}
	m.refreshAll(ctx)
	return nil
}

// teardownChildren removes a definition's materialized children: its
// isolated listener (if any), its api_routes, the Route it owns in isolated
// mode (or the merged virtual host in shared mode), and any cluster that
// becomes unreferenced as a result.
func (m *Materializer) teardownChildren(ctx context.Context, tx *sqlx.Tx, def *model.APIDefinition, oldRoutes []model.APIRoute) error {
	if def.ListenerIsolation && def.GeneratedListenerID != nil {
		if err := m.db.Listeners.Delete(ctx, tx, *def.GeneratedListenerID); err != nil && !flowerrors.IsNotFound(err) {
			return fmt.Errorf("deleting isolation listener: %w", err)
		}
	} else {
		listenerNames := def.TargetListeners
		if len(listenerNames) == 0 {
			listenerNames = []string{model.DefaultGatewayListenerName}
		}
		if err := m.removeVirtualHostFromListeners(ctx, tx, listenerNames, def.Domain); err != nil {
			return err
		}
	}

	seenRoutes := map[string]struct{}{}
	seenClusters := map[string]struct{}{}
	for _, ar := range oldRoutes {
		if ar.GeneratedRouteID != nil {
			seenRoutes[*ar.GeneratedRouteID] = struct{}{}
		}
		for _, cid := range ar.GeneratedClusterIDs {
			seenClusters[cid] = struct{}{}
		}
		if err := m.db.APIRoutes.Delete(ctx, tx, ar.ID); err != nil {
			return fmt.Errorf("deleting api_route: %w", err)
		}
	}
	for routeID := range seenRoutes {
		if err := m.db.Routes.Delete(ctx, tx, routeID); err != nil && !flowerrors.IsNotFound(err) {
			return fmt.Errorf("deleting generated route: %w", err)
		}
	}
	for clusterID := range seenClusters {
		if err := m.releaseClusterIfOrphaned(ctx, tx, clusterID, def.ID); err != nil {
			return err
		}
	}
	return nil
}

// compileRoutes builds the single virtual host for spec's domain (one route
// rule per APIRoute, ordered by RouteOrder) and the APIRoute rows to persist
// alongside it, resolving/creating clusters along the way.
func (m *Materializer) compileRoutes(ctx context.Context, tx *sqlx.Tx, spec *APIDefinitionSpec, defID string, outcome *MaterializationOutcome) (model.VirtualHost, []*model.APIRoute, error) {
	sorted := append([]APIRouteSpec(nil), spec.Routes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RouteOrder < sorted[j].RouteOrder })

	vh := model.VirtualHost{Name: spec.Domain, Domains: []string{spec.Domain}}
	apiRoutes := make([]*model.APIRoute, 0, len(sorted))

	for _, rs := range sorted {
		clusterIDs, clusterNames, err := m.resolveClusters(ctx, tx, spec, rs.UpstreamTargets)
		if err != nil {
			return vh, nil, err
		}
		outcome.GeneratedClusterIDs = append(outcome.GeneratedClusterIDs, clusterIDs...)

		weighted := make([]model.WeightedCluster, len(clusterNames))
		for i, name := range clusterNames {
			weighted[i] = model.WeightedCluster{ClusterName: name, Weight: rs.UpstreamTargets[i].Weight}
		}
		timeoutS := 0
		if rs.TimeoutSeconds != nil {
			timeoutS = *rs.TimeoutSeconds
		}
		vh.Routes = append(vh.Routes, model.RouteRule{
			MatchType: rs.MatchType, MatchValue: rs.MatchValue, CaseSensitive: rs.CaseSensitive,
			Headers: rs.Headers, RewritePrefix: rs.RewritePrefix, RewriteHost: rs.RewriteHost,
			TimeoutSeconds: timeoutS, WeightedClusters: weighted,
		})

		apiRoutes = append(apiRoutes, &model.APIRoute{
			APIDefinitionID: defID, MatchType: rs.MatchType, MatchValue: rs.MatchValue,
			CaseSensitive: rs.CaseSensitive, Headers: rs.Headers, RewritePrefix: rs.RewritePrefix,
			RewriteHost: rs.RewriteHost, UpstreamTargets: rs.UpstreamTargets, TimeoutSeconds: rs.TimeoutSeconds,
			OverrideConfig: rs.OverrideConfig, RouteOrder: rs.RouteOrder, GeneratedClusterIDs: clusterIDs,
		})
	}
	return vh, apiRoutes, nil
}

// materializeIsolated inserts the dedicated Route + Listener for an isolated
// definition and points every api_route's generated_route_id at the Route.
func (m *Materializer) materializeIsolated(ctx context.Context, tx *sqlx.Tx, spec *APIDefinitionSpec, def *model.APIDefinition, vh model.VirtualHost, apiRoutes []*model.APIRoute, outcome *MaterializationOutcome) error {
	cfgBytes, err := json.Marshal(model.RouteConfig{VirtualHosts: []model.VirtualHost{vh}})
	if err != nil {
		return fmt.Errorf("encoding route config: %w", err)
	}
	routeName := "papi-" + def.ID
	route, err := m.db.Routes.Create(ctx, tx, &model.Route{
		Name: routeName, Team: spec.Team, Configuration: cfgBytes, ImportID: spec.ImportID,
	})
	if err != nil {
		return fmt.Errorf("creating isolated route: %w", err)
	}
	for _, ar := range apiRoutes {
		ar.GeneratedRouteID = &route.ID
	}

	fc := model.FilterChainConfig{
		RouteConfigName: routeName,
		HTTPFilters:     []model.HTTPFilterConfig{{Name: "envoy.filters.http.router"}},
	}
	if len(spec.TLSConfig) > 0 {
		var tls model.TLSConfig
		if err := json.Unmarshal(spec.TLSConfig, &tls); err == nil {
			fc.TLS = &tls
		}
	}
	listenerCfg, err := json.Marshal(model.ListenerConfig{FilterChains: []model.FilterChainConfig{fc}})
	if err != nil {
		return fmt.Errorf("encoding listener config: %w", err)
	}
	listener, err := m.db.Listeners.Create(ctx, tx, &model.Listener{
		Name: spec.IsolationListener.Name, Address: spec.IsolationListener.Address,
		Port: spec.IsolationListener.Port, Protocol: spec.IsolationListener.Protocol,
		Configuration: listenerCfg, Team: spec.Team, ImportID: spec.ImportID,
	})
	if err != nil {
		return fmt.Errorf("creating isolation listener: %w", err)
	}
	if err := m.db.APIDefinitions.SetGeneratedListener(ctx, tx, def.ID, listener.ID); err != nil {
		return err
	}
	outcome.GeneratedListenerID = &listener.ID
	return nil
}

// mergeIntoSharedListeners merges vh into every named listener's inline
// route config (add-if-missing by domain), lazily creating the well-known
// default gateway listener the first time anything targets it (spec.md §4.6
// step 6; no bootstrap migration seeds it, since nothing needs it until a
// definition does).
func (m *Materializer) mergeIntoSharedListeners(ctx context.Context, tx *sqlx.Tx, listenerNames []string, vh model.VirtualHost) error {
	for _, name := range listenerNames {
		listener, err := m.db.Listeners.GetByName(ctx, name)
		if err != nil {
			if !flowerrors.IsNotFound(err) || name != model.DefaultGatewayListenerName {
				return fmt.Errorf("resolving target listener %q: %w", name, err)
			}
			listener, err = m.createDefaultGatewayListener(ctx, tx)
			if err != nil {
				return err
			}
		}

		var cfg model.ListenerConfig
		if err := json.Unmarshal(listener.Configuration, &cfg); err != nil {
			return fmt.Errorf("decoding listener %q configuration: %w", name, err)
		}
		if len(cfg.FilterChains) == 0 {
			cfg.FilterChains = []model.FilterChainConfig{{HTTPFilters: []model.HTTPFilterConfig{{Name: "envoy.filters.http.router"}}}}
		}
		fc := &cfg.FilterChains[0]
		if fc.InlineRoutes == nil {
			fc.InlineRoutes = &model.RouteConfig{}
		}
		mergeVirtualHost(fc.InlineRoutes, vh)

		newCfg, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding listener %q configuration: %w", name, err)
		}
		listener.Configuration = newCfg
		if _, err := m.db.Listeners.Update(ctx, tx, listener); err != nil {
			return fmt.Errorf("updating listener %q: %w", name, err)
		}
	}
	return nil
}

// removeVirtualHostFromListeners drops domain's virtual host from every
// named listener's inline route config, used on update/delete of a
// shared-mode definition.
func (m *Materializer) removeVirtualHostFromListeners(ctx context.Context, tx *sqlx.Tx, listenerNames []string, domain string) error {
	for _, name := range listenerNames {
		listener, err := m.db.Listeners.GetByName(ctx, name)
		if err != nil {
			if flowerrors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("resolving target listener %q: %w", name, err)
		}
		var cfg model.ListenerConfig
		if err := json.Unmarshal(listener.Configuration, &cfg); err != nil {
			return fmt.Errorf("decoding listener %q configuration: %w", name, err)
		}
		changed := false
		for ci := range cfg.FilterChains {
			fc := &cfg.FilterChains[ci]
			if fc.InlineRoutes == nil {
				continue
			}
			kept := fc.InlineRoutes.VirtualHosts[:0]
			for _, v := range fc.InlineRoutes.VirtualHosts {
				if v.Name == domain {
					changed = true
					continue
				}
				kept = append(kept, v)
			}
			fc.InlineRoutes.VirtualHosts = kept
		}
		if !changed {
			continue
		}
		newCfg, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding listener %q configuration: %w", name, err)
		}
		listener.Configuration = newCfg
		if _, err := m.db.Listeners.Update(ctx, tx, listener); err != nil {
			return fmt.Errorf("updating listener %q: %w", name, err)
		}
	}
	return nil
}

// mergeVirtualHost adds vh to rc, replacing any existing entry of the same
// name (add-if-missing by domain, spec.md §4.6 step 6). mergo.WithOverride
// mirrors the teacher's own CRD-defaulting merge in contourconfig.
func mergeVirtualHost(rc *model.RouteConfig, vh model.VirtualHost) {
	for i := range rc.VirtualHosts {
		if rc.VirtualHosts[i].Name == vh.Name {
			_ = mergo.Merge(&rc.VirtualHosts[i], vh, mergo.WithOverride)
			return
		}
	}
	rc.VirtualHosts = append(rc.VirtualHosts, vh)
}

func (m *Materializer) createDefaultGatewayListener(ctx context.Context, tx *sqlx.Tx) (*model.Listener, error) {
	cfg, _ := json.Marshal(model.ListenerConfig{
		FilterChains: []model.FilterChainConfig{{
			HTTPFilters:  []model.HTTPFilterConfig{{Name: "envoy.filters.http.router"}},
			InlineRoutes: &model.RouteConfig{},
		}},
	})
	return m.db.Listeners.Create(ctx, tx, &model.Listener{
		Name: model.DefaultGatewayListenerName, Address: "0.0.0.0", Port: 8080, Protocol: "http",
		Configuration: cfg,
	})
}

// resolveClusters upserts (dedupe on team+endpoint) a cluster per upstream
// target, creating any that don't already exist (spec.md §4.6 step 3). A
// cluster created on behalf of an OpenAPI import (spec.ImportID set) is
// tagged Source=openapi and ImportID so the ingester's cluster_references
// bookkeeping (I4) — not this function's own team+endpoint dedupe — is what
// decides when it's safe to delete.
func (m *Materializer) resolveClusters(ctx context.Context, tx *sqlx.Tx, spec *APIDefinitionSpec, targets []model.UpstreamTarget) (ids []string, names []string, err error) {
	team := spec.Team
	for _, t := range targets {
		existing, ferr := m.db.Clusters.FindByTeamAndEndpoint(ctx, tx, team, t.Endpoint)
		if ferr == nil {
			ids = append(ids, existing.ID)
			names = append(names, existing.Name)
			continue
		}
		if !flowerrors.IsNotFound(ferr) {
			return nil, nil, fmt.Errorf("resolving cluster for endpoint %q: %w", t.Endpoint, ferr)
		}
		cfgBytes, _ := json.Marshal(model.ClusterConfig{Endpoint: t.Endpoint, Weight: t.Weight})
		created, cerr := m.db.Clusters.Create(ctx, tx, &model.Cluster{
			Name: clusterName(team, t), Team: team, ServiceName: t.Name,
			Configuration: cfgBytes, Source: spec.clusterSource(), ImportID: spec.ImportID,
		})
		if cerr != nil {
			return nil, nil, fmt.Errorf("creating cluster for endpoint %q: %w", t.Endpoint, cerr)
		}
		ids = append(ids, created.ID)
		names = append(names, created.Name)
	}
	return ids, names, nil
}

// releaseClusterIfOrphaned drops a platform_api cluster once no api_route
// anywhere (other than the definition being torn down) still names it.
// Platform API clusters have no import_id, so ClusterReference (which is
// scoped to cluster_id+import_id for OpenAPI imports) doesn't apply here; a
// live scan of api_routes.generated_cluster_ids is the refcount instead.
func (m *Materializer) releaseClusterIfOrphaned(ctx context.Context, tx *sqlx.Tx, clusterID, excludeDefinitionID string) error {
	all, err := m.db.APIRoutes.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("scanning api_routes for cluster refcount: %w", err)
	}
	for _, ar := range all {
		if ar.APIDefinitionID == excludeDefinitionID {
			continue
		}
		for _, cid := range ar.GeneratedClusterIDs {
			if cid == clusterID {
				return nil
			}
		}
	}
	cluster, err := m.db.Clusters.GetByID(ctx, clusterID)
	if err != nil {
		if flowerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if cluster.Source != model.SourcePlatformAPI {
		return nil
	}
	if err := m.db.Clusters.Delete(ctx, tx, clusterID); err != nil && !flowerrors.IsNotFound(err) {
		return fmt.Errorf("deleting orphaned cluster: %w", err)
	}
	return nil
}

func clusterName(team string, t model.UpstreamTarget) string {
	h := sha256.Sum256([]byte(team + "|" + t.Endpoint))
	base := strings.ToLower(t.Name)
	if base == "" {
		base = "upstream"
	}
	base = sanitizeName(base)
	return fmt.Sprintf("papi-%s-%s-%s", sanitizeName(strings.ToLower(team)), base, hex.EncodeToString(h[:4]))
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "x"
	}
	return out
}

