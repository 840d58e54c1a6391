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

// Package xdscache implements C4: the in-memory, team-aware xDS resource
// cache and the dispatch channel that wakes blocked streams in C5. It
// generalizes the teacher's legacy per-type proto.Message cache
// (internal/contour/cache.go) from one fixed resource set to an arbitrary
// type_url keyed map, and adds content-hash versioning so repeated puts of
// an unchanged resource never bump nonces downstream.
package xdscache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Well-known xDS type URLs, mirrored from resource.go's constants in
// go-control-plane but declared locally so callers don't need the full
// cache/types package just to name a resource kind.
const (
	TypeURLListener = "type.googleapis.com/envoy.config.listener.v3.Listener"
	TypeURLRoute    = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
	TypeURLCluster  = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	TypeURLEndpoint = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
)

// entry is one cached resource: its wire bytes, content-hash version, and
// the team that owns it (empty means globally visible, e.g. the default
// gateway listener).
type entry struct {
	message proto.Message
	bytes   []byte
	version string
	team    string
}

// Cache is a thread-safe, copy-on-read store of built xDS resources keyed
// by (type_url, name), generalizing internal/contour/cache.go's one-cache-
// per-type pattern to a single map of maps.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]entry

	notify chan struct{}
}

// New returns an empty Cache with its dispatch channel ready to receive.
func New() *Cache {
	return &Cache{
		entries: make(map[string]map[string]entry),
		notify:  make(chan struct{}, 1),
	}
}

// Put inserts or replaces the named resource of typeURL. It computes the
// resource's content hash and skips bumping the version (and notifying
// watchers) if the content is byte-for-byte identical to what's already
// cached — the idempotent-put invariant (spec.md §4.4).
func (c *Cache) Put(typeURL, name, team string, msg proto.Message) error {
	wire, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	version := contentHash(wire)

	c.mu.Lock()
	bucket, ok := c.entries[typeURL]
	if !ok {
		bucket = make(map[string]entry)
		c.entries[typeURL] = bucket
	}
	existing, existed := bucket[name]
	changed := !existed || existing.version != version
	bucket[name] = entry{message: msg, bytes: wire, version: version, team: team}
	c.mu.Unlock()

	if changed {
		c.signal()
	}
	return nil
}

// Remove deletes the named resource of typeURL, notifying watchers if it
// was present.
func (c *Cache) Remove(typeURL, name string) {
	c.mu.Lock()
	bucket, ok := c.entries[typeURL]
	var existed bool
	if ok {
		_, existed = bucket[name]
		delete(bucket, name)
	}
	c.mu.Unlock()
	if existed {
		c.signal()
	}
}

// TeamPredicate decides whether a resource owned by team is visible to a
// stream. The xDS server builds one of these per connected node from its
// SPIFFE identity / team claim (spec.md §5, §9's admin:all bypass rule).
type TeamPredicate func(resourceTeam string) bool

// AllTeams is a TeamPredicate that admits every resource, used for the
// conservative admin:all-plus-team-selector bypass (§9 Open Question).
func AllTeams(string) bool { return true }

// ForTeam returns a TeamPredicate admitting only resources owned by team,
// plus every globally shared (team == "") resource.
func ForTeam(team string) TeamPredicate {
	return func(resourceTeam string) bool {
		return resourceTeam == "" || resourceTeam == team
	}
}

// Snapshot is a point-in-time, version-stamped view of one resource type,
// filtered by a TeamPredicate and sorted by name for deterministic wire
// encoding (spec.md §4.2 "deterministic ordering").
type Snapshot struct {
	TypeURL   string
	Resources []proto.Message
	// Names and Versions are parallel to Resources, giving per-resource
	// identity for C5's Delta xDS variant (which must diff the
	// previously-acked name/version set against the current one, not just
	// compare a single aggregate version like SOTW does).
	Names    []string
	Versions []string
	Version  string
}

// Snapshot returns every resource of typeURL visible to predicate, along
// with a version string derived from the individual resource versions so
// that a single aggregate version changes if and only if the visible set
// changes (add, remove, or content mutation of any included resource).
func (c *Cache) Snapshot(typeURL string, predicate TeamPredicate) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket := c.entries[typeURL]
	names := make([]string, 0, len(bucket))
	for name, e := range bucket {
		if predicate(e.team) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	resources := make([]proto.Message, 0, len(names))
	resourceVersions := make([]string, 0, len(names))
	aggregateParts := make([]string, 0, len(names))
	for _, name := range names {
		e := bucket[name]
		resources = append(resources, e.message)
		resourceVersions = append(resourceVersions, e.version)
		aggregateParts = append(aggregateParts, name+"@"+e.version)
	}

	return Snapshot{
		TypeURL:   typeURL,
		Resources: resources,
		Names:     names,
		Versions:  resourceVersions,
		Version:   contentHash([]byte(concatSorted(aggregateParts))),
	}
}

// Watch returns the channel that receives a (non-blocking, coalesced)
// signal whenever any Put/Remove call changes the cache's visible content.
// C5's per-stream dispatch loop selects on this to know when to re-evaluate
// its Snapshot.
func (c *Cache) Watch() <-chan struct{} {
	return c.notify
}

// Stats returns the number of cached resources per type_url, for the
// dispatcher's cache-size gauge.
func (c *Cache) Stats() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.entries))
	for typeURL, byName := range c.entries {
		out[typeURL] = len(byName)
	}
	return out
}

// signal performs a non-blocking send, coalescing bursts of Put/Remove
// calls into a single wakeup the way the legacy cache's callers batched
// DAG rebuilds into one Visit() pass.
func (c *Cache) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func concatSorted(parts []string) string {
	out := make([]byte, 0, 64*len(parts))
	for _, p := range parts {
		out = append(out, p...)
		out = append(out, '\n')
	}
	return string(out)
}
