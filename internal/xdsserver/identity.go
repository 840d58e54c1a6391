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

package xdsserver

import (
	"context"
	"crypto/x509"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/flowplane/flowplane/internal/xdscache"
)

// teamFromContext resolves the calling Envoy's team, preferring the SPIFFE
// URI SAN on its client certificate (mTLS deployments, spec.md §5 "client
// identity mapping") and falling back to the node metadata field
// "team" that non-mTLS deployments (e.g. local dev over a UDS) set
// explicitly. An unresolved identity maps to xdscache.AllTeams semantics
// being denied by the caller rather than assumed here.
func teamFromContext(ctx context.Context, node *envoy_core_v3.Node) (string, bool) {
	if team, ok := teamFromPeerCertificate(ctx); ok {
		return team, true
	}
	return teamFromNodeMetadata(node)
}

func teamFromPeerCertificate(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return "", false
	}
	cert := tlsInfo.State.PeerCertificates[0]
	team, ok := teamFromCertificate(cert)
	return team, ok
}

// teamFromCertificate extracts the team segment from a SPIFFE URI SAN of
// the form spiffe://<trust-domain>/team/<team>/gateway/<name>.
func teamFromCertificate(cert *x509.Certificate) (string, bool) {
	for _, uri := range cert.URIs {
		id, err := spiffeid.FromURI(uri)
		if err != nil {
			continue
		}
		segments := id.Path()
		const prefix = "/team/"
		if len(segments) > len(prefix) && segments[:len(prefix)] == prefix {
			rest := segments[len(prefix):]
			for i, c := range rest {
				if c == '/' {
					return rest[:i], true
				}
			}
			return rest, true
		}
	}
	return "", false
}

func teamFromNodeMetadata(node *envoy_core_v3.Node) (string, bool) {
	if node == nil || node.Metadata == nil {
		return "", false
	}
	v, ok := node.Metadata.Fields["team"]
	if !ok {
		return "", false
	}
	s := v.GetStringValue()
	return s, s != ""
}

// isAdmin reports whether the node metadata carries the admin:all scope
// claim; it does not look for a team. predicateFor pairs it with a resolved
// team (spec.md §9 Open Question resolution: admin:all alone never bypasses
// team scoping).
func isAdmin(node *envoy_core_v3.Node) bool {
	if node == nil || node.Metadata == nil {
		return false
	}
	scope, ok := node.Metadata.Fields["scope"]
	if !ok {
		return false
	}
	return scope.GetStringValue() == "admin:all"
}

// predicateFor builds the xdscache.TeamPredicate for a connected node.
func predicateFor(ctx context.Context, node *envoy_core_v3.Node) xdscache.TeamPredicate {
	if isAdmin(node) {
		if _, hasTeam := teamFromContext(ctx, node); hasTeam {
			return xdscache.AllTeams
		}
	}
	team, _ := teamFromContext(ctx, node)
	return xdscache.ForTeam(team)
}
