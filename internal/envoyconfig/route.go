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

package envoyconfig

import (
	"encoding/json"
	"fmt"
	"time"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_route_v3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcher_v3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/protobuf"
)

// RouteConfiguration builds an envoy_route_v3.RouteConfiguration from a
// model.Route. The name on the wire is the Route's own Name, the value LDS
// filter chains reference via route_config_name.
func RouteConfiguration(r *model.Route) (*envoy_route_v3.RouteConfiguration, error) {
	var cfg model.RouteConfig
	if err := json.Unmarshal(r.Configuration, &cfg); err != nil {
		return nil, err
	}

	rc := &envoy_route_v3.RouteConfiguration{
		Name: r.Name,
	}
	for _, vh := range cfg.VirtualHosts {
		built, err := virtualHost(vh)
		if err != nil {
			return nil, err
		}
		rc.VirtualHosts = append(rc.VirtualHosts, built)
	}
	return rc, nil
}

func virtualHost(vh model.VirtualHost) (*envoy_route_v3.VirtualHost, error) {
	out := &envoy_route_v3.VirtualHost{
		Name:    vh.Name,
		Domains: vh.Domains,
	}
	for _, rule := range vh.Routes {
		route, err := routeRule(rule)
		if err != nil {
			return nil, err
		}
		out.Routes = append(out.Routes, route)
	}
	return out, nil
}

func routeRule(rule model.RouteRule) (*envoy_route_v3.Route, error) {
	route := &envoy_route_v3.Route{
		Match: routeMatch(rule),
	}

	action := &envoy_route_v3.RouteAction{}
	switch {
	case len(rule.WeightedClusters) > 1:
		action.ClusterSpecifier = weightedClusterAction(rule.WeightedClusters)
	case len(rule.WeightedClusters) == 1:
		action.ClusterSpecifier = &envoy_route_v3.RouteAction_Cluster{Cluster: rule.WeightedClusters[0].ClusterName}
	default:
		return nil, fmt.Errorf("route rule %q has no weighted clusters", rule.MatchValue)
	}

	if rule.RewritePrefix != "" {
		action.PrefixRewrite = rule.RewritePrefix
	}
	if rule.RewriteHost != "" {
		action.HostRewriteSpecifier = &envoy_route_v3.RouteAction_HostRewriteLiteral{HostRewriteLiteral: rule.RewriteHost}
	}
	if rule.TimeoutSeconds > 0 {
		d := protobuf.Duration(time.Duration(rule.TimeoutSeconds) * time.Second)
		action.Timeout = d
	}
	route.Action = &envoy_route_v3.Route_Route{Route: action}
	return route, nil
}

func weightedClusterAction(targets []model.WeightedCluster) *envoy_route_v3.RouteAction_WeightedClusters {
	var total uint32
	clusters := make([]*envoy_route_v3.WeightedCluster_ClusterWeight, 0, len(targets))
	for _, t := range targets {
		total += t.Weight
		clusters = append(clusters, &envoy_route_v3.WeightedCluster_ClusterWeight{
			Name:   t.ClusterName,
			Weight: protobuf.UInt32(t.Weight),
		})
	}
	return &envoy_route_v3.RouteAction_WeightedClusters{
		WeightedClusters: &envoy_route_v3.WeightedCluster{
			Clusters:    clusters,
			TotalWeight: protobuf.UInt32(total),
		},
	}
}

func routeMatch(rule model.RouteRule) *envoy_route_v3.RouteMatch {
	match := &envoy_route_v3.RouteMatch{
		CaseSensitive: protobuf.Bool(rule.CaseSensitive),
	}
	switch rule.MatchType {
	case "path":
		match.PathSpecifier = &envoy_route_v3.RouteMatch_Path{Path: rule.MatchValue}
	case "regex":
		match.PathSpecifier = &envoy_route_v3.RouteMatch_SafeRegex{
			SafeRegex: &matcher_v3.RegexMatcher{Regex: rule.MatchValue},
		}
	default: // "prefix"
		match.PathSpecifier = &envoy_route_v3.RouteMatch_Prefix{Prefix: rule.MatchValue}
	}
	if len(rule.Headers) > 0 {
		match.Headers = headerMatchers(rule.Headers)
	}
	return match
}

func headerMatchers(headers map[string]string) []*envoy_route_v3.HeaderMatcher {
	out := make([]*envoy_route_v3.HeaderMatcher, 0, len(headers))
	for name, value := range headers {
		out = append(out, &envoy_route_v3.HeaderMatcher{
			Name: name,
			HeaderMatchSpecifier: &envoy_route_v3.HeaderMatcher_StringMatch{
				StringMatch: &matcher_v3.StringMatcher{
					MatchPattern: &matcher_v3.StringMatcher_Exact{Exact: value},
				},
			},
		})
	}
	return out
}

// ConfigSource returns an ADS-backed *envoy_core_v3.ConfigSource, used by
// LDS-built HCMs that reference an RDS route_config by name.
func ConfigSource() *envoy_core_v3.ConfigSource {
	return &envoy_core_v3.ConfigSource{
		ResourceApiVersion: envoy_core_v3.ApiVersion_V3,
		ConfigSourceSpecifier: &envoy_core_v3.ConfigSource_Ads{
			Ads: &envoy_core_v3.AggregatedConfigSource{},
		},
	}
}
