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

// Package envoyconfig implements C2: pure functions translating flowplane's
// relational model (internal/model) into go-control-plane v3 protobuf
// resources. Every function here is deterministic in its inputs so that C4's
// content-hash versioning produces a stable hash for an unchanged resource.
package envoyconfig

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	envoy_cluster_v3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_endpoint_v3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	envoy_tls_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	envoy_extensions_upstream_http_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/upstreams/http/v3"
	envoy_type "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/protobuf"
)

func clusterDefaults() *envoy_cluster_v3.Cluster {
	return &envoy_cluster_v3.Cluster{
		ConnectTimeout: protobuf.Duration(5 * time.Second),
		CommonLbConfig: ClusterCommonLBConfig(),
		LbPolicy:       envoy_cluster_v3.Cluster_ROUND_ROBIN,
	}
}

// Cluster builds a envoy_cluster_v3.Cluster from a model.Cluster. Membership
// is always STRICT_DNS over the configured endpoint; flowplane has no EDS
// producer of its own, so dynamic membership is out of scope (SPEC_FULL.md
// Non-goals).
func Cluster(c *model.Cluster) (*envoy_cluster_v3.Cluster, error) {
	var cfg model.ClusterConfig
	if err := json.Unmarshal(c.Configuration, &cfg); err != nil {
		return nil, err
	}

	cluster := clusterDefaults()
	cluster.Name = c.Name
	cluster.LbPolicy = lbPolicy(cfg.LoadBalancerPolicy)
	cluster.DnsLookupFamily = parseDNSLookupFamily(cfg.DNSLookupFamily)
	cluster.ClusterDiscoveryType = &envoy_cluster_v3.Cluster_Type{Type: envoy_cluster_v3.Cluster_STRICT_DNS}

	host, port, err := splitHostPort(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	cluster.LoadAssignment = staticLoadAssignment(c.Name, host, port, cfg.Weight)

	if cfg.ConnectTimeoutMS > 0 {
		cluster.ConnectTimeout = protobuf.Duration(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond)
	}

	if cfg.HealthCheckPath != "" {
		cluster.HealthChecks = []*envoy_core_v3.HealthCheck{httpHealthCheck(cfg.HealthCheckPath)}
	}

	if cb := cfg.CircuitBreakers; cb != nil {
		cluster.CircuitBreakers = &envoy_cluster_v3.CircuitBreakers{
			Thresholds: []*envoy_cluster_v3.CircuitBreakers_Thresholds{{
				MaxConnections:     protobuf.UInt32OrNil(cb.MaxConnections),
				MaxPendingRequests: protobuf.UInt32OrNil(cb.MaxPendingRequests),
				MaxRequests:        protobuf.UInt32OrNil(cb.MaxRequests),
				MaxRetries:         protobuf.UInt32OrNil(cb.MaxRetries),
			}},
		}
	}

	if cfg.TLS {
		cluster.TransportSocket = upstreamTLSTransportSocket(cfg.SNI)
		cluster.TypedExtensionProtocolOptions = http2ProtocolOptions()
	}

	return cluster, nil
}

func splitHostPort(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func staticLoadAssignment(clusterName, host string, port int, weight uint32) *envoy_endpoint_v3.ClusterLoadAssignment {
	return &envoy_endpoint_v3.ClusterLoadAssignment{
		ClusterName: clusterName,
		Endpoints: []*envoy_endpoint_v3.LocalityLbEndpoints{{
			LbEndpoints: []*envoy_endpoint_v3.LbEndpoint{{
				HostIdentifier: &envoy_endpoint_v3.LbEndpoint_Endpoint{
					Endpoint: &envoy_endpoint_v3.Endpoint{
						Address: SocketAddress(host, port),
					},
				},
				LoadBalancingWeight: protobuf.UInt32OrDefault(weight, 1),
			}},
		}},
	}
}

func httpHealthCheck(path string) *envoy_core_v3.HealthCheck {
	return &envoy_core_v3.HealthCheck{
		Timeout:            protobuf.Duration(2 * time.Second),
		Interval:           protobuf.Duration(10 * time.Second),
		UnhealthyThreshold: protobuf.UInt32(3),
		HealthyThreshold:   protobuf.UInt32(2),
		HealthChecker: &envoy_core_v3.HealthCheck_HttpHealthCheck_{
			HttpHealthCheck: &envoy_core_v3.HealthCheck_HttpHealthCheck{
				Path: path,
			},
		},
	}
}

// ClusterCommonLBConfig disables the panic threshold, matching the
// teacher's own defaults for predictable load shedding under endpoint churn.
func ClusterCommonLBConfig() *envoy_cluster_v3.Cluster_CommonLbConfig {
	return &envoy_cluster_v3.Cluster_CommonLbConfig{
		HealthyPanicThreshold: &envoy_type.Percent{Value: 0},
	}
}

func lbPolicy(policy string) envoy_cluster_v3.Cluster_LbPolicy {
	switch policy {
	case "least_request":
		return envoy_cluster_v3.Cluster_LEAST_REQUEST
	case "random":
		return envoy_cluster_v3.Cluster_RANDOM
	case "ring_hash":
		return envoy_cluster_v3.Cluster_RING_HASH
	case "maglev":
		return envoy_cluster_v3.Cluster_MAGLEV
	default:
		return envoy_cluster_v3.Cluster_ROUND_ROBIN
	}
}

func parseDNSLookupFamily(value string) envoy_cluster_v3.Cluster_DnsLookupFamily {
	switch value {
	case "v4":
		return envoy_cluster_v3.Cluster_V4_ONLY
	case "v6":
		return envoy_cluster_v3.Cluster_V6_ONLY
	default:
		return envoy_cluster_v3.Cluster_AUTO
	}
}

func upstreamTLSTransportSocket(sni string) *envoy_core_v3.TransportSocket {
	ctx := &envoy_tls_v3.UpstreamTlsContext{
		CommonTlsContext: &envoy_tls_v3.CommonTlsContext{},
	}
	if sni != "" {
		ctx.Sni = sni
	}
	return &envoy_core_v3.TransportSocket{
		Name: "envoy.transport_sockets.tls",
		ConfigType: &envoy_core_v3.TransportSocket_TypedConfig{
			TypedConfig: protobuf.MustMarshalAny(ctx),
		},
	}
}

func http2ProtocolOptions() map[string]*anypb.Any {
	options := envoy_extensions_upstream_http_v3.HttpProtocolOptions{
		UpstreamProtocolOptions: &envoy_extensions_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig_{
			ExplicitHttpConfig: &envoy_extensions_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig{
				ProtocolConfig: &envoy_extensions_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig_Http2ProtocolOptions{},
			},
		},
	}
	return map[string]*anypb.Any{
		"envoy.extensions.upstreams.http.v3.HttpProtocolOptions": protobuf.MustMarshalAny(&options),
	}
}
