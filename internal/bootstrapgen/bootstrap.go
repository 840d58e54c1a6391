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

// Package bootstrapgen builds the static Envoy bootstrap configuration every
// flowplane gateway starts from: an ADS dynamic_resources block pointed at
// the xDS gRPC cluster (spec.md §6), an admin section, and optionally an
// mTLS transport socket carrying the gateway's own SPIFFE client identity
// (spec.md §5). Grounded on the teacher's internal/envoy/v3 bootstrap
// builder, generalized from Contour's split Lds/Cds ConfigSource plus
// "contour"/"service-stats" static clusters to a single ADS ConfigSource and
// one "flowplane-xds" static cluster, since flowplane's gateways always
// speak ADS rather than per-type streams.
package bootstrapgen

import (
	"fmt"
	"net"
	"time"

	envoy_bootstrap_v3 "github.com/envoyproxy/go-control-plane/envoy/config/bootstrap/v3"
	envoy_cluster_v3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_endpoint_v3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	envoy_tls_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	envoy_upstream_http_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/upstreams/http/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowplane/flowplane/internal/protobuf"
)

// xdsClusterName identifies the static cluster flowplane's bootstrap points
// ADS at; it never appears in any gateway-facing config the control plane
// itself serves, so a fixed name is safe across every tenant.
const xdsClusterName = "flowplane-xds"

// Config carries everything needed to render one gateway's bootstrap. It is
// deliberately flat (no YAML tags, no CLI flags of its own) so it can be
// filled in equally by the bootstrap CLI subcommand and by tests.
type Config struct {
	// NodeID and NodeCluster populate the bootstrap's node id and cluster.
	// Neither is read for team resolution: absent an mTLS client
	// certificate, internal/xdsserver's teamFromNodeMetadata reads only a
	// "team" node metadata key, which this generator does not write.
	NodeID      string
	NodeCluster string
	// GatewayHost is carried as node.metadata.gateway_host; it lets a
	// single team's control-plane config reference "this gateway" without
	// embedding its address in every listener (spec.md §3 Gateway).
	GatewayHost string

	// XDSAddress/XDSPort locate flowplane's xDS gRPC service.
	XDSAddress string
	XDSPort    int

	// AdminAddress/AdminPort configure Envoy's own admin listener.
	AdminAddress string
	AdminPort    int

	// DNSLookupFamily selects the resolution policy for XDSAddress when it
	// is a hostname rather than a literal IP ("v4", "v6", or "" for auto).
	DNSLookupFamily string

	// mTLS client identity, all three set or all three empty. When set,
	// Envoy authenticates to flowplane's xDS service with this
	// certificate, whose SPIFFE URI SAN flowplane uses to resolve the
	// calling team (spec.md §5).
	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string

	// OutputPath is the filename the bootstrap subcommand writes the
	// rendered JSON to. Empty means stdout. Unused by Build itself.
	OutputPath string
}

func (c *Config) xdsConnectTimeout() time.Duration { return 5 * time.Second }

func (c *Config) adminConnectTimeout() time.Duration { return 1 * time.Second }

// Validate rejects a Config that would produce a broken bootstrap.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.XDSAddress == "" || c.XDSPort == 0 {
		return fmt.Errorf("xds address and port are required")
	}
	certSet := c.ClientCertPath != "" || c.ClientKeyPath != "" || c.ClientCAPath != ""
	certComplete := c.ClientCertPath != "" && c.ClientKeyPath != "" && c.ClientCAPath != ""
	if certSet && !certComplete {
		return fmt.Errorf("client-cert, client-key and client-ca must all be set, or none of them")
	}
	return nil
}

// Build renders the Envoy v3 Bootstrap message for c.
func Build(c *Config) (*envoy_bootstrap_v3.Bootstrap, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	node := &envoy_core_v3.Node{
		Id:      c.NodeID,
		Cluster: c.NodeCluster,
	}
	if c.GatewayHost != "" {
		node.Metadata = nodeMetadata(c.GatewayHost)
	}

	cluster := xdsCluster(c)
	if certComplete := c.ClientCertPath != "" && c.ClientKeyPath != "" && c.ClientCAPath != ""; certComplete {
		ts, err := upstreamTransportSocket(c)
		if err != nil {
			return nil, err
		}
		cluster.TransportSocket = ts
	}

	return &envoy_bootstrap_v3.Bootstrap{
		Node: node,
		DynamicResources: &envoy_bootstrap_v3.Bootstrap_DynamicResources{
			AdsConfig: adsConfigSource(),
		},
		StaticResources: &envoy_bootstrap_v3.Bootstrap_StaticResources{
			Clusters: []*envoy_cluster_v3.Cluster{cluster},
		},
		Admin: &envoy_bootstrap_v3.Admin{
			Address: socketAddress(c.AdminAddress, c.AdminPort),
		},
	}, nil
}

// adsConfigSource points dynamic_resources at the static xDS cluster over
// ADS, rather than the teacher's separate per-type LdsConfig/CdsConfig,
// since flowplane's xdsserver always serves the aggregated stream (C5).
func adsConfigSource() *envoy_core_v3.ConfigSource {
	return &envoy_core_v3.ConfigSource{
		ResourceApiVersion: envoy_core_v3.ApiVersion_V3,
		ConfigSourceSpecifier: &envoy_core_v3.ConfigSource_ApiConfigSource{
			ApiConfigSource: &envoy_core_v3.ApiConfigSource{
				ApiType:             envoy_core_v3.ApiConfigSource_GRPC,
				TransportApiVersion: envoy_core_v3.ApiVersion_V3,
				GrpcServices: []*envoy_core_v3.GrpcService{{
					TargetSpecifier: &envoy_core_v3.GrpcService_EnvoyGrpc_{
						EnvoyGrpc: &envoy_core_v3.GrpcService_EnvoyGrpc{
							ClusterName: xdsClusterName,
						},
					},
				}},
			},
		},
	}
}

func xdsCluster(c *Config) *envoy_cluster_v3.Cluster {
	return &envoy_cluster_v3.Cluster{
		Name:                 xdsClusterName,
		ConnectTimeout:       protobuf.Duration(c.xdsConnectTimeout()),
		ClusterDiscoveryType: clusterDiscoveryTypeForAddress(c.XDSAddress, dnsLookupFamilyDiscoveryType(c.DNSLookupFamily)),
		DnsLookupFamily:      parseDNSLookupFamily(c.DNSLookupFamily),
		LbPolicy:             envoy_cluster_v3.Cluster_ROUND_ROBIN,
		LoadAssignment: &envoy_endpoint_v3.ClusterLoadAssignment{
			ClusterName: xdsClusterName,
			Endpoints:   endpoints(socketAddress(c.XDSAddress, c.XDSPort)),
		},
		TypedExtensionProtocolOptions: http2ProtocolOptions(),
	}
}

// dnsLookupFamilyDiscoveryType mirrors the teacher's choice of STRICT_DNS
// for the xDS cluster (spec.md §6), overridden to STATIC by
// clusterDiscoveryTypeForAddress when XDSAddress is a literal IP.
func dnsLookupFamilyDiscoveryType(string) envoy_cluster_v3.Cluster_DiscoveryType {
	return envoy_cluster_v3.Cluster_STRICT_DNS
}

func clusterDiscoveryTypeForAddress(address string, t envoy_cluster_v3.Cluster_DiscoveryType) *envoy_cluster_v3.Cluster_Type {
	if net.ParseIP(address) != nil {
		t = envoy_cluster_v3.Cluster_STATIC
	}
	return &envoy_cluster_v3.Cluster_Type{Type: t}
}

func parseDNSLookupFamily(value string) envoy_cluster_v3.Cluster_DnsLookupFamily {
	switch value {
	case "v4":
		return envoy_cluster_v3.Cluster_V4_ONLY
	case "v6":
		return envoy_cluster_v3.Cluster_V6_ONLY
	}
	return envoy_cluster_v3.Cluster_AUTO
}

func http2ProtocolOptions() map[string]*anypb.Any {
	return map[string]*anypb.Any{
		"envoy.extensions.upstreams.http.v3.HttpProtocolOptions": protobuf.MustMarshalAny(
			&envoy_upstream_http_v3.HttpProtocolOptions{
				UpstreamProtocolOptions: &envoy_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig_{
					ExplicitHttpConfig: &envoy_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig{
						ProtocolConfig: &envoy_upstream_http_v3.HttpProtocolOptions_ExplicitHttpConfig_Http2ProtocolOptions{},
					},
				},
			}),
	}
}

func endpoints(addr *envoy_core_v3.Address) []*envoy_endpoint_v3.LocalityLbEndpoints {
	return []*envoy_endpoint_v3.LocalityLbEndpoints{{
		LbEndpoints: []*envoy_endpoint_v3.LbEndpoint{{
			HostIdentifier: &envoy_endpoint_v3.LbEndpoint_Endpoint{
				Endpoint: &envoy_endpoint_v3.Endpoint{
					Address: addr,
				},
			},
		}},
	}}
}

func socketAddress(address string, port int) *envoy_core_v3.Address {
	return &envoy_core_v3.Address{
		Address: &envoy_core_v3.Address_SocketAddress{
			SocketAddress: &envoy_core_v3.SocketAddress{
				Protocol: envoy_core_v3.SocketAddress_TCP,
				Address:  address,
				PortSpecifier: &envoy_core_v3.SocketAddress_PortValue{
					PortValue: uint32(port),
				},
			},
		},
	}
}

func upstreamTransportSocket(c *Config) (*envoy_core_v3.TransportSocket, error) {
	tlsContext := &envoy_tls_v3.UpstreamTlsContext{
		CommonTlsContext: &envoy_tls_v3.CommonTlsContext{
			TlsCertificates: []*envoy_tls_v3.TlsCertificate{{
				CertificateChain: filenameDataSource(c.ClientCertPath),
				PrivateKey:       filenameDataSource(c.ClientKeyPath),
			}},
			ValidationContextType: &envoy_tls_v3.CommonTlsContext_ValidationContext{
				ValidationContext: &envoy_tls_v3.CertificateValidationContext{
					TrustedCa: filenameDataSource(c.ClientCAPath),
				},
			},
		},
	}
	return &envoy_core_v3.TransportSocket{
		Name: "envoy.transport_sockets.tls",
		ConfigType: &envoy_core_v3.TransportSocket_TypedConfig{
			TypedConfig: protobuf.MustMarshalAny(tlsContext),
		},
	}, nil
}

func filenameDataSource(path string) *envoy_core_v3.DataSource {
	return &envoy_core_v3.DataSource{
		Specifier: &envoy_core_v3.DataSource_Filename{Filename: path},
	}
}

// nodeMetadata carries gateway_host only. No "team" key is written, so
// internal/xdsserver's teamFromNodeMetadata finds no team for a gateway
// started from this bootstrap without an mTLS client certificate.
func nodeMetadata(gatewayHost string) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"gateway_host": structpb.NewStringValue(gatewayHost),
		},
	}
}
