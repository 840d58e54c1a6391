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

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	envoy_router_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	envoy_route_v3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	envoy_tls_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	xdstype "github.com/cncf/xds/go/xds/type/v3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/protobuf"
)

// HTTPFilterRouter is the well-known type URL of the terminal router filter;
// every http_filters chain this package builds ends with it (invariant I5 /
// C3's "router must stay last").
const HTTPFilterRouter = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"

// SocketAddress builds a *envoy_core_v3.Address for a TCP host:port pair.
func SocketAddress(address string, port int) *envoy_core_v3.Address {
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

// Listener builds an envoy_listener_v3.Listener from a model.Listener. Each
// FilterChainConfig becomes one envoy_listener_v3.FilterChain wrapping a
// single HTTP connection manager network filter; invariant I5 (router
// filter always terminal) is enforced while translating http_filters.
func Listener(l *model.Listener) (*envoy_listener_v3.Listener, error) {
	var cfg model.ListenerConfig
	if err := json.Unmarshal(l.Configuration, &cfg); err != nil {
		return nil, err
	}

	out := &envoy_listener_v3.Listener{
		Name:    l.Name,
		Address: SocketAddress(l.Address, l.Port),
	}

	for _, fc := range cfg.FilterChains {
		chain, err := filterChain(fc)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", l.Name, err)
		}
		out.FilterChains = append(out.FilterChains, chain)
	}
	return out, nil
}

func filterChain(fc model.FilterChainConfig) (*envoy_listener_v3.FilterChain, error) {
	manager, err := httpConnectionManager(fc)
	if err != nil {
		return nil, err
	}

	chain := &envoy_listener_v3.FilterChain{
		Filters: []*envoy_listener_v3.Filter{{
			Name: wellknown.HTTPConnectionManager,
			ConfigType: &envoy_listener_v3.Filter_TypedConfig{
				TypedConfig: protobuf.MustMarshalAny(manager),
			},
		}},
	}

	if fc.TLS != nil && fc.TLS.Mode == "terminate" {
		chain.TransportSocket = downstreamTLSTransportSocket(fc.TLS)
		chain.FilterChainMatch = &envoy_listener_v3.FilterChainMatch{}
	}

	return chain, nil
}

func httpConnectionManager(fc model.FilterChainConfig) (*hcm.HttpConnectionManager, error) {
	manager := &hcm.HttpConnectionManager{
		StatPrefix: "ingress_http",
		CodecType:  hcm.HttpConnectionManager_AUTO,
	}

	switch {
	case fc.InlineRoutes != nil:
		rc, err := inlineRouteConfiguration(fc.InlineRoutes)
		if err != nil {
			return nil, err
		}
		manager.RouteSpecifier = &hcm.HttpConnectionManager_RouteConfig{RouteConfig: rc}
	case fc.RouteConfigName != "":
		manager.RouteSpecifier = &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource:    ConfigSource(),
				RouteConfigName: fc.RouteConfigName,
			},
		}
	default:
		return nil, fmt.Errorf("filter chain has neither inline_routes nor route_config_name")
	}

	for _, f := range fc.HTTPFilters {
		httpFilter, err := httpFilter(f)
		if err != nil {
			return nil, err
		}
		manager.HttpFilters = append(manager.HttpFilters, httpFilter)
	}
	// Router is always appended last regardless of what the stored
	// configuration lists, enforcing invariant I5.
	manager.HttpFilters = append(manager.HttpFilters, routerFilter())

	for _, sink := range fc.AccessLogs {
		al, err := AccessLog(sink)
		if err != nil {
			return nil, err
		}
		manager.AccessLog = append(manager.AccessLog, al)
	}

	return manager, nil
}

// inlineRouteConfiguration builds an unnamed RouteConfiguration directly
// from a set of virtual hosts, used when a filter chain embeds its routes
// rather than referencing one by name over RDS.
func inlineRouteConfiguration(cfg *model.RouteConfig) (*envoy_route_v3.RouteConfiguration, error) {
	rc := &envoy_route_v3.RouteConfiguration{}
	for _, vh := range cfg.VirtualHosts {
		built, err := virtualHost(vh)
		if err != nil {
			return nil, err
		}
		rc.VirtualHosts = append(rc.VirtualHosts, built)
	}
	return rc, nil
}

// httpFilter translates a stored HTTPFilterConfig into an hcm.HttpFilter.
// Config is wrapped in an xds.type.v3.TypedStruct keyed by the filter's own
// name. No concrete typed_config proto is built for any filter type, here
// or in the C7 filter schema registry: the registry's Translate only
// validates and reshapes a config into the flat JSON object carried here,
// and Envoy's filter factory for that name interprets the TypedStruct.
func httpFilter(f model.HTTPFilterConfig) (*hcm.HttpFilter, error) {
	filter := &hcm.HttpFilter{Name: f.Name}
	if len(f.Config) == 0 {
		return filter, nil
	}
	s, err := structpb.NewStruct(f.Config)
	if err != nil {
		return nil, fmt.Errorf("http filter %q: %w", f.Name, err)
	}
	filter.ConfigType = &hcm.HttpFilter_TypedConfig{
		TypedConfig: protobuf.MustMarshalAny(&xdstype.TypedStruct{
			TypeUrl: f.Name,
			Value:   s,
		}),
	}
	return filter, nil
}

func routerFilter() *hcm.HttpFilter {
	return &hcm.HttpFilter{
		Name: wellknown.Router,
		ConfigType: &hcm.HttpFilter_TypedConfig{
			TypedConfig: protobuf.MustMarshalAny(&envoy_router_v3.Router{}),
		},
	}
}

func downstreamTLSTransportSocket(tls *model.TLSConfig) *envoy_core_v3.TransportSocket {
	ctx := &envoy_tls_v3.DownstreamTlsContext{
		CommonTlsContext: &envoy_tls_v3.CommonTlsContext{
			TlsCertificates: []*envoy_tls_v3.TlsCertificate{{
				CertificateChain: &envoy_core_v3.DataSource{
					Specifier: &envoy_core_v3.DataSource_Filename{Filename: tls.CertPath},
				},
				PrivateKey: &envoy_core_v3.DataSource{
					Specifier: &envoy_core_v3.DataSource_Filename{Filename: tls.KeyPath},
				},
			}},
		},
		RequireClientCertificate: protobuf.Bool(tls.RequireClientCert),
	}
	if tls.CAPath != "" {
		ctx.CommonTlsContext.ValidationContextType = &envoy_tls_v3.CommonTlsContext_ValidationContext{
			ValidationContext: &envoy_tls_v3.CertificateValidationContext{
				TrustedCa: &envoy_core_v3.DataSource{
					Specifier: &envoy_core_v3.DataSource_Filename{Filename: tls.CAPath},
				},
			},
		}
	}
	return &envoy_core_v3.TransportSocket{
		Name: "envoy.transport_sockets.tls",
		ConfigType: &envoy_core_v3.TransportSocket_TypedConfig{
			TypedConfig: protobuf.MustMarshalAny(ctx),
		},
	}
}
