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

package bootstrapgen

import (
	"testing"

	envoy_cluster_v3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		NodeID:       "gateway-1",
		NodeCluster:  "team-payments",
		GatewayHost:  "payments.internal",
		XDSAddress:   "flowplane.internal",
		XDSPort:      18000,
		AdminAddress: "127.0.0.1",
		AdminPort:    19000,
	}
}

func TestBuildPopulatesADSDynamicResources(t *testing.T) {
	b, err := Build(validConfig())
	require.NoError(t, err)

	ads := b.GetDynamicResources().GetAdsConfig()
	require.NotNil(t, ads)
	assert.Equal(t, envoy_core_v3.ApiConfigSource_GRPC, ads.GetApiConfigSource().GetApiType())

	grpcServices := ads.GetApiConfigSource().GetGrpcServices()
	require.Len(t, grpcServices, 1)
	assert.Equal(t, xdsClusterName, grpcServices[0].GetEnvoyGrpc().GetClusterName())
}

func TestBuildStaticClusterUsesStrictDNS(t *testing.T) {
	b, err := Build(validConfig())
	require.NoError(t, err)

	require.Len(t, b.GetStaticResources().GetClusters(), 1)
	cluster := b.GetStaticResources().GetClusters()[0]
	assert.Equal(t, xdsClusterName, cluster.Name)
	assert.Equal(t, envoy_cluster_v3.Cluster_STRICT_DNS, cluster.GetType())
	assert.Nil(t, cluster.TransportSocket)
}

func TestBuildStaticClusterIsStaticForLiteralIP(t *testing.T) {
	cfg := validConfig()
	cfg.XDSAddress = "10.0.0.5"

	b, err := Build(cfg)
	require.NoError(t, err)

	cluster := b.GetStaticResources().GetClusters()[0]
	assert.Equal(t, envoy_cluster_v3.Cluster_STATIC, cluster.GetType())
}

func TestBuildNodeMetadataCarriesGatewayHost(t *testing.T) {
	b, err := Build(validConfig())
	require.NoError(t, err)

	assert.Equal(t, "gateway-1", b.GetNode().GetId())
	assert.Equal(t, "team-payments", b.GetNode().GetCluster())
	assert.Equal(t, "payments.internal", b.GetNode().GetMetadata().GetFields()["gateway_host"].GetStringValue())
}

func TestBuildAddsClientTLSTransportSocketWhenCertsSet(t *testing.T) {
	cfg := validConfig()
	cfg.ClientCertPath = "/certs/tls.crt"
	cfg.ClientKeyPath = "/certs/tls.key"
	cfg.ClientCAPath = "/certs/ca.crt"

	b, err := Build(cfg)
	require.NoError(t, err)

	ts := b.GetStaticResources().GetClusters()[0].GetTransportSocket()
	require.NotNil(t, ts)
	assert.Equal(t, "envoy.transport_sockets.tls", ts.Name)
}

func TestBuildRejectsPartialClientTLSConfig(t *testing.T) {
	cfg := validConfig()
	cfg.ClientCertPath = "/certs/tls.crt"

	_, err := Build(cfg)
	assert.Error(t, err)
}

func TestBuildRejectsMissingNodeID(t *testing.T) {
	cfg := validConfig()
	cfg.NodeID = ""

	_, err := Build(cfg)
	assert.Error(t, err)
}

func TestBuildRejectsMissingXDSAddress(t *testing.T) {
	cfg := validConfig()
	cfg.XDSAddress = ""

	_, err := Build(cfg)
	assert.Error(t, err)
}
