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

package main

import (
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/flowplane/flowplane/internal/bootstrapgen"
)

// registerBootstrap registers the bootstrap subcommand, which renders one
// gateway's Envoy bootstrap JSON to stdout or a file. Mirrors
// cmd/contour/bootstrap.go's registerBootstrap, trading Contour's
// envoy.BootstrapConfig (Kubernetes namespace, SDS resource directory,
// separate Lds/Cds config) for bootstrapgen.Config (single ADS cluster,
// flat file-path mTLS).
func registerBootstrap(app *kingpin.Application) (*kingpin.CmdClause, *bootstrapgen.Config) {
	cfg := &bootstrapgen.Config{}

	bootstrap := app.Command("bootstrap", "Generate an Envoy bootstrap configuration for a gateway.")

	bootstrap.Flag("output", "Path to write the bootstrap JSON (default: stdout).").
		Short('o').StringVar(&cfg.OutputPath)

	bootstrap.Flag("node-id", "Node ID this Envoy identifies itself with.").Required().StringVar(&cfg.NodeID)
	bootstrap.Flag("node-cluster", "Node cluster this Envoy identifies itself with.").StringVar(&cfg.NodeCluster)
	bootstrap.Flag("gateway-host", "Hostname carried in node.metadata.gateway_host.").StringVar(&cfg.GatewayHost)

	bootstrap.Flag("xds-address", "flowplane xDS gRPC address.").Required().StringVar(&cfg.XDSAddress)
	bootstrap.Flag("xds-port", "flowplane xDS gRPC port.").Required().IntVar(&cfg.XDSPort)
	bootstrap.Flag("dns-lookup-family", "DNS lookup family for the xDS cluster (auto, v4, v6).").StringVar(&cfg.DNSLookupFamily)

	bootstrap.Flag("admin-address", "Envoy admin interface address.").Default("127.0.0.1").StringVar(&cfg.AdminAddress)
	bootstrap.Flag("admin-port", "Envoy admin interface port.").Default("19000").IntVar(&cfg.AdminPort)

	bootstrap.Flag("client-cert", "Client certificate for authenticating to flowplane's xDS service.").StringVar(&cfg.ClientCertPath)
	bootstrap.Flag("client-key", "Client private key for authenticating to flowplane's xDS service.").StringVar(&cfg.ClientKeyPath)
	bootstrap.Flag("client-ca", "CA bundle for validating flowplane's server certificate.").StringVar(&cfg.ClientCAPath)

	return bootstrap, cfg
}

func doBootstrap(cfg *bootstrapgen.Config) error {
	b, err := bootstrapgen.Build(cfg)
	if err != nil {
		return fmt.Errorf("building bootstrap: %w", err)
	}

	out, err := protojson.MarshalOptions{Indent: "  "}.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling bootstrap: %w", err)
	}

	if cfg.OutputPath == "" {
		_, err := os.Stdout.Write(append(out, '\n'))
		return err
	}
	return os.WriteFile(cfg.OutputPath, out, 0o644)
}
