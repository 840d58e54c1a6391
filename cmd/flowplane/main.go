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

// Command flowplane is the control-plane binary: it serves xDS and the
// learning-subsystem collector RPCs (serve), renders an Envoy bootstrap
// configuration for a gateway (bootstrap), and validates filter schemas
// against the checked-in registry without starting any server
// (schema reload-check). Generalized from the teacher's cmd/contour
// dispatch switch in contour.go, stripped of every Kubernetes-specific
// subcommand (envoy shutdown-manager, certgen, cli watch streams,
// leader election) since flowplane has no CRDs and no in-cluster identity
// to elect over.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/flowplane/flowplane/internal/build"
)

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("flowplane", "Flowplane multi-tenant Envoy control plane.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	bootstrap, bootstrapCtx := registerBootstrap(app)

	schema := app.Command("schema", "Sub-commands for the filter schema registry.")
	reloadCheck, reloadCheckCtx := registerSchemaReloadCheck(schema)

	version := app.Command("version", "Build information for flowplane.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case serve.FullCommand():
		// Parse args a second time so cli flags are applied on top of
		// any values sourced from -c's config file.
		kingpin.MustParse(app.Parse(args))

		if serveCtx.Debug {
			log.SetLevel(logrus.DebugLevel)
		}
		if err := serveCtx.Validate(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		if err := doServe(log, serveCtx); err != nil {
			log.WithError(err).Fatal("flowplane server failed")
		}
	case bootstrap.FullCommand():
		if err := doBootstrap(bootstrapCtx); err != nil {
			log.WithError(err).Fatal("failed to write bootstrap configuration")
		}
	case reloadCheck.FullCommand():
		if err := doSchemaReloadCheck(log, reloadCheckCtx); err != nil {
			log.WithError(err).Fatal("schema reload check failed")
		}
	case version.FullCommand():
		println(build.PrintBuildInfo())
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
