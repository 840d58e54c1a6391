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

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/flowplane/flowplane/internal/filterschema"
)

// schemaReloadCheckContext carries the one flag reload-check needs.
type schemaReloadCheckContext struct {
	Dir string
}

// registerSchemaReloadCheck registers "schema reload-check", a subcommand
// that loads the built-in schemas plus a custom directory without starting
// a server (spec.md §4.7). A custom file that fails to read, parse or
// compile is logged as a warning and skipped; it does not make the command
// exit non-zero.
func registerSchemaReloadCheck(schema *kingpin.CmdClause) (*kingpin.CmdClause, *schemaReloadCheckContext) {
	ctx := &schemaReloadCheckContext{}
	cmd := schema.Command("reload-check", "Validate a custom filter schema directory without starting a server.")
	cmd.Arg("dir", "Directory of custom filter type schemas.").Required().StringVar(&ctx.Dir)
	return cmd, ctx
}

func doSchemaReloadCheck(log *logrus.Logger, ctx *schemaReloadCheckContext) error {
	registry, err := filterschema.New(ctx.Dir, log.WithField("context", "filterschema"))
	if err != nil {
		return fmt.Errorf("loading filter schemas: %w", err)
	}
	if err := registry.Reload(); err != nil {
		return fmt.Errorf("reloading %s: %w", ctx.Dir, err)
	}
	log.WithField("dir", ctx.Dir).Info("filter schema directory is valid")
	return nil
}
