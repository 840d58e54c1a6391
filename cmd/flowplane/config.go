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
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowplane/flowplane/internal/store"
)

// serveContext carries every flag/config-file value the serve subcommand
// needs, mirroring the teacher's own serveContext (cmd/contour/servecontext.go):
// exported fields round-trip through YAML, unexported ones are CLI-only.
type serveContext struct {
	Debug bool `yaml:"debug,omitempty"`

	// Database carries the store connection (C1).
	DBDriver string `yaml:"db-driver,omitempty"`
	DBDSN    string `yaml:"db-dsn,omitempty"`

	// xDS gRPC listener (C5).
	XDSAddress string `yaml:"xds-address,omitempty"`
	XDSPort    int    `yaml:"xds-port,omitempty"`

	// mTLS for the xDS listener. All three set or all three empty
	// (PermitInsecureGRPC governs the empty case).
	CAFile             string `yaml:"ca-file,omitempty"`
	CertFile           string `yaml:"cert-file,omitempty"`
	KeyFile            string `yaml:"key-file,omitempty"`
	PermitInsecureGRPC bool   `yaml:"insecure,omitempty"`

	// Access-log and ext_proc receivers (C8).
	AccessLogAddress  string `yaml:"accesslog-address,omitempty"`
	AccessLogPort     int    `yaml:"accesslog-port,omitempty"`
	ExtProcAddress    string `yaml:"extproc-address,omitempty"`
	ExtProcPort       int    `yaml:"extproc-port,omitempty"`
	LearningSweep     time.Duration `yaml:"learning-sweep-interval,omitempty"`

	// Filter schema registry directory (C7).
	FilterSchemaDir string `yaml:"filter-schema-dir,omitempty"`

	// Metrics HTTP endpoint.
	MetricsAddress string `yaml:"metrics-address,omitempty"`
	MetricsPort    int    `yaml:"metrics-port,omitempty"`
}

func newServeContext() *serveContext {
	return &serveContext{
		DBDriver:          string(store.DriverSQLite),
		XDSAddress:        "0.0.0.0",
		XDSPort:           18000,
		AccessLogAddress:  "0.0.0.0",
		AccessLogPort:     18001,
		ExtProcAddress:    "0.0.0.0",
		ExtProcPort:       18002,
		LearningSweep:     30 * time.Second,
		FilterSchemaDir:   "filterschemas",
		MetricsAddress:    "0.0.0.0",
		MetricsPort:       8002,
	}
}

// parseConfigFile loads path onto ctx, overlaying its zero-value defaults.
// Flags parsed after this action override anything the file sets, matching
// the teacher's "-c applies first, flags win" precedence (cmd/contour/serve.go
// registerServe's --config-path Action).
func (ctx *serveContext) parseConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(ctx); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects a serveContext that would fail at startup anyway,
// surfacing the error before any goroutine is started (the teacher's own
// "validate, then serve" ordering in cmd/contour/contour.go).
func (ctx *serveContext) Validate() error {
	if ctx.DBDSN == "" {
		return fmt.Errorf("db-dsn is required")
	}
	certSet := ctx.CertFile != "" || ctx.KeyFile != "" || ctx.CAFile != ""
	certComplete := ctx.CertFile != "" && ctx.KeyFile != "" && ctx.CAFile != ""
	if certSet && !certComplete {
		return fmt.Errorf("ca-file, cert-file and key-file must all be set, or none of them")
	}
	if !certComplete && !ctx.PermitInsecureGRPC {
		return fmt.Errorf("xDS gRPC requires TLS (ca-file/cert-file/key-file) unless --insecure is set")
	}
	return nil
}
