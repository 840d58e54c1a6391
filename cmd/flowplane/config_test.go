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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServeContextDefaults(t *testing.T) {
	ctx := newServeContext()

	assert.Equal(t, "sqlite", ctx.DBDriver)
	assert.Equal(t, "0.0.0.0", ctx.XDSAddress)
	assert.Equal(t, 18000, ctx.XDSPort)
	assert.Equal(t, 30*time.Second, ctx.LearningSweep)
	assert.Equal(t, "filterschemas", ctx.FilterSchemaDir)
}

func TestParseConfigFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db-dsn: "postgres://localhost/flowplane"
xds-port: 19000
debug: true
`), 0o644))

	ctx := newServeContext()
	require.NoError(t, ctx.parseConfigFile(path))

	assert.Equal(t, "postgres://localhost/flowplane", ctx.DBDSN)
	assert.Equal(t, 19000, ctx.XDSPort)
	assert.True(t, ctx.Debug)
	// Fields the file didn't mention keep their defaults.
	assert.Equal(t, "0.0.0.0", ctx.XDSAddress)
}

func TestParseConfigFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not-a-real-field: true\n"), 0o644))

	ctx := newServeContext()
	assert.Error(t, ctx.parseConfigFile(path))
}

func TestParseConfigFileMissingFile(t *testing.T) {
	ctx := newServeContext()
	assert.Error(t, ctx.parseConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")))
}

func TestServeContextValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*serveContext)
		wantErr bool
	}{
		"missing dsn": {
			mutate:  func(ctx *serveContext) { ctx.DBDSN = "" },
			wantErr: true,
		},
		"insecure without dsn fails on dsn first": {
			mutate: func(ctx *serveContext) {
				ctx.DBDSN = ""
				ctx.PermitInsecureGRPC = true
			},
			wantErr: true,
		},
		"no tls and not insecure": {
			mutate: func(ctx *serveContext) {
				ctx.DBDSN = "postgres://localhost/flowplane"
			},
			wantErr: true,
		},
		"insecure is allowed without certs": {
			mutate: func(ctx *serveContext) {
				ctx.DBDSN = "postgres://localhost/flowplane"
				ctx.PermitInsecureGRPC = true
			},
			wantErr: false,
		},
		"partial cert triple rejected": {
			mutate: func(ctx *serveContext) {
				ctx.DBDSN = "postgres://localhost/flowplane"
				ctx.CertFile = "cert.pem"
			},
			wantErr: true,
		},
		"complete cert triple accepted": {
			mutate: func(ctx *serveContext) {
				ctx.DBDSN = "postgres://localhost/flowplane"
				ctx.CertFile = "cert.pem"
				ctx.KeyFile = "key.pem"
				ctx.CAFile = "ca.pem"
			},
			wantErr: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := newServeContext()
			tc.mutate(ctx)

			err := ctx.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
