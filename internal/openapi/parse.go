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

package openapi

import (
	"bytes"
	"context"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/flowplane/flowplane/internal/flowerrors"
)

// detectFormat names the document's encoding for logging/diagnostics (spec.md
// §4.9: "selected by Content-Type and fallback sniff"). kin-openapi's loader
// accepts both JSON and YAML bytes regardless of which this returns, since
// JSON is valid YAML; the sniff never gates parsing, and neither parse
// errors nor the import record carry its result.
func detectFormat(contentType string, raw []byte) string {
	switch {
	case strings.Contains(strings.ToLower(contentType), "json"):
		return "json"
	case strings.Contains(strings.ToLower(contentType), "yaml"), strings.Contains(strings.ToLower(contentType), "yml"):
		return "yaml"
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "json"
	}
	return "yaml"
}

// parseDocument loads and validates an OpenAPI 3 document from raw bytes.
func parseDocument(ctx context.Context, contentType string, raw []byte) (*openapi3.T, string, error) {
	format := detectFormat(contentType, raw)

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, format, flowerrors.Wrap(flowerrors.InvalidConfig, "parsing OpenAPI document", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, format, flowerrors.Wrap(flowerrors.InvalidConfig, "validating OpenAPI document", err)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, format, flowerrors.New(flowerrors.InvalidConfig, "OpenAPI document declares no paths")
	}
	return doc, format, nil
}
