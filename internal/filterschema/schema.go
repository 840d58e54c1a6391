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

// Package filterschema implements C7: a registry of filter type descriptors
// loaded from embedded built-in documents plus an optional hot-reloaded
// on-disk directory. It validates a Filter's config JSON against the
// descriptor's config_schema and translates the validated config into the
// model.HTTPFilterConfig C2/C3 encode into Envoy's wire format.
package filterschema

// Schema is one filter type descriptor (spec.md §4.7).
type Schema struct {
	Name          string       `yaml:"name" json:"name"`
	DisplayName   string       `yaml:"display_name" json:"display_name"`
	Description   string       `yaml:"description" json:"description"`
	Envoy         EnvoyInfo    `yaml:"envoy" json:"envoy"`
	Capabilities  Capabilities `yaml:"capabilities" json:"capabilities"`
	ConfigSchema  map[string]any `yaml:"config_schema" json:"config_schema"`
	PerRouteConfigSchema map[string]any `yaml:"per_route_config_schema,omitempty" json:"per_route_config_schema,omitempty"`
	UIHints       map[string]any `yaml:"ui_hints,omitempty" json:"ui_hints,omitempty"`
	IsImplemented bool         `yaml:"is_implemented" json:"is_implemented"`

	// builtin records whether this descriptor came from the embedded set.
	// Reload's custom-directory shadow check looks names up in the
	// registry's builtin map, not in this field.
	builtin bool
}

// EnvoyInfo names the wire-level identifiers a descriptor compiles to.
type EnvoyInfo struct {
	HTTPFilterName   string `yaml:"http_filter_name" json:"http_filter_name"`
	TypeURL          string `yaml:"type_url" json:"type_url"`
	PerRouteTypeURL  string `yaml:"per_route_type_url,omitempty" json:"per_route_type_url,omitempty"`
}

// Capabilities describes where and how a filter type may attach.
type Capabilities struct {
	AttachmentPoints       []string `yaml:"attachment_points" json:"attachment_points"`
	RequiresListenerConfig bool     `yaml:"requires_listener_config" json:"requires_listener_config"`
	PerRouteBehavior       string   `yaml:"per_route_behavior,omitempty" json:"per_route_behavior,omitempty"`
}
