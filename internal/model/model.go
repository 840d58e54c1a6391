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

// Package model holds the authoritative domain DTOs for Flowplane's
// configuration data. These are the row shapes stored and loaded by
// internal/store, encoded into protobuf by internal/envoyconfig, and compiled by
// internal/platformapi and internal/openapi.
package model

import "time"

// Source records who produced a Cluster/Route/Listener row.
type Source string

const (
	SourceNative     Source = "native"
	SourcePlatformAPI Source = "platform_api"
	SourceOpenAPI    Source = "openapi"
)

// DefaultGatewayListenerName is the well-known shared listener name. Per
// invariant I8 it can never be deleted.
const DefaultGatewayListenerName = "default-gateway-listener"

// Cluster represents an upstream pool (spec.md §3 Cluster).
type Cluster struct {
	ID            string
	Name          string
	Team          string
	ServiceName   string
	Configuration []byte // JSON-encoded ClusterConfig
	Version       int
	Source        Source
	ImportID      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClusterConfig is the JSON shape stored in Cluster.Configuration.
type ClusterConfig struct {
	Endpoint           string        `json:"endpoint"`
	Weight             uint32        `json:"weight,omitempty"`
	ConnectTimeoutMS   int64         `json:"connect_timeout_ms,omitempty"`
	HealthCheckPath    string        `json:"health_check_path,omitempty"`
	TLS                bool          `json:"tls,omitempty"`
	SNI                string        `json:"sni,omitempty"`
	DNSLookupFamily    string        `json:"dns_lookup_family,omitempty"`
	LoadBalancerPolicy string        `json:"load_balancer_policy,omitempty"`
	CircuitBreakers    *CircuitBreak `json:"circuit_breakers,omitempty"`
}

// CircuitBreak mirrors the Envoy circuit-breaker threshold fields.
type CircuitBreak struct {
	MaxConnections     uint32 `json:"max_connections,omitempty"`
	MaxPendingRequests uint32 `json:"max_pending_requests,omitempty"`
	MaxRequests        uint32 `json:"max_requests,omitempty"`
	MaxRetries         uint32 `json:"max_retries,omitempty"`
}

// Route is a route-config row (spec.md §3 Route).
type Route struct {
	ID            string
	Name          string
	PathPrefix    string
	ClusterName   string
	Configuration []byte // JSON-encoded RouteConfig
	Team          string
	ImportID      *string
	RouteOrder    int
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RouteConfig is the JSON shape of Route.Configuration: a full RDS
// RouteConfiguration expressed as virtual hosts.
type RouteConfig struct {
	VirtualHosts []VirtualHost `json:"virtual_hosts"`
}

// VirtualHost is one domain's set of route rules.
type VirtualHost struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
	Routes  []RouteRule `json:"routes"`
}

// RouteRule is a single match→action rule.
type RouteRule struct {
	MatchType      string            `json:"match_type"` // "prefix"|"path"|"regex"
	MatchValue     string            `json:"match_value"`
	CaseSensitive  bool              `json:"case_sensitive"`
	Headers        map[string]string `json:"headers,omitempty"`
	RewritePrefix  string            `json:"rewrite_prefix,omitempty"`
	RewriteHost    string            `json:"rewrite_host,omitempty"`
	TimeoutSeconds int               `json:"timeout_s,omitempty"`
	WeightedClusters []WeightedCluster `json:"weighted_clusters"`
}

// WeightedCluster is one upstream target of a RouteRule.
type WeightedCluster struct {
	ClusterName string `json:"cluster_name"`
	Weight      uint32 `json:"weight"`
}

// Listener is a listener row (spec.md §3 Listener).
type Listener struct {
	ID                string
	Name              string
	Address           string
	Port              int
	Protocol          string
	Configuration     []byte // JSON-encoded ListenerConfig
	Team              string
	ImportID          *string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ListenerConfig is the JSON shape of Listener.Configuration.
type ListenerConfig struct {
	FilterChains []FilterChainConfig `json:"filter_chains"`
}

// FilterChainConfig holds one HCM's configuration.
type FilterChainConfig struct {
	RouteConfigName string              `json:"route_config_name,omitempty"`
	InlineRoutes    *RouteConfig        `json:"inline_routes,omitempty"`
	HTTPFilters     []HTTPFilterConfig  `json:"http_filters"`
	AccessLogs      []AccessLogSinkConfig `json:"access_logs,omitempty"`
	TLS             *TLSConfig          `json:"tls,omitempty"`
}

// HTTPFilterConfig is one entry of an HCM's http_filters list.
type HTTPFilterConfig struct {
	Name   string          `json:"name"`
	Config map[string]any  `json:"config,omitempty"`
}

// AccessLogSinkConfig describes one access-log sink attached to a listener.
type AccessLogSinkConfig struct {
	Name    string         `json:"name"`
	Config  map[string]any `json:"config,omitempty"`
}

// TLSConfig describes listener-side TLS termination.
type TLSConfig struct {
	Mode           string `json:"mode"` // "terminate"|"passthrough"
	CertPath       string `json:"cert_path,omitempty"`
	KeyPath        string `json:"key_path,omitempty"`
	CAPath         string `json:"ca_path,omitempty"`
	RequireClientCert bool `json:"require_client_cert,omitempty"`
}

// Filter is a reusable filter template (spec.md §3 Filter).
type Filter struct {
	ID          string
	Name        string
	Team        string
	FilterType  string
	Config      []byte // JSON
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttachmentParent identifies what a FilterAttachment hangs off of.
type AttachmentParent string

const (
	AttachToRoute    AttachmentParent = "route_config"
	AttachToListener AttachmentParent = "listener"
)

// FilterAttachment is the polymorphic edge of spec.md §3.
type FilterAttachment struct {
	ID             string
	FilterID       string
	ParentType     AttachmentParent
	ParentID       string
	OrderIndex     int
	OverrideConfig []byte // JSON, optional per-route override
	CreatedAt      time.Time
}

// APIDefinition is the Platform API's top-level entity.
type APIDefinition struct {
	ID                 string
	Team               string
	Domain             string
	ListenerIsolation  bool
	TargetListeners    []string
	GeneratedListenerID *string
	TLSConfig          []byte // JSON, optional
	// ImportID is set when an OpenAPI import (C9) owns this definition,
	// nil for one created directly through the Platform API.
	ImportID           *string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// APIRoute is a child rule of an APIDefinition.
type APIRoute struct {
	ID                 string
	APIDefinitionID    string
	MatchType          string
	MatchValue         string
	CaseSensitive      bool
	Headers            map[string]string
	RewritePrefix      string
	RewriteHost        string
	UpstreamTargets    []UpstreamTarget
	TimeoutSeconds      *int
	OverrideConfig     []byte
	RouteOrder         int
	GeneratedRouteID   *string
	GeneratedClusterIDs []string
}

// UpstreamTarget is one weighted upstream named in an APIRoute spec.
type UpstreamTarget struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Weight   uint32 `json:"weight"`
}

// ImportMetadata tracks one OpenAPI import.
type ImportMetadata struct {
	ID           string
	SpecName     string
	SpecVersion  string
	SpecChecksum string
	Team         string
	ImportedAt   time.Time
	UpdatedAt    time.Time
}

// ClusterReference reference-counts a Cluster shared across imports (I4).
type ClusterReference struct {
	ClusterID string
	ImportID  string
	Refcount  int
}

// Team is a tenant boundary.
type Team struct {
	ID          string
	Name        string
	OrgID       *string
	DisplayName string
}

// Org groups teams for cross-org visibility rules (I6).
type Org struct {
	ID   string
	Name string
}

// LearningSessionStatus is the C8 session state machine's state (I7).
type LearningSessionStatus string

const (
	SessionPending    LearningSessionStatus = "pending"
	SessionActive     LearningSessionStatus = "active"
	SessionCompleting LearningSessionStatus = "completing"
	SessionCompleted  LearningSessionStatus = "completed"
	SessionFailed     LearningSessionStatus = "failed"
)

// LearningSession is a bounded sampling window over a route pattern.
type LearningSession struct {
	ID                 string
	Team               string
	RoutePattern       string
	HTTPMethods        []string
	Status             LearningSessionStatus
	TargetSampleCount  int
	CurrentSampleCount int
	StartedAt          *time.Time
	EndsAt             *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
}

// InferredSchema is one aggregated schema produced by a completed session.
type InferredSchema struct {
	ID              string
	SessionID       string
	Method          string
	PathPattern     string
	RequestSchema   []byte // JSON-Schema
	ResponseSchema  []byte // JSON-Schema
	SampleCount     int
	CreatedAt       time.Time
}

// BuiltResource is a cached, encoded xDS resource (spec.md §3, not persisted).
type BuiltResource struct {
	TypeURL string
	Name    string
	Version string
	Value   []byte
	Team    string // empty means globally shared (e.g. default gateway listener)
}
