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
	"fmt"

	envoy_accesslog_v3 "github.com/envoyproxy/go-control-plane/envoy/config/accesslog/v3"
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_als_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/access_loggers/grpc/v3"
	envoy_file_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/access_loggers/file/v3"
	envoy_tracing_v3 "github.com/envoyproxy/go-control-plane/envoy/type/tracing/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/protobuf"
)

// accessLogServiceClusterName is the static cluster pointing at flowplane's
// access-log gRPC server (a listener separate from the xDS server);
// listeners that opt into the C8 learning subsystem's sampling route their
// access logs there via this sink.
const accessLogServiceClusterName = "flowplane_learning_als"

// AccessLog translates a stored AccessLogSinkConfig into an
// envoy_accesslog_v3.AccessLog. Two sink kinds are supported: "file" (plain
// file logging) and "learning_als" (gRPC AccessLogService back to
// flowplane, feeding C8's correlator).
func AccessLog(sink model.AccessLogSinkConfig) (*envoy_accesslog_v3.AccessLog, error) {
	switch sink.Name {
	case "file":
		path, _ := sink.Config["path"].(string)
		if path == "" {
			path = "/dev/stdout"
		}
		return &envoy_accesslog_v3.AccessLog{
			Name: wellknown.FileAccessLog,
			ConfigType: &envoy_accesslog_v3.AccessLog_TypedConfig{
				TypedConfig: protobuf.MustMarshalAny(&envoy_file_v3.FileAccessLog{Path: path}),
			},
		}, nil
	case "learning_als":
		return &envoy_accesslog_v3.AccessLog{
			Name: "envoy.access_loggers.http_grpc",
			ConfigType: &envoy_accesslog_v3.AccessLog_TypedConfig{
				TypedConfig: protobuf.MustMarshalAny(&envoy_als_v3.HttpGrpcAccessLogConfig{
					CommonConfig: &envoy_als_v3.CommonGrpcAccessLogConfig{
						LogName: "flowplane-learning",
						GrpcService: &envoy_core_v3.GrpcService{
							TargetSpecifier: &envoy_core_v3.GrpcService_EnvoyGrpc_{
								EnvoyGrpc: &envoy_core_v3.GrpcService_EnvoyGrpc{
									ClusterName: accessLogServiceClusterName,
								},
							},
						},
						TransportApiVersion: envoy_core_v3.ApiVersion_V3,
						// carries x-request-id into the entry's custom tags,
						// the key the learning correlator pairs captures by.
						CustomTags: []*envoy_tracing_v3.CustomTag{{
							Tag: "x-request-id",
							Type: &envoy_tracing_v3.CustomTag_RequestHeader{
								RequestHeader: &envoy_tracing_v3.CustomTag_Header{Name: "x-request-id"},
							},
						}},
					},
				}),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown access log sink %q", sink.Name)
	}
}
