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

package learning

import (
	"context"

	accesslog_v3 "github.com/envoyproxy/go-control-plane/envoy/data/accesslog/v3"
	als_v3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// AccessLogService is the C8 gRPC receiver for Envoy's
// StreamAccessLogsMessage (spec.md §4.8). For each HTTP log entry it
// checks pattern+method against the active session snapshot and, on a
// match, bumps that session's sample count and hands the request id +
// path to the Supervisor's correlator so the ext-proc-captured body can
// be matched to it.
type AccessLogService struct {
	als_v3.UnimplementedAccessLogServiceServer

	sup *Supervisor
	log logrus.FieldLogger
}

// NewAccessLogService returns a receiver dispatching matches against sup.
func NewAccessLogService(sup *Supervisor, log logrus.FieldLogger) *AccessLogService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AccessLogService{sup: sup, log: log}
}

// Register wires the service onto g.
func (a *AccessLogService) Register(g *grpc.Server) {
	als_v3.RegisterAccessLogServiceServer(g, a)
}

// StreamAccessLogs implements the ALS bidi stream. Flowplane never talks
// back on this stream; it only consumes.
func (a *AccessLogService) StreamAccessLogs(srv als_v3.AccessLogService_StreamAccessLogsServer) error {
	ctx := srv.Context()
	for {
		msg, err := srv.Recv()
		if err != nil {
			return err
		}
		httpLogs := msg.GetHttpLogs()
		if httpLogs == nil {
			continue
		}
		for _, entry := range httpLogs.LogEntry {
			a.handleEntry(ctx, entry)
		}
	}
}

func (a *AccessLogService) handleEntry(ctx context.Context, entry *accesslog_v3.HTTPAccessLogEntry) {
	req := entry.GetRequest()
	if req == nil {
		return
	}
	path := req.GetPath()
	method := req.GetRequestMethod().String()
	requestID := requestIDTag(entry)

	sessionID, ok := a.sup.Match(method, path)
	if !ok {
		return
	}
	a.sup.RecordMatch(ctx, sessionID)
	if requestID != "" {
		a.sup.Correlator().Submit(sessionID, requestID, CapturedBody{
			SessionID:   sessionID,
			RequestID:   requestID,
			Method:      method,
			PathPattern: path,
		})
	}
}

// requestIDTag reads x-request-id out of the entry's custom tags. Envoy
// only populates CustomTags when the access log format config declares a
// request-header custom tag for it; the "learning_als" sink that this
// package's taps attach (see taps.go) is translated by envoyconfig.AccessLog
// with exactly that tag.
func requestIDTag(entry *accesslog_v3.HTTPAccessLogEntry) string {
	common := entry.GetCommonProperties()
	if common == nil {
		return ""
	}
	return common.GetCustomTags()["x-request-id"]
}
