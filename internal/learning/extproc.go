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
	"io"

	ext_proc_v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// maxCaptureBytes is the per-direction body buffer cap (spec.md §4.8: "up
// to 10 KiB, truncate-with-flag beyond").
const maxCaptureBytes = 10 * 1024

// ExternalProcessorService is the C8 ext-proc bidi stream. It only acts on
// the request/response body phases; every other phase (headers, trailers)
// is passed through untouched. It always fails open: any internal error
// still yields CONTINUE so a learning session can never stall traffic.
type ExternalProcessorService struct {
	ext_proc_v3.UnimplementedExternalProcessorServer

	sup *Supervisor
	log logrus.FieldLogger
}

// NewExternalProcessorService returns a receiver dispatching captures
// against sup's correlator.
func NewExternalProcessorService(sup *Supervisor, log logrus.FieldLogger) *ExternalProcessorService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExternalProcessorService{sup: sup, log: log}
}

// Register wires the service onto g.
func (e *ExternalProcessorService) Register(g *grpc.Server) {
	ext_proc_v3.RegisterExternalProcessorServer(g, e)
}

// streamState tracks one request's accumulated bodies across the
// potentially-chunked ProcessingRequest sequence ext-proc delivers.
type streamState struct {
	sessionID    string
	requestID    string
	method       string
	path         string
	matched      bool
	reqBody      []byte
	reqTruncated bool
	respBody     []byte
	respTruncated bool
}

// Process implements the ext-proc protocol's single bidi RPC.
func (e *ExternalProcessorService) Process(srv ext_proc_v3.ExternalProcessor_ProcessServer) error {
	st := &streamState{}
	for {
		req, err := srv.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		resp := e.handle(st, req)
		if err := srv.Send(resp); err != nil {
			return err
		}
	}
}

// handle never returns an error: every branch that could fail instead logs
// and responds CONTINUE, per the fail-open contract.
func (e *ExternalProcessorService) handle(st *streamState, req *ext_proc_v3.ProcessingRequest) *ext_proc_v3.ProcessingResponse {
	switch {
	case req.GetRequestHeaders() != nil:
		e.onRequestHeaders(st, req.GetRequestHeaders())
		return continueResponse(requestHeadersPhase)

	case req.GetRequestBody() != nil:
		body := req.GetRequestBody()
		if st.matched {
			st.reqBody, st.reqTruncated = appendCapped(st.reqBody, body.GetBody(), st.reqTruncated)
			if body.GetEndOfStream() {
				e.emit(st, true, false)
			}
		}
		return continueResponse(requestBodyPhase)

	case req.GetResponseHeaders() != nil:
		return continueResponse(responseHeadersPhase)

	case req.GetResponseBody() != nil:
		body := req.GetResponseBody()
		if st.matched {
			st.respBody, st.respTruncated = appendCapped(st.respBody, body.GetBody(), st.respTruncated)
			if body.GetEndOfStream() {
				e.emit(st, false, true)
			}
		}
		return continueResponse(responseBodyPhase)

	default:
		return continueResponse(requestHeadersPhase)
	}
}

func (e *ExternalProcessorService) onRequestHeaders(st *streamState, headers *ext_proc_v3.HttpHeaders) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("recovered panic decoding ext-proc request headers")
		}
	}()
	var method, path, requestID string
	for _, h := range headers.GetHeaders().GetHeaders() {
		switch h.GetKey() {
		case ":method":
			method = h.GetValue()
		case ":path":
			path = h.GetValue()
		case "x-request-id":
			requestID = h.GetValue()
		}
	}
	st.method, st.path = method, path
	st.requestID = requestID
	if sessionID, ok := e.sup.Match(method, path); ok {
		st.matched = true
		st.sessionID = sessionID
	}
}

func (e *ExternalProcessorService) emit(st *streamState, request, response bool) {
	if st.sessionID == "" || st.requestID == "" {
		return
	}
	captured := CapturedBody{
		SessionID:   st.sessionID,
		RequestID:   st.requestID,
		Method:      st.method,
		PathPattern: st.path,
	}
	if request {
		captured.RequestBody, captured.RequestTruncated = st.reqBody, st.reqTruncated
	}
	if response {
		captured.ResponseBody, captured.ResponseTruncated = st.respBody, st.respTruncated
	}
	e.sup.Correlator().Submit(st.sessionID, st.requestID, captured)
}

// appendCapped grows buf by chunk up to maxCaptureBytes, setting truncated
// once the cap is hit; further chunks after truncation are dropped (the
// boundary doesn't need to be byte-exact for schema inference's purposes).
func appendCapped(buf, chunk []byte, truncated bool) ([]byte, bool) {
	if truncated {
		return buf, true
	}
	if len(buf)+len(chunk) > maxCaptureBytes {
		remaining := maxCaptureBytes - len(buf)
		if remaining > 0 {
			buf = append(buf, chunk[:remaining]...)
		}
		return buf, true
	}
	return append(buf, chunk...), false
}

type phase int

const (
	requestHeadersPhase phase = iota
	requestBodyPhase
	responseHeadersPhase
	responseBodyPhase
)

func continueResponse(p phase) *ext_proc_v3.ProcessingResponse {
	common := &ext_proc_v3.CommonResponse{Status: ext_proc_v3.CommonResponse_CONTINUE}
	switch p {
	case requestHeadersPhase:
		return &ext_proc_v3.ProcessingResponse{
			Response: &ext_proc_v3.ProcessingResponse_RequestHeaders{
				RequestHeaders: &ext_proc_v3.HeadersResponse{Response: common},
			},
		}
	case requestBodyPhase:
		return &ext_proc_v3.ProcessingResponse{
			Response: &ext_proc_v3.ProcessingResponse_RequestBody{
				RequestBody: &ext_proc_v3.BodyResponse{Response: common},
			},
		}
	case responseHeadersPhase:
		return &ext_proc_v3.ProcessingResponse{
			Response: &ext_proc_v3.ProcessingResponse_ResponseHeaders{
				ResponseHeaders: &ext_proc_v3.HeadersResponse{Response: common},
			},
		}
	default:
		return &ext_proc_v3.ProcessingResponse{
			Response: &ext_proc_v3.ProcessingResponse_ResponseBody{
				ResponseBody: &ext_proc_v3.BodyResponse{Response: common},
			},
		}
	}
}
