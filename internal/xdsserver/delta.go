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

package xdsserver

import (
	"context"
	"strconv"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_service_discovery_v3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"

	"github.com/flowplane/flowplane/internal/protobuf"
	"github.com/flowplane/flowplane/internal/xdscache"
)

// deltaStream is the subset of every generated Delta<Type>Server the
// dispatch loop needs.
type deltaStream interface {
	Context() context.Context
	Send(*envoy_service_discovery_v3.DeltaDiscoveryResponse) error
	Recv() (*envoy_service_discovery_v3.DeltaDiscoveryRequest, error)
}

// deltaState tracks, per type URL, which resource names + versions were
// last sent to this stream (seeded from the client's initial resource
// versions), whether or not they were acknowledged, so the next push can compute the
// minimal added/removed set instead of resending everything (the point of
// the Delta variant of the protocol over SOTW).
type deltaState struct {
	sent map[string]string // name -> version
}

func newDeltaState() *deltaState { return &deltaState{sent: make(map[string]string)} }

func (s *Server) streamDelta(typeURL string, srv deltaStream) error {
	ctx := srv.Context()
	reqs, errs := recvDeltaLoop(srv)
	watch := s.cache.Watch()

	var node *envoy_core_v3.Node
	predicate := xdscache.ForTeam("")
	state := newDeltaState()
	nonce := 0

	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return <-errs
			}
			if req.Node != nil {
				node = req.Node
				predicate = predicateFor(ctx, node)
			}
			if req.ErrorDetail != nil {
				s.log.WithField("type_url", typeURL).WithField("nonce", req.ResponseNonce).
					Warnf("NACK from envoy: %s", req.ErrorDetail.GetMessage())
				if s.metrics != nil {
					s.metrics.IncNack(typeURL)
				}
			}
			for name, version := range req.InitialResourceVersions {
				state.sent[name] = version
			}
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		}

		resp, changed, err := deltaResponse(typeURL, s.cache.Snapshot(typeURL, predicate), state, nonce)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := srv.Send(resp); err != nil {
			return err
		}
		nonce++
	}
}

func (s *Server) deltaAggregated(srv deltaStream) error {
	ctx := srv.Context()
	reqs, errs := recvDeltaLoop(srv)
	watch := s.cache.Watch()

	var node *envoy_core_v3.Node
	predicate := xdscache.ForTeam("")
	states := make(map[string]*deltaState, len(adsTypeURLs))
	nonces := make(map[string]int, len(adsTypeURLs))
	for _, t := range adsTypeURLs {
		states[t] = newDeltaState()
	}

	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return <-errs
			}
			if req.Node != nil {
				node = req.Node
				predicate = predicateFor(ctx, node)
			}
			if req.ErrorDetail != nil {
				s.log.WithField("type_url", req.TypeUrl).WithField("nonce", req.ResponseNonce).
					Warnf("NACK from envoy: %s", req.ErrorDetail.GetMessage())
				if s.metrics != nil {
					s.metrics.IncNack(req.TypeUrl)
				}
			}
			st, ok := states[req.TypeUrl]
			if !ok && req.TypeUrl != "" {
				st = newDeltaState()
				states[req.TypeUrl] = st
			}
			if st != nil {
				for name, version := range req.InitialResourceVersions {
					st.sent[name] = version
				}
			}
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, typeURL := range adsTypeURLs {
			resp, changed, err := deltaResponse(typeURL, s.cache.Snapshot(typeURL, predicate), states[typeURL], nonces[typeURL])
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := srv.Send(resp); err != nil {
				return err
			}
			nonces[typeURL]++
		}
	}
}

// deltaResponse computes the incremental add/update/remove set for typeURL
// against state.sent, mutating state.sent to reflect what this response is
// about to push. changed is false when nothing needs sending, matching the
// SOTW loop's version-unchanged short-circuit.
func deltaResponse(typeURL string, snap xdscache.Snapshot, state *deltaState, nonce int) (*envoy_service_discovery_v3.DeltaDiscoveryResponse, bool, error) {
	currentVersions := make(map[string]string, len(snap.Names))
	for i, name := range snap.Names {
		currentVersions[name] = snap.Versions[i]
	}

	var resources []*envoy_service_discovery_v3.Resource
	for i, name := range snap.Names {
		version := snap.Versions[i]
		if state.sent[name] == version {
			continue
		}
		resources = append(resources, &envoy_service_discovery_v3.Resource{
			Name:     name,
			Version:  version,
			Resource: protobuf.MustMarshalAny(snap.Resources[i]),
		})
	}

	var removed []string
	for name := range state.sent {
		if _, ok := currentVersions[name]; !ok {
			removed = append(removed, name)
		}
	}

	if len(resources) == 0 && len(removed) == 0 {
		return nil, false, nil
	}

	for _, r := range resources {
		state.sent[r.Name] = r.Version
	}
	for _, name := range removed {
		delete(state.sent, name)
	}

	return &envoy_service_discovery_v3.DeltaDiscoveryResponse{
		SystemVersionInfo: snap.Version,
		Resources:         resources,
		RemovedResources:  removed,
		TypeUrl:           typeURL,
		Nonce:             strconv.Itoa(nonce),
	}, true, nil
}

func recvDeltaLoop(srv deltaStream) (<-chan *envoy_service_discovery_v3.DeltaDiscoveryRequest, <-chan error) {
	reqs := make(chan *envoy_service_discovery_v3.DeltaDiscoveryRequest)
	errs := make(chan error, 1)
	go func() {
		defer close(reqs)
		for {
			req, err := srv.Recv()
			if err != nil {
				errs <- err
				return
			}
			reqs <- req
		}
	}()
	return reqs, errs
}
