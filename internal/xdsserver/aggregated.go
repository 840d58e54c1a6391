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
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/flowplane/flowplane/internal/xdscache"
)

// adsTypeURLs lists the resource kinds multiplexed over a single ADS
// stream, in the order Envoy conventionally subscribes to them (clusters
// and listeners first, since routes/endpoints reference them by name).
var adsTypeURLs = []string{
	xdscache.TypeURLCluster,
	xdscache.TypeURLListener,
	xdscache.TypeURLRoute,
	xdscache.TypeURLEndpoint,
}

// adsSubState is the per-type_url bookkeeping a single ADS stream carries,
// mirroring what streamSOTW keeps on its stack for a dedicated stream.
type adsSubState struct {
	lastVersion string
	nonce       int
}

// streamAggregated runs every subscribed type URL's SOTW state
// machine over one shared bidi stream, since a single Envoy ADS connection
// multiplexes requests for all resource kinds instead of opening one stream
// per kind.
func (s *Server) streamAggregated(srv sotwStream) error {
	ctx := srv.Context()
	reqs, errs := recvLoop(srv)
	watch := s.cache.Watch()

	var node *envoy_core_v3.Node
	predicate := xdscache.ForTeam("")
	states := make(map[string]*adsSubState, len(adsTypeURLs))
	for _, t := range adsTypeURLs {
		states[t] = &adsSubState{}
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
			if _, ok := states[req.TypeUrl]; !ok && req.TypeUrl != "" {
				states[req.TypeUrl] = &adsSubState{}
			}
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := s.flushAggregated(srv, states, predicate); err != nil {
			return err
		}
	}
}

func (s *Server) flushAggregated(srv sotwStream, states map[string]*adsSubState, predicate xdscache.TeamPredicate) error {
	for _, typeURL := range adsTypeURLs {
		st := states[typeURL]
		snap := s.cache.Snapshot(typeURL, predicate)
		if snap.Version == st.lastVersion {
			continue
		}
		resp, err := sotwResponse(snap, st.nonce)
		if err != nil {
			return err
		}
		if err := srv.Send(resp); err != nil {
			return err
		}
		st.lastVersion = snap.Version
		st.nonce++
	}
	return nil
}
