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
	"sync"
	"time"
)

// CapturedBody is what the ext-proc receiver emits once it has seen the
// end of a request's and response's body streams (spec.md §4.8).
type CapturedBody struct {
	SessionID       string
	RequestID       string
	Method          string
	PathPattern     string
	RequestBody     []byte
	ResponseBody    []byte
	RequestTruncated  bool
	ResponseTruncated bool
}

// correlationKey is session_id + x-request-id (spec.md §4.8).
type correlationKey struct {
	sessionID string
	requestID string
}

type pendingCapture struct {
	body      CapturedBody
	expiresAt time.Time
}

// Correlator pairs a CapturedBody (from the ext-proc stream) with its
// access-log metadata (method, path) keyed by session_id+x-request-id
// within a bounded window; entries older than the window are dropped by
// the next Sweep so a lost half of the pair never accumulates forever.
type Correlator struct {
	window time.Duration

	mu      sync.Mutex
	pending map[correlationKey]pendingCapture
	ready   chan CapturedBody
}

// NewCorrelator builds a Correlator with the given correlation window.
func NewCorrelator(window time.Duration) *Correlator {
	return &Correlator{
		window:  window,
		pending: make(map[correlationKey]pendingCapture),
		ready:   make(chan CapturedBody, 256),
	}
}

// Ready is the channel of fully-correlated captures, consumed by the
// inference aggregator.
func (c *Correlator) Ready() <-chan CapturedBody {
	return c.ready
}

// Submit records a capture. The first submission for a key is held; the
// next submission for the same key is merged into it (its non-empty fields
// win) and the merged CapturedBody is pushed onto Ready, whichever of
// RequestBody/ResponseBody the two submissions carried.
func (c *Correlator) Submit(sessionID, requestID string, body CapturedBody) {
	key := correlationKey{sessionID: sessionID, requestID: requestID}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.pending[key]
	if !ok {
		c.pending[key] = pendingCapture{body: body, expiresAt: now.Add(c.window)}
		return
	}
	merged := existing.body
	if body.RequestBody != nil {
		merged.RequestBody = body.RequestBody
		merged.RequestTruncated = body.RequestTruncated
	}
	if body.ResponseBody != nil {
		merged.ResponseBody = body.ResponseBody
		merged.ResponseTruncated = body.ResponseTruncated
	}
	if body.Method != "" {
		merged.Method = body.Method
	}
	if body.PathPattern != "" {
		merged.PathPattern = body.PathPattern
	}
	delete(c.pending, key)
	select {
	case c.ready <- merged:
	default:
		// the inference consumer is behind; drop this merged capture
		// rather than block the ext-proc stream.
	}
}

// Sweep evicts entries that have waited past the correlation window
// without a matching half arriving, so a dropped access-log entry or a
// stream that never reached end-of-body doesn't leak memory.
func (c *Correlator) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pending {
		if now.After(p.expiresAt) {
			delete(c.pending, k)
		}
	}
}
