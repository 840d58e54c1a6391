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
	"encoding/json"
	"sort"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

// jsonSchema is the minimal JSON-Schema subset schema inference produces:
// object/array/string/number/integer/boolean/null, with "required" and
// "enum" candidates. It round-trips through model.InferredSchema's
// RequestSchema/ResponseSchema []byte columns as plain JSON.
type jsonSchema struct {
	Type     string                 `json:"type,omitempty"`
	Types    []string               `json:"types,omitempty"` // more than one observed type for this node
	Properties map[string]*jsonSchema `json:"properties,omitempty"`
	Required []string               `json:"required,omitempty"`
	Items    *jsonSchema            `json:"items,omitempty"`
	Enum     []any                  `json:"enum,omitempty"`
}

// inferSchema builds a jsonSchema for one sample value, the seed a
// subsequent widen() call merges further samples into.
func inferSchema(v any) *jsonSchema {
	switch val := v.(type) {
	case nil:
		return &jsonSchema{Type: "null"}
	case bool:
		return &jsonSchema{Type: "boolean"}
	case float64:
		if val == float64(int64(val)) {
			return &jsonSchema{Type: "integer"}
		}
		return &jsonSchema{Type: "number"}
	case string:
		return &jsonSchema{Type: "string", Enum: []any{val}}
	case []any:
		s := &jsonSchema{Type: "array"}
		for _, elem := range val {
			s.Items = widen(s.Items, inferSchema(elem))
		}
		return s
	case map[string]any:
		s := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{}}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
			s.Properties[k] = inferSchema(val[k])
		}
		sort.Strings(keys)
		s.Required = keys
		return s
	default:
		return &jsonSchema{Type: "string"}
	}
}

// widen merges b into a (which may be nil for the first sample),
// unifying array element types and narrowing the required-key set to
// keys present in every sample seen so far.
func widen(a, b *jsonSchema) *jsonSchema {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Type == b.Type {
		return widenSameType(a, b)
	}
	if isNumeric(a.Type) && isNumeric(b.Type) {
		// integer is a subtype of number: a sample set containing both
		// widens to number rather than a two-element union.
		return &jsonSchema{Type: "number"}
	}
	return &jsonSchema{Types: unionTypes(a, b)}
}

func isNumeric(t string) bool {
	return t == "integer" || t == "number"
}

func widenSameType(a, b *jsonSchema) *jsonSchema {
	out := &jsonSchema{Type: a.Type}
	switch a.Type {
	case "object":
		out.Properties = map[string]*jsonSchema{}
		for k, av := range a.Properties {
			if bv, ok := b.Properties[k]; ok {
				out.Properties[k] = widen(av, bv)
			} else {
				out.Properties[k] = av
			}
		}
		for k, bv := range b.Properties {
			if _, ok := out.Properties[k]; !ok {
				out.Properties[k] = bv
			}
		}
		out.Required = intersect(a.Required, b.Required)
	case "array":
		out.Items = widen(a.Items, b.Items)
	case "string", "number", "integer", "boolean":
		out.Enum = unionEnum(a.Enum, b.Enum)
		if len(out.Enum) > enumCandidateLimit {
			out.Enum = nil // too many distinct values to be a meaningful enum
		}
	}
	return out
}

// enumCandidateLimit bounds how many distinct scalar values are kept as
// enum candidates before the field is treated as free-form.
const enumCandidateLimit = 20

func unionTypes(a, b *jsonSchema) []string {
	types := map[string]struct{}{}
	for _, t := range typesOf(a) {
		types[t] = struct{}{}
	}
	for _, t := range typesOf(b) {
		types[t] = struct{}{}
	}
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func typesOf(s *jsonSchema) []string {
	if s == nil {
		return nil
	}
	if len(s.Types) > 0 {
		return s.Types
	}
	return []string{s.Type}
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func unionEnum(a, b []any) []any {
	seen := map[string]struct{}{}
	var out []any
	add := func(vals []any) {
		for _, v := range vals {
			key, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if _, ok := seen[string(key)]; ok {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, v)
		}
	}
	add(a)
	add(b)
	return out
}

// aggregate runs schema inference over every CapturedBody accumulated for
// session, per (method, path_pattern), diffs the result against the prior
// aggregated schema for the same operation, persists the new schema, and
// logs any breaking changes found (they are not persisted).
func (s *Supervisor) aggregate(ctx context.Context, sessionID string) error {
	buckets := s.drainCaptures(sessionID)
	for key, samples := range buckets {
		if err := s.aggregateOperation(ctx, sessionID, key.method, key.pattern, samples); err != nil {
			return err
		}
	}
	return nil
}

type operationSamples struct {
	method  string
	pattern string
}

// drainCaptures reads every capture buffered for this session out of the
// correlator's ready channel without blocking; anything arriving after
// aggregation starts belongs to the next session that reuses the pattern.
func (s *Supervisor) drainCaptures(sessionID string) map[operationSamples][]CapturedBody {
	out := map[operationSamples][]CapturedBody{}
	for {
		select {
		case captured, ok := <-s.correlator.Ready():
			if !ok {
				return out
			}
			if captured.SessionID != sessionID {
				continue
			}
			key := operationSamples{method: captured.Method, pattern: captured.PathPattern}
			out[key] = append(out[key], captured)
		default:
			return out
		}
	}
}

func (s *Supervisor) aggregateOperation(ctx context.Context, sessionID, method, pattern string, samples []CapturedBody) error {
	var reqSchema, respSchema *jsonSchema
	for _, sample := range samples {
		if v, ok := decodeJSON(sample.RequestBody); ok {
			reqSchema = widen(reqSchema, inferSchema(v))
		}
		if v, ok := decodeJSON(sample.ResponseBody); ok {
			respSchema = widen(respSchema, inferSchema(v))
		}
	}
	reqBytes, _ := json.Marshal(reqSchema)
	respBytes, _ := json.Marshal(respSchema)

	prior, err := s.db.InferredSchemas.GetLatestForOperation(ctx, method, pattern)
	if err != nil && !flowerrors.IsNotFound(err) {
		return err
	}

	var changes []BreakingChange
	if err == nil {
		var priorReq jsonSchema
		_ = json.Unmarshal(prior.RequestSchema, &priorReq)
		changes = Diff(&priorReq, reqSchema)
	}
	if len(changes) > 0 {
		s.log.WithField("session", sessionID).WithField("operation", operationKey(method, pattern)).
			Warnf("%d breaking schema change(s) detected", len(changes))
	}

	record := &model.InferredSchema{
		SessionID: sessionID, Method: method, PathPattern: pattern,
		RequestSchema: reqBytes, ResponseSchema: respBytes, SampleCount: len(samples),
	}
	_, err = s.db.InferredSchemas.Create(ctx, record)
	return err
}

func decodeJSON(raw []byte) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}
