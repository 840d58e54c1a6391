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

// BreakingChangeKind enumerates the change categories spec.md §4.8 names.
type BreakingChangeKind string

const (
	RequiredFieldRemoved            BreakingChangeKind = "required-field-removed"
	IncompatibleTypeChange          BreakingChangeKind = "incompatible-type-change"
	RequiredFieldAddedWithoutDefault BreakingChangeKind = "required-field-added-without-default"
	OptionalBecameRequired          BreakingChangeKind = "optional-became-required"
	SchemaTypeChanged               BreakingChangeKind = "schema-type-changed"
)

// BreakingChange is one detected incompatibility between a prior aggregated
// schema and a newly inferred one, scoped to the JSON Pointer-ish path of
// the field it was found at ("" for the schema root).
type BreakingChange struct {
	Kind BreakingChangeKind
	Path string
	Detail string
}

// Diff compares a new schema against the prior aggregated schema for the
// same (method, path_pattern) key (spec.md §4.8). Widening changes —
// number becoming integer, or a union that still contains the old type —
// are not reported.
func Diff(prior, next *jsonSchema) []BreakingChange {
	return diffAt("", prior, next)
}

func diffAt(path string, prior, next *jsonSchema) []BreakingChange {
	if prior == nil || next == nil {
		return nil
	}
	var changes []BreakingChange

	if typeChanged(prior, next) {
		changes = append(changes, BreakingChange{
			Kind: SchemaTypeChanged, Path: path,
			Detail: "type changed from " + describeType(prior) + " to " + describeType(next),
		})
		// a changed root/field type makes a structural comparison below
		// meaningless for this node.
		return changes
	}

	if prior.Type == "object" && next.Type == "object" {
		changes = append(changes, diffRequired(path, prior, next)...)
		for name, priorProp := range prior.Properties {
			nextProp, stillPresent := next.Properties[name]
			if !stillPresent {
				continue // absence of a previously-observed optional key isn't breaking
			}
			changes = append(changes, diffAt(joinPath(path, name), priorProp, nextProp)...)
		}
	}

	if prior.Type == "array" && next.Type == "array" {
		changes = append(changes, diffAt(path+"[]", prior.Items, next.Items)...)
	}

	return changes
}

func diffRequired(path string, prior, next *jsonSchema) []BreakingChange {
	var changes []BreakingChange
	priorRequired := toSet(prior.Required)
	nextRequired := toSet(next.Required)
	priorProps := prior.Properties
	nextProps := next.Properties

	for name := range priorRequired {
		if _, stillExists := nextProps[name]; !stillExists {
			changes = append(changes, BreakingChange{
				Kind: RequiredFieldRemoved, Path: joinPath(path, name),
				Detail: "required field no longer present",
			})
			continue
		}
		if _, stillRequired := nextRequired[name]; !stillRequired {
			// a required field becoming optional only loosens the
			// contract; not breaking.
			continue
		}
	}

	for name := range nextRequired {
		_, wasPresent := priorProps[name]
		_, wasRequired := priorRequired[name]
		switch {
		case !wasPresent:
			changes = append(changes, BreakingChange{
				Kind: RequiredFieldAddedWithoutDefault, Path: joinPath(path, name),
				Detail: "new required field has no default for existing clients",
			})
		case !wasRequired:
			changes = append(changes, BreakingChange{
				Kind: OptionalBecameRequired, Path: joinPath(path, name),
				Detail: "field was optional, is now required",
			})
		}
	}

	return changes
}

// typeChanged reports an incompatible type transition. Widening — number
// to integer (a narrowing that every prior integer sample already
// satisfies) is allowed in the number->integer direction only if the
// reverse doesn't apply, and a union type that still contains the old
// single type counts as non-breaking.
func typeChanged(prior, next *jsonSchema) bool {
	priorTypes := typesOf(prior)
	nextTypes := typesOf(next)
	if len(priorTypes) == 1 && len(nextTypes) > 1 {
		// widened into a union: fine as long as the old type survives.
		return !contains(nextTypes, priorTypes[0])
	}
	if len(priorTypes) == 1 && len(nextTypes) == 1 {
		if priorTypes[0] == nextTypes[0] {
			return false
		}
		if priorTypes[0] == "number" && nextTypes[0] == "integer" {
			return false // every integer is a number; this narrows, doesn't break
		}
		return true
	}
	return false
}

func describeType(s *jsonSchema) string {
	types := typesOf(s)
	if len(types) == 1 {
		return types[0]
	}
	out := types[0]
	for _, t := range types[1:] {
		out += "|" + t
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func (b BreakingChange) String() string {
	return string(b.Kind) + " at " + b.Path + ": " + b.Detail
}
