package learning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaOf(t *testing.T, jsonDoc string) *jsonSchema {
	var v any
	require.NoError(t, json.Unmarshal([]byte(jsonDoc), &v))
	return inferSchema(v)
}

func TestInferSchemaBasicObject(t *testing.T) {
	s := schemaOf(t, `{"id": "abc", "amount": 100, "refunded": false}`)
	assert.Equal(t, "object", s.Type)
	assert.Equal(t, "string", s.Properties["id"].Type)
	assert.Equal(t, "integer", s.Properties["amount"].Type)
	assert.Equal(t, "boolean", s.Properties["refunded"].Type)
	assert.ElementsMatch(t, []string{"amount", "id", "refunded"}, s.Required)
}

func TestWidenNarrowsRequiredToIntersection(t *testing.T) {
	a := schemaOf(t, `{"id": "1", "note": "hi"}`)
	b := schemaOf(t, `{"id": "2"}`)
	merged := widen(a, b)
	assert.ElementsMatch(t, []string{"id"}, merged.Required, "note wasn't present in every sample")
}

func TestWidenUnifiesArrayElementTypes(t *testing.T) {
	arr := schemaOf(t, `{"items": [1, 2]}`)
	arr2 := schemaOf(t, `{"items": [1.5]}`)
	merged := widen(arr, arr2)
	assert.Equal(t, "number", merged.Properties["items"].Items.Type, "int+float widens to number")
}

func TestWidenDifferentTypesProducesUnion(t *testing.T) {
	a := &jsonSchema{Type: "string"}
	b := &jsonSchema{Type: "integer"}
	merged := widen(a, b)
	assert.ElementsMatch(t, []string{"integer", "string"}, merged.Types)
}

func TestDiffDetectsRequiredFieldRemoved(t *testing.T) {
	prior := schemaOf(t, `{"id": "1", "amount": 100}`)
	next := schemaOf(t, `{"id": "1"}`)
	changes := Diff(prior, next)
	require.Len(t, changes, 1)
	assert.Equal(t, RequiredFieldRemoved, changes[0].Kind)
	assert.Equal(t, "amount", changes[0].Path)
}

func TestDiffDetectsRequiredFieldAddedWithoutDefault(t *testing.T) {
	prior := schemaOf(t, `{"id": "1"}`)
	next := schemaOf(t, `{"id": "1", "currency": "usd"}`)
	changes := Diff(prior, next)
	require.Len(t, changes, 1)
	assert.Equal(t, RequiredFieldAddedWithoutDefault, changes[0].Kind)
}

func TestDiffReportsFieldTypeChangeAsSchemaTypeChanged(t *testing.T) {
	prior := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"amount": {Type: "integer"},
	}, Required: []string{"amount"}}
	next := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"amount": {Type: "string"},
	}, Required: []string{"amount"}}
	changes := Diff(prior, next)
	require.Len(t, changes, 1)
	assert.Equal(t, SchemaTypeChanged, changes[0].Kind)
}

func TestDiffAllowsNumberNarrowingToInteger(t *testing.T) {
	prior := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"amount": {Type: "number"},
	}}
	next := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"amount": {Type: "integer"},
	}}
	assert.Empty(t, Diff(prior, next))
}

func TestDiffAllowsWideningIntoUnionContainingOldType(t *testing.T) {
	prior := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"id": {Type: "string"},
	}}
	next := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"id": {Types: []string{"integer", "string"}},
	}}
	assert.Empty(t, Diff(prior, next))
}

func TestDiffDetectsOptionalBecameRequired(t *testing.T) {
	prior := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"note": {Type: "string"},
	}, Required: nil}
	next := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"note": {Type: "string"},
	}, Required: []string{"note"}}
	changes := Diff(prior, next)
	require.Len(t, changes, 1)
	assert.Equal(t, OptionalBecameRequired, changes[0].Kind)
}

func TestDiffFieldBecomingOptionalIsNotBreaking(t *testing.T) {
	prior := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"note": {Type: "string"},
	}, Required: []string{"note"}}
	next := &jsonSchema{Type: "object", Properties: map[string]*jsonSchema{
		"note": {Type: "string"},
	}, Required: nil}
	assert.Empty(t, Diff(prior, next))
}
