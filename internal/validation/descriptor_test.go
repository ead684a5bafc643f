package validation

import (
	"testing"

	"github.com/rendis/actseq/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorToJSONSchema_Object(t *testing.T) {
	got := DescriptorToJSONSchema(itemSchema())

	assert.Equal(t, "object", got["type"])
	assert.Equal(t, []string{"title"}, got["required"])
	props := got["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, props["title"])
	assert.Equal(t, map[string]any{"type": "array", "items": map[string]any{"type": "string"}}, props["tags"])
}

func TestDescriptorToJSONSchema_Nullable(t *testing.T) {
	got := DescriptorToJSONSchema(&schema.TypeDescriptor{Type: schema.TypeNumber, Nullable: true})
	assert.Equal(t, []any{"number", "null"}, got["type"])
}

func TestRelations(t *testing.T) {
	desc := &schema.TypeDescriptor{
		Type: schema.TypeObject,
		Properties: map[string]*schema.TypeDescriptor{
			"owner": {Type: schema.TypeString, Relation: "c/users"},
			"name":  {Type: schema.TypeString},
		},
	}
	rels := Relations(desc)
	require.Len(t, rels, 1)
	assert.Equal(t, "/owner", rels[0].Pointer())
	assert.Equal(t, "c/users", rels[0].Target)

	whole := &schema.TypeDescriptor{Type: schema.TypeCollection, Items: &schema.TypeDescriptor{Type: schema.TypeString, Relation: "c/users"}}
	assert.Equal(t, []Relation{{Target: "c/users"}}, Relations(whole))

	assert.Nil(t, Relations(&schema.TypeDescriptor{Type: schema.TypeString}))
}

func TestRelations_NestedPaths(t *testing.T) {
	desc := &schema.TypeDescriptor{
		Type: schema.TypeObject,
		Properties: map[string]*schema.TypeDescriptor{
			"tags": {Type: schema.TypeArray, Items: &schema.TypeDescriptor{Type: schema.TypeString, Relation: "c/tags"}},
			"owner": {Type: schema.TypeObject, Properties: map[string]*schema.TypeDescriptor{
				"user": {Type: schema.TypeString, Relation: "c/users"},
			}},
			"watchers": {Type: schema.TypeArray, Relation: "c/users"},
			"a/b":      {Type: schema.TypeString, Relation: "c/users"},
			"rows": {Type: schema.TypeArray, Items: &schema.TypeDescriptor{
				Type:       schema.TypeObject,
				Properties: map[string]*schema.TypeDescriptor{"by": {Type: schema.TypeString, Relation: "c/users"}},
			}},
		},
	}

	got := map[string]string{}
	for _, r := range Relations(desc) {
		got[r.Pointer()] = r.Target
	}
	assert.Equal(t, map[string]string{
		"/a~1b":       "c/users",
		"/owner/user": "c/users",
		"/rows/*/by":  "c/users",
		"/tags/*":     "c/tags",
		"/watchers/*": "c/users",
	}, got)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(itemSchema(), itemSchema()))
	assert.False(t, Equal(itemSchema(), &schema.TypeDescriptor{Type: schema.TypeString}))
}

func TestEqual_IgnoresEmptyDeclarations(t *testing.T) {
	built := &schema.TypeDescriptor{
		Type:       schema.TypeObject,
		Properties: map[string]*schema.TypeDescriptor{},
		Required:   []string{},
	}
	decoded := &schema.TypeDescriptor{Type: schema.TypeObject}
	assert.True(t, Equal(built, decoded))

	withRelation := &schema.TypeDescriptor{
		Type:       schema.TypeObject,
		Properties: map[string]*schema.TypeDescriptor{"u": {Type: schema.TypeString, Relation: "c/users"}},
	}
	plain := &schema.TypeDescriptor{
		Type:       schema.TypeObject,
		Properties: map[string]*schema.TypeDescriptor{"u": {Type: schema.TypeString}},
	}
	assert.False(t, Equal(withRelation, plain), "relations are part of the shape")

	num := &schema.TypeDescriptor{Type: schema.TypeNumber}
	assert.False(t, Equal(num, &schema.TypeDescriptor{Type: schema.TypeCollection, Items: num}))
}
