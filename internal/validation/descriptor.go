package validation

import (
	"reflect"
	"strings"

	"github.com/rendis/actseq/pkg/schema"
)

// DescriptorToJSONSchema translates a collection type descriptor into an
// equivalent JSON Schema document. A "collection" descriptor translates to the
// schema of a single entry.
func DescriptorToJSONSchema(desc *schema.TypeDescriptor) map[string]any {
	out := map[string]any{"$schema": "https://json-schema.org/draft/2020-12/schema"}
	for k, v := range translate(desc.EntrySchema()) {
		out[k] = v
	}
	return out
}

func translate(d *schema.TypeDescriptor) map[string]any {
	if d == nil || d.Type == schema.TypeAny || d.Type == "" {
		return map[string]any{}
	}

	out := map[string]any{}
	switch d.Type {
	case schema.TypeCollection:
		out["type"] = "object"
		out["additionalProperties"] = translate(d.EntrySchema())
	case schema.TypeObject:
		out["type"] = "object"
		if len(d.Properties) > 0 {
			props := make(map[string]any, len(d.Properties))
			for _, name := range schema.SortedKeys(d.Properties) {
				props[name] = translate(d.Properties[name])
			}
			out["properties"] = props
		}
		if len(d.Required) > 0 {
			out["required"] = d.Required
		}
	case schema.TypeArray:
		out["type"] = "array"
		if d.Items != nil {
			out["items"] = translate(d.Items)
		}
	default:
		out["type"] = string(d.Type)
	}

	if d.Nullable {
		out["type"] = []any{out["type"], "null"}
	}
	return out
}

// Equal reports whether two descriptors declare the same shape. Empty and nil
// property maps or required lists are the same declaration.
func Equal(a, b *schema.TypeDescriptor) bool {
	if isCollection(a) != isCollection(b) {
		return false
	}
	return reflect.DeepEqual(DescriptorToJSONSchema(a), DescriptorToJSONSchema(b)) &&
		reflect.DeepEqual(Relations(a), Relations(b))
}

func isCollection(d *schema.TypeDescriptor) bool {
	return d != nil && d.Type == schema.TypeCollection
}

// PathStep is one step from an entry towards a relation field: a property
// name, or every element of an array when Each is set.
type PathStep struct {
	Field string
	Each  bool
}

// Relation is a field of an entry that must hold ids of Target.
type Relation struct {
	Path   []PathStep
	Target string
}

// Pointer renders the path as a JSON pointer with "*" for array elements.
func (r Relation) Pointer() string {
	var b strings.Builder
	for _, step := range r.Path {
		b.WriteByte('/')
		if step.Each {
			b.WriteByte('*')
		} else {
			b.WriteString(PointerToken(step.Field))
		}
	}
	return b.String()
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// PointerToken escapes a property name for use as a JSON pointer token.
func PointerToken(field string) string { return pointerEscaper.Replace(field) }

// Relations walks an entry descriptor through properties and array items and
// returns every relation it declares. A relation on an array node applies to
// each element.
func Relations(desc *schema.TypeDescriptor) []Relation {
	var out []Relation
	collectRelations(desc.EntrySchema(), nil, &out)
	return out
}

func collectRelations(d *schema.TypeDescriptor, path []PathStep, out *[]Relation) {
	if d == nil {
		return
	}
	if d.Relation != "" {
		at := path
		if d.Type == schema.TypeArray {
			at = appendStep(path, PathStep{Each: true})
		}
		*out = append(*out, Relation{Path: at, Target: d.Relation})
	}
	for _, name := range schema.SortedKeys(d.Properties) {
		collectRelations(d.Properties[name], appendStep(path, PathStep{Field: name}), out)
	}
	if d.Type == schema.TypeArray {
		collectRelations(d.Items, appendStep(path, PathStep{Each: true}), out)
	}
}

// appendStep never shares the backing array between sibling paths.
func appendStep(path []PathStep, step PathStep) []PathStep {
	return append(path[:len(path):len(path)], step)
}
