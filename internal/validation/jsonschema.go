package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rendis/actseq/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchemaValidator checks values against JSON Schema Draft 2020-12.
// Compiled schemas are kept by their JSON text; safe for concurrent use.
type JSONSchemaValidator struct {
	compiled sync.Map // string -> *jsonschema.Schema
	seq      atomic.Uint64
}

func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{}
}

// ValidateValue checks a collection entry against its type descriptor. A nil
// descriptor accepts anything.
func (v *JSONSchemaValidator) ValidateValue(desc *schema.TypeDescriptor, value any) error {
	if desc == nil {
		return nil
	}
	doc, err := json.Marshal(DescriptorToJSONSchema(desc))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "cannot translate type descriptor").WithCause(err)
	}
	return v.check(doc, value)
}

// ValidateInput checks operator arguments against the operator's input
// schema. An empty schema accepts any non-nil input.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	switch {
	case input == nil:
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	case len(inputSchema) == 0:
		return nil
	}
	return v.check(inputSchema, input)
}

func (v *JSONSchemaValidator) check(doc []byte, value any) error {
	sch, err := v.schemaFor(string(doc))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	inst, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON-compatible").WithCause(err)
	}
	if err := sch.Validate(inst); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) schemaFor(doc string) (*jsonschema.Schema, error) {
	if cached, ok := v.compiled.Load(doc); ok {
		return cached.(*jsonschema.Schema), nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("actseq://schema/%d", v.seq.Add(1))
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	actual, _ := v.compiled.LoadOrStore(doc, sch)
	return actual.(*jsonschema.Schema), nil
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violation is one leaf failure of a validation tree.
type violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// toSchemaError converts a jsonschema.ValidationError into a ValidationError
// whose Path is the instance location of the first leaf violation.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr, nil)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error()).WithPath("/")
	}

	msg := violations[0].Message
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(violations)-1)
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithPath(violations[0].Path).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError, dst []violation) []violation {
	if len(verr.Causes) == 0 {
		return append(dst, violation{
			Path:    pointer(verr.InstanceLocation),
			Message: leafMessage(verr),
		})
	}
	for _, cause := range verr.Causes {
		dst = collectViolations(cause, dst)
	}
	return dst
}

func pointer(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}

// leafMessage drops the "jsonschema validation failed" preamble the library
// prepends, keeping the keyword message.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if i := strings.LastIndex(msg, "': "); i >= 0 && strings.Contains(msg, "- at '") {
		return strings.TrimSpace(msg[i+3:])
	}
	return msg
}
