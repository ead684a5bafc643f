package validation

import "github.com/rendis/actseq/pkg/schema"

// Validator checks collection entries and operator arguments before they reach
// the store or an operator handler.
// Uses JSON Schema Draft 2020-12 under the hood.
type Validator interface {
	ValidateValue(desc *schema.TypeDescriptor, value any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
