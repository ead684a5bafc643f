package operators

import (
	"github.com/mitchellh/mapstructure"
	"github.com/rendis/actseq/pkg/schema"
	"github.com/spf13/cast"
)

// Value returns a raw argument and whether it was supplied.
func (c *Call) Value(key string) (any, bool) {
	v, ok := c.Args[key]
	return v, ok
}

// String returns a required string argument. Numbers are accepted and formatted.
func (c *Call) String(key string) (string, error) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "argument %q is required", key).WithPath("/" + key)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTypeMismatch, "argument %q must be a string", key).
			WithPath("/" + key).WithCause(err)
	}
	return s, nil
}

// OptString returns a string argument or def when absent.
func (c *Call) OptString(key, def string) (string, error) {
	if v, ok := c.Args[key]; !ok || v == nil {
		return def, nil
	}
	return c.String(key)
}

// Bool returns a boolean argument, false when absent.
func (c *Call) Bool(key string) (bool, error) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch, "argument %q must be a boolean", key).
			WithPath("/" + key).WithCause(err)
	}
	return b, nil
}

// Object returns an object argument, nil when absent.
func (c *Call) Object(key string) (map[string]any, error) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch, "argument %q must be an object", key).WithPath("/" + key)
	}
	return m, nil
}

// Sequence returns the sequence named by a deferred argument. A plain string
// (for example a referenced block result) names a registered sequence.
func (c *Call) Sequence(key string) (SequenceRef, error) {
	switch v := c.Args[key].(type) {
	case SequenceRef:
		return v, nil
	case *SequenceRef:
		if v != nil {
			return *v, nil
		}
	case string:
		if v != "" {
			return SequenceRef{ID: v}, nil
		}
	case nil:
		return SequenceRef{}, schema.NewErrorf(schema.ErrCodeValidation, "argument %q is required", key).WithPath("/" + key)
	}
	return SequenceRef{}, schema.NewErrorf(schema.ErrCodeTypeMismatch,
		"argument %q must name a sequence", key).WithPath("/" + key)
}

// Decode decodes an argument into out with weakly typed mapstructure decoding.
// An absent argument leaves out untouched.
func (c *Call) Decode(key string, out any) error {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "argument %q: %s", key, err.Error()).
			WithPath("/" + key).WithCause(err)
	}
	return nil
}
