package state

import (
	"strconv"

	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/schema"
	"github.com/spf13/cast"
)

// checkRelations verifies that every relation field of v, at any depth, names
// a committed entry of the referenced collection. Deletions are never
// cascaded.
func (s *Store) checkRelations(c *collection, v any) error {
	for _, rel := range c.relations {
		var target *collection
		err := eachAt(v, rel.Path, "", func(path string, ref any) error {
			if target == nil {
				tc, err := s.relationTarget(c, rel.Target)
				if err != nil {
					return err.WithPath(path)
				}
				target = tc
			}
			id, err := cast.ToStringE(ref)
			if err != nil || id == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"relation to %q must be an entry id", rel.Target).WithPath(path)
			}
			if _, ok := target.get(id); !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"relation to %q: entry %q does not exist", rel.Target, id).WithPath(path).
					WithDetails(map[string]any{"collection": c.name, "relation": rel.Target})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) relationTarget(c *collection, name string) (*collection, *schema.Error) {
	if name == c.name {
		return c, nil
	}
	tc, err := s.collection(name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"relation target %q of %q is not defined", name, c.name)
	}
	return tc, nil
}

// eachAt calls fn with the instance path and value of every non-null node
// that steps reaches from v. Missing fields and mismatched shapes reach
// nothing; the schema check reports those.
func eachAt(v any, steps []validation.PathStep, at string, fn func(path string, v any) error) error {
	if v == nil {
		return nil
	}
	if len(steps) == 0 {
		if at == "" {
			at = "/"
		}
		return fn(at, v)
	}

	step := steps[0]
	if step.Each {
		arr, ok := v.([]any)
		if !ok {
			return nil
		}
		for i, item := range arr {
			if err := eachAt(item, steps[1:], at+"/"+strconv.Itoa(i), fn); err != nil {
				return err
			}
		}
		return nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	child, ok := obj[step.Field]
	if !ok {
		return nil
	}
	return eachAt(child, steps[1:], at+"/"+validation.PointerToken(step.Field), fn)
}
