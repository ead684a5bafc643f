package compiler

import (
	"encoding/json"
	"testing"

	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/pkg/schema"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const nestedYAML = `
- state_setValue:
    name: app/todos
    value:
      title:
        context_getValue: {key: title}
      done: false
- state_getValue:
    name: app/todos
    id:
      jq_query:
        query: .id
        input: {$ref: 0}
`

const deferredYAML = `
- list_map:
    items:
      state_getValue: {name: app/todos}
    context: {groupId: g1}
    action:
      - variable_setValue:
          key: last
          value:
            context_getValue: {key: item}
- logic_if:
    condition: value == 1
    value: 1
    then: notify
    else: null
`

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	r := operators.NewRegistry(nil)
	require.NoError(t, operators.RegisterBuiltins(r, operators.Deps{}))
	r.Seal()
	return New(r)
}

func parseYAML(t *testing.T, src string) any {
	t.Helper()
	var def any
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	return def
}

func TestCompile_Golden(t *testing.T) {
	c := newTestCompiler(t)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	tests := []struct {
		name string
		id   string
		src  string
	}{
		{name: "nested", id: "todos/save", src: nestedYAML},
		{name: "deferred", id: "todos/mark", src: deferredYAML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := c.Compile(tt.id, parseYAML(t, tt.src))
			require.NoError(t, err)

			out, err := json.MarshalIndent(seq, "", "  ")
			require.NoError(t, err)
			g.Assert(t, tt.name, out)
		})
	}
}

func TestCompile_Idempotent(t *testing.T) {
	c := newTestCompiler(t)
	for _, src := range []string{nestedYAML, deferredYAML} {
		def := parseYAML(t, src)

		first, err := c.Compile("s", def)
		require.NoError(t, err)
		second, err := c.Compile("s", def)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		authored, err := Decompile(first)
		require.NoError(t, err)
		again, err := c.Compile("s", authored)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompile_NoForwardRefs(t *testing.T) {
	c := newTestCompiler(t)
	seq, err := c.Compile("s", parseYAML(t, nestedYAML))
	require.NoError(t, err)

	seq.Walk(func(s *schema.Sequence) {
		for i, b := range s.Blocks {
			assert.Equal(t, i, b.Index)
			assert.Equal(t, s.ID, b.SequenceID)
			for _, ref := range b.Args.Refs(nil) {
				assert.Less(t, ref, b.Index, "block %d of %s", b.Index, s.ID)
			}
			if !b.TopLevel() {
				assert.Greater(t, b.Parent, b.Index)
				assert.Equal(t, -1, b.Position)
			}
		}
	})
}

func TestDecompile_RoundTrip(t *testing.T) {
	c := newTestCompiler(t)
	for _, src := range []string{nestedYAML, deferredYAML} {
		def := parseYAML(t, src)
		seq, err := c.Compile("s", def)
		require.NoError(t, err)

		authored, err := Decompile(seq)
		require.NoError(t, err)

		want, err := normalize(def)
		require.NoError(t, err)
		assert.Equal(t, want, authored)
	}
}

func TestCompile_SingleBlock(t *testing.T) {
	c := newTestCompiler(t)
	seq, err := c.Compile("one", map[string]any{"context_getValue": map[string]any{"key": "id"}})
	require.NoError(t, err)
	require.Len(t, seq.Blocks, 1)
	assert.Equal(t, 0, seq.Blocks[0].Position)

	seq, err = c.Compile("empty", []any{})
	require.NoError(t, err)
	assert.Empty(t, seq.Blocks)
}

func TestCompile_LiteralObjectsStayLiteral(t *testing.T) {
	c := newTestCompiler(t)
	seq, err := c.Compile("lit", parseYAML(t, `
- state_setValue:
    name: app/todos
    value: {title: hello, tags: [a, b], meta: {not_an_operator: 1}}
`))
	require.NoError(t, err)
	require.Len(t, seq.Blocks, 1)

	args := seq.Blocks[0].Args
	assert.Equal(t, schema.ArgLiteral, args.Kind)
	assert.Empty(t, args.Refs(nil))
}

func TestCompile_Errors(t *testing.T) {
	c := newTestCompiler(t)

	tests := []struct {
		name string
		id   string
		src  string
		code string
		path string
	}{
		{name: "empty id", id: "", src: `[]`, code: schema.ErrCodeValidation},
		{name: "scalar sequence", id: "s", src: `hello`, code: schema.ErrCodeMalformedAction, path: "/"},
		{name: "no operator key", id: "s", src: `[{}]`, code: schema.ErrCodeMalformedAction, path: "/0"},
		{name: "two operator keys", id: "s", src: `[{state_getValue: {}, state_setValue: {}}]`, code: schema.ErrCodeMalformedAction, path: "/0"},
		{name: "unknown operator", id: "s", src: `[{nope: {}}]`, code: schema.ErrCodeUnknownOperator, path: "/0"},
		{name: "scalar args", id: "s", src: `[{state_getValue: app/todos}]`, code: schema.ErrCodeMalformedAction, path: "/0/state_getValue"},
		{
			name: "ref to itself",
			id:   "s",
			src:  `[{context_getValue: {key: {$ref: 0}}}]`,
			code: schema.ErrCodeMalformedAction,
			path: "/0/context_getValue/key/$ref",
		},
		{
			name: "forward ref",
			id:   "s",
			src:  `[{context_getValue: {key: a}}, {context_getValue: {key: {$ref: 2}}}]`,
			code: schema.ErrCodeMalformedAction,
			path: "/1/context_getValue/key/$ref",
		},
		{
			name: "fractional ref",
			id:   "s",
			src:  `[{context_getValue: {key: a}}, {context_getValue: {key: {$ref: 0.5}}}]`,
			code: schema.ErrCodeMalformedAction,
		},
		{
			name: "ref with siblings",
			id:   "s",
			src:  `[{context_getValue: {key: a}}, {context_getValue: {key: {$ref: 0, x: 1}}}]`,
			code: schema.ErrCodeMalformedAction,
		},
		{
			name: "bad deferred",
			id:   "s",
			src:  `[{list_map: {items: [], action: 5}}]`,
			code: schema.ErrCodeMalformedAction,
			path: "/0/list_map/action",
		},
		{
			name: "unknown operator in child",
			id:   "s",
			src:  `[{list_map: {items: [], action: [{nope: {}}]}}]`,
			code: schema.ErrCodeUnknownOperator,
			path: "/0/list_map/action/0",
		},
		{
			name: "child ref escapes child",
			id:   "s",
			src:  `[{context_getValue: {key: a}}, {list_map: {items: [], action: [{context_getValue: {key: {$ref: 0}}}]}}]`,
			code: schema.ErrCodeMalformedAction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := c.Compile(tt.id, parseYAML(t, tt.src))
			assert.Nil(t, seq)
			require.Error(t, err)
			var se *schema.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			if tt.path != "" {
				assert.Equal(t, tt.path, se.Path)
			}
		})
	}
}
