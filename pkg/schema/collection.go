package schema

// SchemaType enumerates the value kinds a collection schema can declare.
type SchemaType string

const (
	TypeAny        SchemaType = "any"
	TypeObject     SchemaType = "object"
	TypeArray      SchemaType = "array"
	TypeString     SchemaType = "string"
	TypeNumber     SchemaType = "number"
	TypeInteger    SchemaType = "integer"
	TypeBoolean    SchemaType = "boolean"
	TypeCollection SchemaType = "collection"
)

// Reserved collections owned by the engine.
const (
	CollectionSequences = "action/sequences"
	CollectionBlocks    = "action/blocks"
	CollectionVariables = "action/variables"
)

// TypeDescriptor declares the shape of a collection entry. A descriptor of type
// "collection" describes a container whose entries each match Items.
type TypeDescriptor struct {
	Type       SchemaType                 `json:"type" yaml:"type" mapstructure:"type"`
	Properties map[string]*TypeDescriptor `json:"properties,omitempty" yaml:"properties,omitempty" mapstructure:"properties"`
	Items      *TypeDescriptor            `json:"items,omitempty" yaml:"items,omitempty" mapstructure:"items"`
	Required   []string                   `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
	Relation   string                     `json:"relation,omitempty" yaml:"relation,omitempty" mapstructure:"relation"`
	Nullable   bool                       `json:"nullable,omitempty" yaml:"nullable,omitempty" mapstructure:"nullable"`
}

// EntrySchema returns the descriptor each entry of a collection must match.
func (d *TypeDescriptor) EntrySchema() *TypeDescriptor {
	if d == nil {
		return nil
	}
	if d.Type == TypeCollection {
		if d.Items == nil {
			return &TypeDescriptor{Type: TypeAny}
		}
		return d.Items
	}
	return d
}

// UpdateMethodPush appends the written value to an array-valued entry.
const UpdateMethodPush = "push"

// WriteOptions are the per-write directives accepted by the state store.
type WriteOptions struct {
	ID      string         `json:"id,omitempty" yaml:"id,omitempty" mapstructure:"id"`
	Merge   bool           `json:"merge,omitempty" yaml:"merge,omitempty" mapstructure:"merge"`
	Replace bool           `json:"replace,omitempty" yaml:"replace,omitempty" mapstructure:"replace"`
	Update  *UpdateOptions `json:"update,omitempty" yaml:"update,omitempty" mapstructure:"update"`
}

// UpdateOptions selects an in-place update method.
type UpdateOptions struct {
	Method string `json:"method" yaml:"method" mapstructure:"method"`
}

// IsPush reports whether the write appends to an array entry.
func (o WriteOptions) IsPush() bool {
	return o.Update != nil && o.Update.Method == UpdateMethodPush
}

// Wildcard matches every entry of a collection in listener registrations.
const Wildcard = "*"

// Listener binds a store address to the action executed after each committed write.
// Context holds the frame fields captured when the listener was registered.
type Listener struct {
	Name    string         `json:"name" yaml:"name" mapstructure:"name"`
	ID      string         `json:"id" yaml:"id" mapstructure:"id"`
	Handler string         `json:"handler" yaml:"handler" mapstructure:"handler"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty" mapstructure:"context"`
}

// Matches reports whether the listener is registered for the given address.
func (l Listener) Matches(name, id string) bool {
	return l.Name == name && (l.ID == Wildcard || l.ID == id)
}

// Key identifies a listener registration for idempotent add/remove.
func (l Listener) Key() string {
	return l.Name + "\x00" + l.ID + "\x00" + l.Handler
}
