package schema

// CollectionDecl declares a collection contributed by a plugin.
type CollectionDecl struct {
	Default any             `json:"default,omitempty" yaml:"default,omitempty" mapstructure:"default"`
	Schema  *TypeDescriptor `json:"schema" yaml:"schema" mapstructure:"schema"`
}

// Dependency names a plugin that must be registered first.
type Dependency struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
}

// TriggerDecl schedules a sequence on a cron expression.
type TriggerDecl struct {
	ID       string         `json:"id" yaml:"id" mapstructure:"id"`
	Cron     string         `json:"cron" yaml:"cron" mapstructure:"cron"`
	Sequence string         `json:"sequence" yaml:"sequence" mapstructure:"sequence"`
	Context  map[string]any `json:"context,omitempty" yaml:"context,omitempty" mapstructure:"context"`
}

// PluginDecl is the declarative half of a plugin: everything except Go operator handlers.
type PluginDecl struct {
	Name         string                    `json:"name" yaml:"name" mapstructure:"name"`
	Version      string                    `json:"version" yaml:"version" mapstructure:"version"`
	Data         map[string]CollectionDecl `json:"data,omitempty" yaml:"data,omitempty" mapstructure:"data"`
	Sequences    map[string]any            `json:"sequences,omitempty" yaml:"sequences,omitempty" mapstructure:"sequences"`
	Listeners    []Listener                `json:"listeners,omitempty" yaml:"listeners,omitempty" mapstructure:"listeners"`
	Triggers     []TriggerDecl             `json:"triggers,omitempty" yaml:"triggers,omitempty" mapstructure:"triggers"`
	Dependencies []Dependency              `json:"dependencies,omitempty" yaml:"dependencies,omitempty" mapstructure:"dependencies"`
}
