package pumped

import "github.com/google/uuid"

// Declaration is the static type of a node: its provider entries and how it renders children
type Declaration struct {
	id      DeclarationID
	name    string
	entries []ProviderEntry
	layers  []Layer
	render  func(attrs Attributes) []Element
}

// DeclarationOption configures a declaration
type DeclarationOption func(*Declaration)

// WithDeclarationID pins the id instead of minting one
func WithDeclarationID(id DeclarationID) DeclarationOption {
	return func(d *Declaration) {
		d.id = id
	}
}

// WithEntries appends provider entries
func WithEntries(entries ...ProviderEntry) DeclarationOption {
	return func(d *Declaration) {
		d.entries = append(d.entries, entries...)
	}
}

// WithLayer adds a composition layer around the declaration's own entries
func WithLayer(l Layer) DeclarationOption {
	return func(d *Declaration) {
		d.layers = append(d.layers, l)
	}
}

// WithRender sets how the node renders its children from its output attributes
func WithRender(fn func(attrs Attributes) []Element) DeclarationOption {
	return func(d *Declaration) {
		d.render = fn
	}
}

// Declare creates a declaration. It is meant to be called once per authored component.
func Declare(name string, opts ...DeclarationOption) *Declaration {
	d := &Declaration{name: name}
	for _, opt := range opts {
		opt(d)
	}
	if d.id == "" {
		d.id = DeclarationID(name + "#" + uuid.NewString()[:8])
	}
	return d
}

func (d *Declaration) ID() DeclarationID {
	return d.id
}

func (d *Declaration) Name() string {
	return d.name
}

// Entries returns the composed entry list
func (d *Declaration) Entries() []ProviderEntry {
	return Compose(d.entries, d.layers...)
}

// Render returns the children for the given output attributes
func (d *Declaration) Render(attrs Attributes) []Element {
	if d.render == nil {
		return nil
	}
	return d.render(attrs)
}

// New builds an element of this declaration
func (d *Declaration) New(key string, props Attributes) Element {
	return Element{Decl: d, Key: key, Props: props}
}

// Element is a request to mount a declaration with props at a position
type Element struct {
	Decl  *Declaration
	Key   string
	Props Attributes
}

func (e Element) HasKey() bool {
	return e.Key != ""
}
