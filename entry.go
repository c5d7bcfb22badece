package pumped

import "fmt"

// EntryKind tags the three kinds of provider entries
type EntryKind string

const (
	// KindRuntime creates and configures a dependency and exposes it locally
	KindRuntime EntryKind = "runtime"
	// KindUpstream requests dependencies provided by ancestors
	KindUpstream EntryKind = "upstream"
	// KindAttributes derives output attributes from the current ones
	KindAttributes EntryKind = "attributes"
)

// RuntimeFunc receives the capability of a locally created dependency
type RuntimeFunc func(cap *Capability, attrs Attributes) (Attributes, error)

// UpstreamFunc reads ancestor-provided dependencies through inj
type UpstreamFunc func(inj Injector, attrs Attributes) (Attributes, error)

// DeriveFunc is a pure derivation of attributes
type DeriveFunc func(attrs Attributes) (Attributes, error)

// ProviderEntry is one step of a declaration's provider list
type ProviderEntry struct {
	ID      EntryID
	Kind    EntryKind
	service ServiceBody
	config  any
	runtime RuntimeFunc
	up      UpstreamFunc
	derive  DeriveFunc
}

// EntryOption configures a runtime entry
type EntryOption func(*ProviderEntry)

// WithServiceConfig sets the config a runtime entry instantiates its service with
func WithServiceConfig(cfg any) EntryOption {
	return func(e *ProviderEntry) {
		e.config = cfg
	}
}

// Local declares a runtime entry. fn may be nil when the entry only exposes the instance.
func Local(id string, svc ServiceBody, fn RuntimeFunc, opts ...EntryOption) ProviderEntry {
	e := ProviderEntry{
		ID:      EntryID(id),
		Kind:    KindRuntime,
		service: svc,
		runtime: fn,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Upstream declares an entry that injects ancestor-provided dependencies
func Upstream(id string, fn UpstreamFunc) ProviderEntry {
	return ProviderEntry{
		ID:   EntryID(id),
		Kind: KindUpstream,
		up:   fn,
	}
}

// Derive declares an attribute derivation
func Derive(id string, fn DeriveFunc) ProviderEntry {
	return ProviderEntry{
		ID:     EntryID(id),
		Kind:   KindAttributes,
		derive: fn,
	}
}

// Key returns the dependency key a runtime entry provides
func (e ProviderEntry) Key() DependencyKey {
	if e.service == nil {
		return DependencyKey{}
	}
	return e.service.Key()
}

func (e ProviderEntry) Service() ServiceBody {
	return e.service
}

func (e ProviderEntry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("provider entry of kind %s has no id", e.Kind)
	}
	switch e.Kind {
	case KindRuntime:
		if e.service == nil {
			return fmt.Errorf("runtime entry %s has no service", e.ID)
		}
	case KindUpstream:
		if e.up == nil {
			return fmt.Errorf("upstream entry %s has no function", e.ID)
		}
	case KindAttributes:
		if e.derive == nil {
			return fmt.Errorf("attributes entry %s has no function", e.ID)
		}
	default:
		return fmt.Errorf("provider entry %s has unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// Layer is one composition layer's contribution to a declaration's entries
type Layer struct {
	Name    string
	Prepend []ProviderEntry
	Append  []ProviderEntry
}

// Compose wraps base with layers; each later layer wraps all earlier ones
func Compose(base []ProviderEntry, layers ...Layer) []ProviderEntry {
	out := make([]ProviderEntry, len(base))
	copy(out, base)
	for _, l := range layers {
		next := make([]ProviderEntry, 0, len(l.Prepend)+len(out)+len(l.Append))
		next = append(next, l.Prepend...)
		next = append(next, out...)
		next = append(next, l.Append...)
		out = next
	}
	return out
}

// Injector is what an upstream entry sees
type Injector interface {
	// Inject returns the nearest ancestor instance value for key
	Inject(key DependencyKey) (any, error)
	// Probing reports whether values are stubs
	Probing() bool
}

// InjectAs injects and asserts the type. While probing, a stub of another type yields
// the zero value so the entry keeps running.
func InjectAs[T any](inj Injector, key DependencyKey) (T, error) {
	var zero T
	v, err := inj.Inject(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		if inj.Probing() || v == nil {
			return zero, nil
		}
		return zero, fmt.Errorf("dependency %s: expected %T, got %T", key.name, zero, v)
	}
	return typed, nil
}

// Use injects the instance of a typed service
func Use[T any](inj Injector, svc *Service[T]) (T, error) {
	return InjectAs[T](inj, svc.Key())
}

// Capability exposes a locally created dependency to its runtime entry. The instance
// is created on first Value call, or after the entry returns if it never asked.
type Capability struct {
	state    *buildState
	entry    *ProviderEntry
	slot     int
	config   any
	instance *RuntimeInstance
}

// Value returns the instance value, instantiating it on first access
func (c *Capability) Value() (any, error) {
	if c.state.probing() {
		return c.state.stubFor(c.entry.service), nil
	}
	if err := c.ensure(); err != nil {
		return nil, err
	}
	return c.instance.Value(), nil
}

// Configure sets the service config. Before the first Value call it shapes the
// instantiation; afterwards it is forwarded to a Reconfigurer.
func (c *Capability) Configure(cfg any) error {
	c.config = cfg
	if c.instance == nil || c.state.probing() {
		return nil
	}
	return c.instance.reconfigure(cfg)
}

func (c *Capability) Env() *Env {
	return c.state.in.Env
}

func (c *Capability) Probing() bool {
	return c.state.probing()
}

func (c *Capability) Key() DependencyKey {
	return c.entry.service.Key()
}

func (c *Capability) ensure() error {
	if c.instance != nil {
		return nil
	}
	inst, err := c.state.registerLocal(c.entry.service, c.slot, c.config)
	if err != nil {
		return err
	}
	c.instance = inst
	return nil
}

// ValueAs returns the typed instance value
func ValueAs[T any](c *Capability) (T, error) {
	var zero T
	v, err := c.Value()
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		if c.Probing() || v == nil {
			return zero, nil
		}
		return zero, fmt.Errorf("dependency %s: expected %T, got %T", c.Key().name, zero, v)
	}
	return typed, nil
}
