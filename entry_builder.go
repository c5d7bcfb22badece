package pumped

import (
	"errors"
	"maps"
)

// BuildMode selects between real instantiation and probing
type BuildMode int

const (
	// ModeLive instantiates local services and fails on missing upstream keys
	ModeLive BuildMode = iota
	// ModeProbe never instantiates; missing or unresolved keys yield stubs
	ModeProbe
)

func (m BuildMode) String() string {
	if m == ModeProbe {
		return "probe"
	}
	return "live"
}

// UpstreamSource resolves a key for the node being built, walking its ancestors.
// provided is true with a nil instance when an ancestor declares the key but nothing
// was instantiated, which only happens while probing.
type UpstreamSource interface {
	Lookup(from RegistrationID, key DependencyKey) (inst *RuntimeInstance, provided bool)
}

// RegistryUpstream resolves through the instances of a registry along a TreeMap
type RegistryUpstream struct {
	Registry *InstanceRegistry
	Parents  ParentLookup
}

func (u RegistryUpstream) Lookup(from RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	inst, ok := u.Registry.GetByKey(u.Parents, from, key)
	return inst, ok
}

// declaredUpstream resolves by declaration metadata only, for trees that never instantiate
type declaredUpstream struct {
	parents   ParentLookup
	declOf    func(RegistrationID) (DeclarationID, bool)
	providers *ProviderMap
}

func (u declaredUpstream) Lookup(from RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	current := from
	for {
		p, ok := u.parents.Parent(current)
		if !ok || p == RootID {
			return nil, false
		}
		if decl, ok := u.declOf(p); ok && u.providers.Provides(decl, key) {
			return nil, true
		}
		current = p
	}
}

// upstreamChain tries each source in order
type upstreamChain []UpstreamSource

func (c upstreamChain) Lookup(from RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	provided := false
	for _, src := range c {
		if src == nil {
			continue
		}
		inst, ok := src.Lookup(from, key)
		if inst != nil {
			return inst, true
		}
		provided = provided || ok
	}
	return nil, provided
}

// BuildInput is everything one pass over a node's entries needs
type BuildInput struct {
	Entries    []ProviderEntry
	Known      map[DependencyKey]*RuntimeInstance
	Attributes Attributes
	ID         RegistrationID
	Registry   *InstanceRegistry
	Upstream   UpstreamSource
	Mode       BuildMode
	Shape      StubShape
	Env        *Env
	Overrides  map[DependencyKey]any
	Policy     MissingPolicy
}

// BuildResult is the outcome of a build. Missing keys are a result, not an error:
// callers branch on Resolved.
type BuildResult struct {
	Attributes Attributes
	Touched    map[EntryID]KeySet
	Missing    KeySet
	Stubbed    KeySet
	Upstream   map[DependencyKey]*RuntimeInstance
	Local      map[DependencyKey]*RuntimeInstance
	Provided   KeySet
}

func (r *BuildResult) Resolved() bool {
	return len(r.Missing) == 0
}

// AllTouched unions the touched keys of every entry
func (r *BuildResult) AllTouched() KeySet {
	out := KeySet{}
	for _, keys := range r.Touched {
		out.AddAll(keys)
	}
	return out
}

// Requested returns the touched keys the node does not provide itself
func (r *BuildResult) Requested() KeySet {
	out := KeySet{}
	for k := range r.AllTouched() {
		if !r.Provided.Has(k) {
			out.Add(k)
		}
	}
	return out
}

// EntryBuilder executes provider entries in order
type EntryBuilder struct {
	providers *ProviderMap
	warn      *warner
}

func NewEntryBuilder(providers *ProviderMap) *EntryBuilder {
	return &EntryBuilder{providers: providers}
}

func (b *EntryBuilder) setWarner(w *warner) {
	b.warn = w
}

// Build runs every entry left to right, accumulating attributes seeded with the id.
// An entry aborted by a missing dependency ends the pass with a non-empty Missing set.
func (b *EntryBuilder) Build(in BuildInput) (*BuildResult, error) {
	attrs := make(Attributes, len(in.Attributes)+1)
	attrs[AttrID] = in.ID
	maps.Copy(attrs, in.Attributes)
	attrs[AttrID] = in.ID

	if in.Env == nil {
		in.Env = defaultEnv()
	}
	if in.Policy == "" {
		in.Policy = MissingReconstruct
	}

	s := &buildState{
		b:     b,
		in:    &in,
		attrs: attrs,
		slots: make(map[DependencyKey]int),
		result: &BuildResult{
			Touched:  make(map[EntryID]KeySet, len(in.Entries)),
			Missing:  KeySet{},
			Stubbed:  KeySet{},
			Upstream: make(map[DependencyKey]*RuntimeInstance),
			Local:    make(map[DependencyKey]*RuntimeInstance),
			Provided: KeySet{},
		},
	}

	for i := range in.Entries {
		entry := &in.Entries[i]
		s.current = entry.ID
		if _, ok := s.result.Touched[entry.ID]; !ok {
			s.result.Touched[entry.ID] = KeySet{}
		}

		out, err := s.run(entry)
		if err != nil {
			var missing *MissingDependencyError
			if errors.As(err, &missing) {
				s.result.Missing.Add(missing.Key)
				break
			}
			return s.finish(), &EntryError{Entry: entry.ID, Node: in.ID, Cause: err}
		}
		maps.Copy(s.attrs, out)
	}

	return s.finish(), nil
}

type buildState struct {
	b       *EntryBuilder
	in      *BuildInput
	attrs   Attributes
	slots   map[DependencyKey]int
	current EntryID
	result  *BuildResult
}

func (s *buildState) finish() *BuildResult {
	s.result.Attributes = s.attrs
	return s.result
}

func (s *buildState) probing() bool {
	return s.in.Mode == ModeProbe
}

func (s *buildState) stubFor(body ServiceBody) any {
	var key DependencyKey
	if body != nil {
		key = body.Key()
	}
	return s.in.Shape.Value(body, key)
}

func (s *buildState) stubForKey(key DependencyKey) any {
	var body ServiceBody
	if s.b.providers != nil {
		body, _ = s.b.providers.Service(key)
	}
	return s.in.Shape.Value(body, key)
}

// run executes one entry, turning panics into errors
func (s *buildState) run(entry *ProviderEntry) (out Attributes, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	view := maps.Clone(s.attrs)
	switch entry.Kind {
	case KindAttributes:
		return entry.derive(view)
	case KindUpstream:
		return entry.up(&injector{state: s, entry: entry.ID}, view)
	case KindRuntime:
		return s.runRuntime(entry, view)
	}
	return nil, entry.validate()
}

func (s *buildState) runRuntime(entry *ProviderEntry, view Attributes) (Attributes, error) {
	key := entry.Key()
	slot := s.slots[key]
	s.slots[key]++
	s.result.Touched[entry.ID].Add(key)
	s.result.Provided.Add(key)

	c := &Capability{state: s, entry: entry, slot: slot, config: entry.config}
	if !s.probing() {
		if inst, ok := s.in.Registry.Get(s.in.ID, key, slot); ok {
			c.instance = inst
		}
	}

	var out Attributes
	if entry.runtime != nil {
		var err error
		out, err = entry.runtime(c, view)
		if err != nil {
			return nil, err
		}
	}

	if !s.probing() {
		if err := c.ensure(); err != nil {
			return nil, err
		}
		s.result.Local[key] = c.instance
	}
	return out, nil
}

func (s *buildState) registerLocal(body ServiceBody, slot int, config any) (*RuntimeInstance, error) {
	return s.in.Registry.Register(s.in.ID, Payload{
		Key:    body.Key(),
		Slot:   slot,
		Body:   body,
		Config: config,
	})
}

// resolve is the lookup order behind Inject: overrides, own locals, known upstream,
// then the upstream source
func (s *buildState) resolve(key DependencyKey) (any, error) {
	s.result.Touched[s.current].Add(key)

	if v, ok := s.in.Overrides[key]; ok {
		return v, nil
	}

	if s.result.Provided.Has(key) {
		if s.probing() {
			return s.stubForKey(key), nil
		}
		if inst, ok := s.result.Local[key]; ok {
			return inst.Value(), nil
		}
	}

	if inst, ok := s.in.Known[key]; ok && inst != nil && !inst.Disposed() {
		s.result.Upstream[key] = inst
		if s.probing() {
			return s.stubForKey(key), nil
		}
		return inst.Value(), nil
	}

	if s.in.Upstream != nil {
		inst, provided := s.in.Upstream.Lookup(s.in.ID, key)
		if inst != nil {
			s.result.Upstream[key] = inst
			if s.probing() {
				return s.stubForKey(key), nil
			}
			return inst.Value(), nil
		}
		if provided && s.probing() {
			return s.stubForKey(key), nil
		}
	}

	if s.probing() {
		s.result.Missing.Add(key)
		return s.stubForKey(key), nil
	}

	switch s.in.Policy {
	case MissingStub:
		s.result.Stubbed.Add(key)
		s.b.warn.warn(WarnStubSubstituted, "substituting stub for missing upstream dependency",
			"key", key.name, "node", string(s.in.ID))
		return s.stubForKey(key), nil
	default:
		s.result.Missing.Add(key)
		return nil, &MissingDependencyError{Key: key, Node: s.in.ID}
	}
}

type injector struct {
	state *buildState
	entry EntryID
}

func (i *injector) Inject(key DependencyKey) (any, error) {
	prev := i.state.current
	i.state.current = i.entry
	defer func() { i.state.current = prev }()
	return i.state.resolve(key)
}

func (i *injector) Probing() bool {
	return i.state.probing()
}
