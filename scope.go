package pumped

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
)

// scopes holds every open scope by id
var scopes = xsync.NewMapOf[string, *Scope]()

// LookupScope returns the open scope registered under id
func LookupScope(id string) (*Scope, bool) {
	return scopes.Load(id)
}

// Scope owns the identity, tree, provider and instance stores of one runtime
type Scope struct {
	mu         sync.RWMutex
	id         string
	cfg        Config
	logger     hclog.Logger
	warn       *warner
	rootSig    uuid.UUID
	env        *Env
	timers     Timers
	shapes     []StubShape
	host       Host
	extensions []Extension
	overrides  map[DependencyKey]any
	ghostRefs  map[RegistrationID]int
	roots      []*MountedNode
	disposed   bool

	live          *treeState
	identity      *Identity
	tree          *TreeMap
	providers     *ProviderMap
	registry      *InstanceRegistry
	builder       *EntryBuilder
	dryRun        *DryRunEngine
	reconstructor *Reconstructor
}

// ScopeOption is a modifier for scopes
type ScopeOption func(*Scope)

// WithScopeID pins the scope id; registration ids derive from it
func WithScopeID(id string) ScopeOption {
	return func(s *Scope) {
		s.id = id
	}
}

// WithConfig sets the scope configuration. Zero fields take their defaults, so
// immediate disposal after unmount is PostUnmountTTL: NoGracePeriod, not zero.
func WithConfig(cfg Config) ScopeOption {
	return func(s *Scope) {
		if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
			panic(err)
		}
		if err := cfg.Validate(); err != nil {
			panic(err)
		}
		s.cfg = cfg
	}
}

// WithLogger replaces the scope logger
func WithLogger(l hclog.Logger) ScopeOption {
	return func(s *Scope) {
		s.logger = l
	}
}

// WithExtension returns an option that registers an extension to a scope
func WithExtension(ext Extension) ScopeOption {
	return func(s *Scope) {
		s.extensions = append(s.extensions, ext)
	}
}

// WithOverride satisfies key with value everywhere in the scope, ahead of any provider
func WithOverride(key DependencyKey, value any) ScopeOption {
	return func(s *Scope) {
		s.overrides[key] = value
	}
}

// WithServiceOverride is WithOverride for a typed service
func WithServiceOverride[T any](svc *Service[T], value T) ScopeOption {
	return WithOverride(svc.Key(), value)
}

// WithClock replaces the timers behind grace-period disposal and Env.Timers
func WithClock(t Timers) ScopeOption {
	return func(s *Scope) {
		s.timers = t
	}
}

// WithStubShapes sets the shapes tried, in order, while stub probing
func WithStubShapes(shapes ...StubShape) ScopeOption {
	return func(s *Scope) {
		s.shapes = shapes
	}
}

// WithHost replaces the host used for hidden dry-run renders
func WithHost(h Host) ScopeOption {
	return func(s *Scope) {
		s.host = h
	}
}

// WithEnv replaces the live environment handed to service factories
func WithEnv(env *Env) ScopeOption {
	return func(s *Scope) {
		s.env = env
	}
}

// NewScope creates a new scope with optional configuration. It panics if an extension
// fails to initialize or another open scope already uses the id.
func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{
		id:        uuid.NewString(),
		cfg:       DefaultConfig(),
		shapes:    DefaultStubShapes(),
		overrides: make(map[DependencyKey]any),
		ghostRefs: make(map[RegistrationID]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = newLogger(s.cfg.LogLevel)
	}
	s.logger = s.logger.With("scope", s.id)
	if s.env == nil {
		s.env = defaultEnv()
	}
	if s.timers != nil {
		s.env.Timers = s.timers
	} else {
		s.timers = realTimers{}
	}
	if s.host == nil {
		s.host = MemoryHost{}
	}

	s.rootSig = RootSignature(s.id)
	s.warn = &warner{logger: s.logger, sink: s.emitWarning}

	s.identity = NewIdentity()
	s.identity.setWarner(s.warn)
	s.tree = NewTreeMap()
	s.providers = NewProviderMap(s.logger.Named("providers"))
	s.registry = NewInstanceRegistry(
		WithTimers(s.timers),
		WithPostUnmountTTL(s.cfg.PostUnmountTTL),
		WithRegistryLogger(s.logger.Named("registry")),
		withRegistryEnv(s.currentEnv),
		withRegistryHooks(&registryHooks{
			created:      s.instanceCreated,
			disposed:     s.instanceDisposed,
			disposeError: s.disposeError,
		}),
	)
	s.live = newTreeState("live", s.tree, s.identity, s.registry, ModeLive, s.rootSig)
	s.builder = NewEntryBuilder(s.providers)
	s.builder.setWarner(s.warn)
	s.dryRun = newDryRunEngine(s)
	s.reconstructor = newReconstructor(s)

	sort.SliceStable(s.extensions, func(i, j int) bool {
		return s.extensions[i].Order() < s.extensions[j].Order()
	})
	for _, ext := range s.extensions {
		if err := ext.Init(s); err != nil {
			panic(fmt.Errorf("initializing extension %s: %w", ext.Name(), err))
		}
	}

	if _, loaded := scopes.LoadOrStore(s.id, s); loaded {
		panic(fmt.Errorf("scope %s is already open", s.id))
	}
	return s
}

func (s *Scope) ID() string {
	return s.id
}

func (s *Scope) Config() Config {
	return s.cfg
}

func (s *Scope) Logger() hclog.Logger {
	return s.logger
}

func (s *Scope) Identity() *Identity {
	return s.identity
}

func (s *Scope) Tree() *TreeMap {
	return s.tree
}

func (s *Scope) Providers() *ProviderMap {
	return s.providers
}

func (s *Scope) Registry() *InstanceRegistry {
	return s.registry
}

func (s *Scope) DryRun() *DryRunEngine {
	return s.dryRun
}

func (s *Scope) Reconstructor() *Reconstructor {
	return s.reconstructor
}

// Roots returns the nodes mounted at the top of the tree
func (s *Scope) Roots() []*MountedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MountedNode, len(s.roots))
	copy(out, s.roots)
	return out
}

// UseExtension registers an extension to the scope
func (s *Scope) UseExtension(ext Extension) error {
	s.mu.Lock()
	s.extensions = append(s.extensions, ext)
	sort.SliceStable(s.extensions, func(i, j int) bool {
		return s.extensions[i].Order() < s.extensions[j].Order()
	})
	s.mu.Unlock()

	return ext.Init(s)
}

// Env returns the environment service factories currently see
func (s *Scope) Env() *Env {
	return s.currentEnv()
}

func (s *Scope) currentEnv() *Env {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

func (s *Scope) overridesSnapshot() map[DependencyKey]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[DependencyKey]any, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

func (s *Scope) hasOverride(key DependencyKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.overrides[key]
	return ok
}

func (s *Scope) exts() []Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Extension, len(s.extensions))
	copy(out, s.extensions)
	return out
}

func (s *Scope) isDisposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

// wrap runs fn through every extension's Wrap, lowest order outermost
func (s *Scope) wrap(ctx context.Context, op *Operation, fn func() (any, error)) (any, error) {
	exts := s.exts()
	next := fn
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(ctx, currentNext, op)
		}
	}

	result, err := next()
	if err != nil {
		for _, ext := range exts {
			ext.OnError(err, op, s)
		}
	}
	return result, err
}

func (s *Scope) emitWarning(w Warning) {
	for _, ext := range s.exts() {
		ext.OnWarning(w)
	}
}

func (s *Scope) emitStrategy(op *Operation, strategy Strategy) {
	s.logger.Debug("reconstruction strategy", "node", op.Node, "strategy", strategy.String())
	for _, ext := range s.exts() {
		ext.OnStrategy(op, strategy)
	}
}

func (s *Scope) instanceCreated(inst *RuntimeInstance) {
	for _, ext := range s.exts() {
		ext.OnInstanceCreated(inst)
	}
}

func (s *Scope) instanceDisposed(inst *RuntimeInstance) {
	for _, ext := range s.exts() {
		ext.OnInstanceDisposed(inst)
	}
}

func (s *Scope) disposeError(err *DisposeError) bool {
	for _, ext := range s.exts() {
		if ext.OnDisposeError(err) {
			return true
		}
	}
	return false
}

// acquireGhost counts one more portable mount using the ghost. A ghost still inside
// its grace period from an earlier release is kept.
func (s *Scope) acquireGhost(id RegistrationID) {
	s.mu.Lock()
	s.ghostRefs[id]++
	s.mu.Unlock()

	s.registry.KeepAlive(id)
}

// releaseGhost unregisters the ghost's instances once no portable mount uses it
func (s *Scope) releaseGhost(id RegistrationID) {
	s.mu.Lock()
	s.ghostRefs[id]--
	last := s.ghostRefs[id] <= 0
	if last {
		delete(s.ghostRefs, id)
	}
	s.mu.Unlock()

	if last {
		s.registry.Unregister(id)
	}
}

func (s *Scope) ghostHeld(id RegistrationID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ghostRefs[id] > 0
}

func (s *Scope) addRoot(n *MountedNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = append(s.roots, n)
}

func (s *Scope) removeRoot(n *MountedNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = removeElement(s.roots, n)
}

// Dispose unmounts everything, disposes every instance immediately and disposes extensions
func (s *Scope) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	roots := s.roots
	s.roots = nil
	s.mu.Unlock()

	for i := len(roots) - 1; i >= 0; i-- {
		roots[i].teardown()
	}
	n := s.registry.DisposeAll()
	s.dryRun.cache.Clear()
	scopes.Delete(s.id)
	s.logger.Debug("scope disposed", "instances", n)

	var result *multierror.Error
	for _, ext := range s.exts() {
		if err := ext.Dispose(s); err != nil {
			result = appendErr(result, fmt.Errorf("disposing extension %s: %w", ext.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Label names a live registration id by its declaration
func (s *Scope) Label(id RegistrationID) string {
	decl, ok := s.live.declOf(id)
	if !ok {
		return string(id)
	}
	name := string(decl)
	if d, ok := s.providers.Declaration(decl); ok {
		name = d.Name()
	}
	short := string(id)
	if len(short) > 8 {
		short = short[:8]
	}
	return name + " (" + short + ")"
}
