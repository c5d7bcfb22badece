package pumped

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Payload describes the instance to register
type Payload struct {
	Key    DependencyKey
	Slot   int
	Body   ServiceBody
	Config any
}

type instanceKey struct {
	key  DependencyKey
	slot int
}

// registration tracks the lifecycle of every instance owned by one registration id
type registration struct {
	instances  map[instanceKey]*RuntimeInstance
	promoted   bool
	pending    bool
	timer      Timer
	generation uint64
}

func newRegistration() *registration {
	return &registration{instances: make(map[instanceKey]*RuntimeInstance)}
}

type registryHooks struct {
	created      func(*RuntimeInstance)
	disposed     func(*RuntimeInstance)
	disposeError func(*DisposeError) bool
}

// InstanceRegistry owns service instances keyed by (registration, key, slot)
type InstanceRegistry struct {
	mu        sync.RWMutex
	namespace string
	entries   map[RegistrationID]*registration
	timers    Timers
	ttl       time.Duration
	env       func() *Env
	logger    hclog.Logger
	hooks     *registryHooks

	// parent lends its live instances to an isolated registry
	parent   *InstanceRegistry
	borrowed map[*RuntimeInstance]bool
}

// RegistryOption configures an InstanceRegistry
type RegistryOption func(*InstanceRegistry)

// WithTimers replaces the clock used for grace-period disposal
func WithTimers(t Timers) RegistryOption {
	return func(r *InstanceRegistry) {
		r.timers = t
	}
}

// WithPostUnmountTTL sets the grace period between unregister and disposal
func WithPostUnmountTTL(d time.Duration) RegistryOption {
	return func(r *InstanceRegistry) {
		r.ttl = d
	}
}

// WithRegistryLogger sets the logger disposal failures go to
func WithRegistryLogger(l hclog.Logger) RegistryOption {
	return func(r *InstanceRegistry) {
		r.logger = l
	}
}

func withRegistryEnv(env func() *Env) RegistryOption {
	return func(r *InstanceRegistry) {
		r.env = env
	}
}

func withRegistryHooks(h *registryHooks) RegistryOption {
	return func(r *InstanceRegistry) {
		r.hooks = h
	}
}

func NewInstanceRegistry(opts ...RegistryOption) *InstanceRegistry {
	r := &InstanceRegistry{
		namespace: "live",
		entries:   make(map[RegistrationID]*registration),
		timers:    realTimers{},
		ttl:       DefaultPostUnmountTTL,
		env:       defaultEnv,
		logger:    hclog.NewNullLogger(),
		hooks:     &registryHooks{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *InstanceRegistry) Namespace() string {
	return r.namespace
}

// Register returns the instance for (id, key, slot), instantiating it on the first call
func (r *InstanceRegistry) Register(id RegistrationID, p Payload) (*RuntimeInstance, error) {
	k := instanceKey{key: p.Key, slot: p.Slot}

	r.mu.RLock()
	if reg, ok := r.entries[id]; ok {
		if inst, ok := reg.instances[k]; ok && !inst.Disposed() {
			r.mu.RUnlock()
			return inst, nil
		}
	}
	r.mu.RUnlock()

	if r.parent != nil {
		if inst, ok := r.parent.Get(id, p.Key, p.Slot); ok {
			return r.borrow(id, k, inst), nil
		}
	}

	inst, err := instantiate(p.Body, id, p.Slot, p.Config, r.env())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	reg, ok := r.entries[id]
	if !ok {
		reg = newRegistration()
		r.entries[id] = reg
	}
	if existing, ok := reg.instances[k]; ok && !existing.Disposed() {
		r.mu.Unlock()
		// lost the race: keep the registered one so there is never a second live instance
		r.disposeInstance(inst, "dispose")
		return existing, nil
	}
	reg.instances[k] = inst
	r.mu.Unlock()

	if r.hooks.created != nil {
		r.hooks.created(inst)
	}
	return inst, nil
}

func (r *InstanceRegistry) borrow(id RegistrationID, k instanceKey, inst *RuntimeInstance) *RuntimeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[id]
	if !ok {
		reg = newRegistration()
		r.entries[id] = reg
	}
	if existing, ok := reg.instances[k]; ok && !existing.Disposed() {
		return existing
	}
	reg.instances[k] = inst
	r.borrowed[inst] = true
	return inst
}

// Get returns the live instance at (id, key, slot)
func (r *InstanceRegistry) Get(id RegistrationID, key DependencyKey, slot int) (*RuntimeInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	inst, ok := reg.instances[instanceKey{key: key, slot: slot}]
	if !ok || inst.Disposed() {
		return nil, false
	}
	return inst, true
}

// Provided returns the instance id exposes for key; the highest slot shadows lower ones
func (r *InstanceRegistry) Provided(id RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providedLocked(id, key)
}

func (r *InstanceRegistry) providedLocked(id RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	reg, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	var best *RuntimeInstance
	for k, inst := range reg.instances {
		if k.key != key || inst.Disposed() {
			continue
		}
		if best == nil || inst.slot > best.slot {
			best = inst
		}
	}
	return best, best != nil
}

// GetByKey walks the ancestors of from, nearest first, and returns the first instance for key
func (r *InstanceRegistry) GetByKey(parents ParentLookup, from RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	current := from
	for {
		p, ok := parents.Parent(current)
		if !ok || p == RootID {
			return nil, false
		}
		if inst, ok := r.Provided(p, key); ok {
			return inst, true
		}
		current = p
	}
}

// Instances returns the live instances of id ordered by key name and slot
func (r *InstanceRegistry) Instances(id RegistrationID) []*RuntimeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := make([]*RuntimeInstance, 0, len(reg.instances))
	for _, inst := range reg.instances {
		if !inst.Disposed() {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out
}

// IDs returns every registration id holding state, sorted
func (r *InstanceRegistry) IDs() []RegistrationID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegistrationID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Promote marks the instances of id as intentionally kept past the current render
func (r *InstanceRegistry) Promote(id RegistrationID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[id]
	if !ok {
		reg = newRegistration()
		r.entries[id] = reg
	}
	reg.promoted = true
}

func (r *InstanceRegistry) IsPromoted(id RegistrationID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	return ok && reg.promoted
}

// GCUnpromoted disposes everything under id if it was never promoted, returning the count
func (r *InstanceRegistry) GCUnpromoted(id RegistrationID) int {
	r.mu.Lock()
	reg, ok := r.entries[id]
	if !ok || reg.promoted {
		r.mu.Unlock()
		return 0
	}
	delete(r.entries, id)
	r.mu.Unlock()

	return r.disposeRegistration(reg, "gc")
}

// Unregister schedules disposal of every instance under id after the grace period
func (r *InstanceRegistry) Unregister(id RegistrationID) {
	r.mu.Lock()
	reg, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.ttl <= 0 {
		delete(r.entries, id)
		r.mu.Unlock()
		r.disposeRegistration(reg, "unmount")
		return
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	reg.pending = true
	reg.generation++
	gen := reg.generation
	reg.timer = r.timers.AfterFunc(r.ttl, func() {
		r.expire(id, gen)
	})
	r.mu.Unlock()
}

// expire runs on the timer callback. The node may have remounted since the timer was
// armed, so the generation is checked again under the lock.
func (r *InstanceRegistry) expire(id RegistrationID, gen uint64) {
	r.mu.Lock()
	reg, ok := r.entries[id]
	if !ok || !reg.pending || reg.generation != gen {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.disposeRegistration(reg, "unmount")
}

// KeepAlive cancels a pending grace-period disposal. It reports whether one was pending.
func (r *InstanceRegistry) KeepAlive(id RegistrationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[id]
	if !ok || !reg.pending {
		return false
	}
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
	reg.pending = false
	reg.generation++
	return true
}

// Pending reports whether id is waiting out its grace period
func (r *InstanceRegistry) Pending(id RegistrationID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	return ok && reg.pending
}

// Dispose disposes every instance under id immediately
func (r *InstanceRegistry) Dispose(id RegistrationID) int {
	r.mu.Lock()
	reg, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	delete(r.entries, id)
	r.mu.Unlock()

	return r.disposeRegistration(reg, "dispose")
}

// DisposeAll disposes everything, pending or not, and returns how many instances went
func (r *InstanceRegistry) DisposeAll() int {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.entries))
	ids := make([]RegistrationID, 0, len(r.entries))
	for id, reg := range r.entries {
		ids = append(ids, id)
		regs = append(regs, reg)
	}
	r.entries = make(map[RegistrationID]*registration)
	r.mu.Unlock()

	// deepest ids are not known here; dispose in reverse id order for determinism
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] > ids[order[b]] })

	n := 0
	for _, i := range order {
		if regs[i].timer != nil {
			regs[i].timer.Stop()
		}
		n += r.disposeRegistration(regs[i], "dispose")
	}
	return n
}

// Isolated returns an empty registry that shares this one's clock, environment and
// hooks. Nothing registered there is visible here until merged. Registering an
// instance this registry already holds borrows it instead of instantiating again;
// borrowed instances are never disposed by the isolated registry.
func (r *InstanceRegistry) Isolated(namespace string) *InstanceRegistry {
	return &InstanceRegistry{
		namespace: namespace,
		entries:   make(map[RegistrationID]*registration),
		timers:    r.timers,
		ttl:       r.ttl,
		env:       r.env,
		logger:    r.logger.Named(namespace),
		hooks:     r.hooks,
		parent:    r,
		borrowed:  make(map[*RuntimeInstance]bool),
	}
}

// MergeIsolatedByID moves the instances of id from iso into r. Where r already holds a
// live instance for the same key and slot, the isolated duplicate is disposed.
func (r *InstanceRegistry) MergeIsolatedByID(iso *InstanceRegistry, id RegistrationID) int {
	if iso == r {
		return 0
	}

	iso.mu.Lock()
	src, ok := iso.entries[id]
	if ok {
		delete(iso.entries, id)
	}
	iso.mu.Unlock()
	if !ok {
		return 0
	}

	var duplicates []*RuntimeInstance
	moved := 0

	r.mu.Lock()
	dst, ok := r.entries[id]
	if !ok {
		dst = newRegistration()
		r.entries[id] = dst
	}
	dst.promoted = dst.promoted || src.promoted
	for k, inst := range src.instances {
		if existing, ok := dst.instances[k]; ok && !existing.Disposed() {
			if existing != inst {
				duplicates = append(duplicates, inst)
			}
			continue
		}
		dst.instances[k] = inst
		moved++
	}
	r.mu.Unlock()

	for _, inst := range duplicates {
		r.disposeInstance(inst, "merge")
	}
	return moved
}

// Len returns the number of live instances across all ids
func (r *InstanceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, reg := range r.entries {
		for _, inst := range reg.instances {
			if !inst.Disposed() {
				n++
			}
		}
	}
	return n
}

func (r *InstanceRegistry) disposeRegistration(reg *registration, context string) int {
	insts := make([]*RuntimeInstance, 0, len(reg.instances))
	for _, inst := range reg.instances {
		insts = append(insts, inst)
	}
	sortInstances(insts)

	n := 0
	for i := len(insts) - 1; i >= 0; i-- {
		if r.disposeInstance(insts[i], context) {
			n++
		}
	}
	return n
}

// disposeInstance never lets a failing cleanup escape
func (r *InstanceRegistry) disposeInstance(inst *RuntimeInstance, context string) bool {
	if inst.Disposed() || r.isBorrowed(inst) {
		return false
	}

	if err := inst.dispose(); err != nil {
		disposeErr := &DisposeError{ID: inst.id, Key: inst.key, Err: err, Context: context}
		handled := false
		if r.hooks.disposeError != nil {
			handled = r.hooks.disposeError(disposeErr)
		}
		if !handled {
			r.logger.Error("instance disposal failed",
				"id", string(inst.id), "key", inst.key.name, "context", context, "error", err)
		}
	}

	if r.hooks.disposed != nil {
		r.hooks.disposed(inst)
	}
	return true
}

func (r *InstanceRegistry) isBorrowed(inst *RuntimeInstance) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.borrowed[inst]
}

func sortInstances(insts []*RuntimeInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].key != insts[j].key {
			return keyLess(insts[i].key, insts[j].key)
		}
		return insts[i].slot < insts[j].slot
	})
}
