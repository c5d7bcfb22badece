package pumped

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// treeState is what one mount pass writes to: the live tree or a hidden one
type treeState struct {
	name     string
	tree     *TreeMap
	identity *Identity
	registry *InstanceRegistry
	mode     BuildMode
	shape    StubShape
	rootSig  uuid.UUID
	env      *Env

	observe  func(AncestorRecord)
	maxNodes int

	mu    sync.RWMutex
	decls map[RegistrationID]DeclarationID
	count int
}

func newTreeState(name string, tree *TreeMap, identity *Identity, registry *InstanceRegistry, mode BuildMode, rootSig uuid.UUID) *treeState {
	return &treeState{
		name:     name,
		tree:     tree,
		identity: identity,
		registry: registry,
		mode:     mode,
		shape:    DeclaredStub,
		rootSig:  rootSig,
		decls:    make(map[RegistrationID]DeclarationID),
	}
}

func (st *treeState) setDecl(id RegistrationID, decl DeclarationID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.decls[id] = decl
}

func (st *treeState) declOf(id RegistrationID) (DeclarationID, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	d, ok := st.decls[id]
	return d, ok
}

func (st *treeState) dropDecl(id RegistrationID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.decls, id)
}

// admit counts a node about to mount against the node limit
func (st *treeState) admit() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.count++
	if st.maxNodes > 0 && st.count > st.maxNodes {
		return fmt.Errorf("%s render exceeded %d nodes", st.name, st.maxNodes)
	}
	return nil
}

// Host renders element trees outside the live tree
type Host interface {
	MountHidden(ctx context.Context, scope *Scope, root Element, opts HiddenOptions) (HiddenMount, error)
}

// HiddenOptions configures a hidden render
type HiddenOptions struct {
	Namespace string
	// MaxNodes aborts renders that never terminate; zero means no limit
	MaxNodes int
	// Observe is called once per committed node, in pre-order
	Observe func(AncestorRecord)
}

// HiddenMount is a hidden tree that stays mounted until Unmount
type HiddenMount interface {
	Root() *MountedNode
	Unmount()
}

// MemoryHost renders hidden trees in memory. Every node is built in probe mode with
// inert side effects, against a private TreeMap, Identity and registry namespace.
type MemoryHost struct{}

func (MemoryHost) MountHidden(ctx context.Context, s *Scope, root Element, opts HiddenOptions) (HiddenMount, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "hidden/" + uuid.NewString()
	}

	st := newTreeState(ns, NewTreeMap(), NewIdentity(), s.registry.Isolated(ns), ModeProbe, s.rootSig)
	st.env = inertEnv()
	st.observe = opts.Observe
	st.maxNodes = opts.MaxNodes

	n, err := s.mountElement(ctx, st, placement{parentID: RootID, parentSig: s.rootSig}, root, nil)
	if err != nil {
		st.registry.DisposeAll()
		return nil, err
	}
	return &memoryHidden{root: n, state: st}, nil
}

type memoryHidden struct {
	root  *MountedNode
	state *treeState
	once  sync.Once
}

func (h *memoryHidden) Root() *MountedNode {
	return h.root
}

func (h *memoryHidden) Unmount() {
	h.once.Do(func() {
		h.root.teardown()
		h.state.registry.DisposeAll()
	})
}
