package pumped

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// MountOption configures a Mount call
type MountOption func(*mountOptions)

type mountOptions struct {
	root *Element
	path []DeclarationID
}

// WithPortableRoot mounts the element off-tree. root is the element the application
// would normally render the target under; a dry run of it supplies the ancestry.
func WithPortableRoot(root Element) MountOption {
	return func(o *mountOptions) {
		o.root = &root
	}
}

// WithTargetPath restricts dry-run matches to targets whose nearest ancestors have
// these declarations, outermost first
func WithTargetPath(decls ...DeclarationID) MountOption {
	return func(o *mountOptions) {
		o.path = decls
	}
}

// placement is where a node goes: its parent on the tree and the signature its id derives from
type placement struct {
	parent    *MountedNode
	parentID  RegistrationID
	parentSig uuid.UUID
	// family overrides parentID as the salt family parent
	family RegistrationID
	index  int
}

func (p placement) familyParent() RegistrationID {
	if p.family != "" {
		return p.family
	}
	return p.parentID
}

// MountedNode is a committed node of a live or hidden tree
type MountedNode struct {
	mu        sync.RWMutex
	scope     *Scope
	state     *treeState
	parent    *MountedNode
	place     placement
	decl      *Declaration
	key       string
	props     Attributes
	id        RegistrationID
	sig       uuid.UUID
	ticket    *SaltTicket
	result    *BuildResult
	children  []*MountedNode
	portable  *portable
	unmounted bool
}

func (n *MountedNode) ID() RegistrationID {
	return n.id
}

func (n *MountedNode) Declaration() *Declaration {
	return n.decl
}

func (n *MountedNode) Key() string {
	return n.key
}

// Salt returns the node's salt; nil for the canonical sibling
func (n *MountedNode) Salt() *int {
	return n.ticket.Salt()
}

func (n *MountedNode) Parent() *MountedNode {
	return n.parent
}

func (n *MountedNode) Props() Attributes {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.props)
}

// Attributes returns the output attributes of the last build
func (n *MountedNode) Attributes() Attributes {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.result.Attributes)
}

func (n *MountedNode) Result() *BuildResult {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.result
}

func (n *MountedNode) Children() []*MountedNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MountedNode, len(n.children))
	copy(out, n.children)
	return out
}

// Ghosts returns the synthesized ancestors of an off-tree mount, outermost first
func (n *MountedNode) Ghosts() []*Ghost {
	if n.portable == nil {
		return nil
	}
	return n.portable.snapshot()
}

// Reconstruction returns how the ancestry of an off-tree mount was resolved, if it had to be
func (n *MountedNode) Reconstruction() *Reconstruction {
	if n.portable == nil {
		return nil
	}
	n.portable.mu.RLock()
	defer n.portable.mu.RUnlock()
	return n.portable.rec
}

// Candidate returns the dry-run candidate an off-tree mount was placed by
func (n *MountedNode) Candidate() *DryRunCandidate {
	if n.portable == nil {
		return nil
	}
	return n.portable.candidate
}

// Find returns the first node in pre-order with the given declaration
func (n *MountedNode) Find(decl *Declaration) *MountedNode {
	if n.decl == decl {
		return n
	}
	for _, c := range n.Children() {
		if found := c.Find(decl); found != nil {
			return found
		}
	}
	return nil
}

// Mounted reports whether the node is still on its tree
func (n *MountedNode) Mounted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.unmounted
}

// Mount renders el at the top of the live tree
func (s *Scope) Mount(el Element, opts ...MountOption) (*MountedNode, error) {
	return s.MountContext(context.Background(), el, opts...)
}

// MountContext is Mount with a context checked between nodes
func (s *Scope) MountContext(ctx context.Context, el Element, opts ...MountOption) (*MountedNode, error) {
	if s.isDisposed() {
		return nil, ErrScopeDisposed
	}
	if el.Decl == nil {
		return nil, errors.New("mount: element has no declaration")
	}

	o := &mountOptions{}
	for _, opt := range opts {
		opt(o)
	}

	op := &Operation{Kind: OpMount, Node: el.Decl.Name(), Scope: s}
	out, err := s.wrap(ctx, op, func() (any, error) {
		if o.root != nil {
			return s.mountPortable(ctx, el, o)
		}
		return s.mountElement(ctx, s.live, placement{parentID: RootID, parentSig: s.rootSig}, el, nil)
	})
	if err != nil {
		return nil, err
	}

	node := out.(*MountedNode)
	op.ID = node.id
	s.addRoot(node)
	return node, nil
}

func (s *Scope) mountPortable(ctx context.Context, el Element, o *mountOptions) (*MountedNode, error) {
	if o.root.Decl == nil {
		return nil, errors.New("mount: portable root has no declaration")
	}

	found, err := s.dryRun.Discover(ctx, *o.root, TargetSpec{Decl: el.Decl.ID(), Key: el.Key, Path: o.path})
	if err != nil {
		return nil, err
	}
	cand := found.Canonical

	explicit := el.Props
	if cand.IsStructuralMatch && len(cand.TargetProps) > 0 {
		props := maps.Clone(cand.TargetProps)
		maps.Copy(props, el.Props)
		el.Props = props
	}

	pl := placement{parentID: RootID, parentSig: s.rootSig}
	if parent := cand.parentRecord(); parent != nil {
		pl.parentSig = parent.Signature
		pl.family = parent.ID
	}

	pt := &portable{scope: s, root: *o.root, candidate: cand, explicit: explicit}
	n, err := s.mountElement(ctx, s.live, pl, el, pt)
	if err != nil {
		pt.release()
		return nil, err
	}
	return n, nil
}

// mountElement runs the render phase of el (twice under strict rendering, with the
// same token), commits it, then mounts its children
func (s *Scope) mountElement(ctx context.Context, st *treeState, pl placement, el Element, pt *portable) (*MountedNode, error) {
	if el.Decl == nil {
		return nil, fmt.Errorf("child %d of %s has no declaration", pl.index, pl.parentID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := st.admit(); err != nil {
		return nil, err
	}
	changed, err := s.providers.RegisterDeclaration(el.Decl)
	if err != nil {
		return nil, err
	}
	if changed && st.mode == ModeLive {
		s.dryRun.Invalidate()
	}

	n := &MountedNode{
		scope:    s,
		state:    st,
		parent:   pl.parent,
		place:    pl,
		decl:     el.Decl,
		key:      el.Key,
		props:    el.Props,
		portable: pt,
	}
	if pt != nil && pt.node == nil {
		pt.node = n
	}

	token := NewMountToken()
	family := FamilyKey{Parent: pl.familyParent(), Decl: el.Decl.ID(), Key: el.Key}
	hints := ClaimHints{HasUserKey: el.HasKey(), Name: el.Decl.Name()}

	passes := 1
	if s.cfg.StrictRender && st.mode == ModeLive {
		passes = 2
	}
	for pass := 0; pass < passes; pass++ {
		if err := n.render(ctx, token, family, hints); err != nil {
			n.abort()
			return nil, err
		}
	}

	n.commit()

	if err := n.mountChildren(ctx, n.decl.Render(n.result.Attributes)); err != nil {
		n.teardown()
		return nil, err
	}
	return n, nil
}

func (n *MountedNode) render(ctx context.Context, token MountToken, family FamilyKey, hints ClaimHints) error {
	st := n.state

	n.ticket = st.identity.Claim(family, token, hints)
	n.id, n.sig = st.identity.RegistrationID(n.place.parentSig, n.decl.ID(), n.key, n.ticket.Salt())
	if err := st.tree.Register(n.id, n.place.parentID); err != nil {
		return fmt.Errorf("registering %s: %w", n.decl.Name(), err)
	}
	st.setDecl(n.id, n.decl.ID())
	st.registry.KeepAlive(n.id)

	res, err := n.build(ctx)
	if err != nil {
		return err
	}
	n.result = res
	return nil
}

func (n *MountedNode) buildInput() BuildInput {
	s, st := n.scope, n.state
	env := st.env
	if env == nil {
		env = s.currentEnv()
	}
	return BuildInput{
		Entries:    s.providers.EntriesFor(n.decl.ID()),
		Attributes: n.props,
		ID:         n.id,
		Registry:   st.registry,
		Upstream:   n.upstream(),
		Mode:       st.mode,
		Shape:      st.shape,
		Env:        env,
		Overrides:  s.overridesSnapshot(),
		Policy:     s.cfg.MissingPolicy,
	}
}

func (n *MountedNode) build(ctx context.Context) (*BuildResult, error) {
	in := n.buildInput()
	res, err := n.scope.builder.Build(in)
	if err != nil {
		return nil, err
	}
	if res.Resolved() || in.Mode == ModeProbe {
		return res, nil
	}
	return n.resolveMissing(ctx, in, res)
}

// resolveMissing handles a live build that could not see every upstream key
func (n *MountedNode) resolveMissing(ctx context.Context, in BuildInput, res *BuildResult) (*BuildResult, error) {
	s := n.scope
	first := res.Missing.Sorted()[0]

	if s.cfg.MissingPolicy == MissingError {
		return nil, &MissingDependencyError{Key: first, Node: n.id}
	}

	pt := n.portable
	switch {
	case pt != nil && pt.node == n:
		rec, err := s.reconstructor.Resolve(ctx, ReconstructRequest{
			Node:       n.decl.Name(),
			ID:         n.id,
			Decl:       n.decl.ID(),
			Entries:    in.Entries,
			Attributes: in.Attributes,
			Explicit:   pt.explicit,
			Candidate:  pt.candidate,
			Missing:    res.Missing,
			Upstream:   in.Upstream,
		})
		if err != nil {
			return nil, err
		}
		pt.adopt(rec)
		if rec.Props != nil {
			n.mu.Lock()
			n.props = rec.Props
			n.mu.Unlock()
		}
		return rec.Result, nil

	case pt != nil:
		// a descendant of an off-tree mount wants more than the targeted ghosts give
		if err := pt.complete(ctx); err != nil {
			return nil, err
		}
		in.Upstream = n.upstream()
		res, err := s.builder.Build(in)
		if err != nil {
			return nil, err
		}
		if !res.Resolved() {
			return nil, WithStackTrace(&UnsatisfiableError{Key: res.Missing.Sorted()[0], Node: n.decl.Name()})
		}
		return res, nil
	}

	return nil, WithStackTrace(&UnsatisfiableError{Key: first, Node: n.decl.Name()})
}

func (n *MountedNode) upstream() UpstreamSource {
	st := n.state
	if st.mode == ModeProbe {
		return declaredUpstream{parents: st.tree, declOf: st.declOf, providers: n.scope.providers}
	}
	live := RegistryUpstream{Registry: st.registry, Parents: st.tree}
	if n.portable != nil {
		return upstreamChain{live, n.portable.upstream()}
	}
	return live
}

func (n *MountedNode) commit() {
	st := n.state
	n.ticket.Commit()
	st.registry.Promote(n.id)

	if st.observe != nil {
		st.observe(n.record())
	}
}

func (n *MountedNode) depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

func (n *MountedNode) mountChildren(ctx context.Context, elements []Element) error {
	for i, el := range elements {
		child, err := n.scope.mountElement(ctx, n.state, n.childPlacement(i), el, n.portable)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.children = append(n.children, child)
		n.mu.Unlock()
	}
	return nil
}

func (n *MountedNode) childPlacement(index int) placement {
	return placement{parent: n, parentID: n.id, parentSig: n.sig, index: index}
}

// abort undoes a render that never committed
func (n *MountedNode) abort() {
	if n.id == "" {
		return
	}
	st := n.state
	if st.registry.GCUnpromoted(n.id) == 0 && st.registry.IsPromoted(n.id) {
		// a remount that failed: let the old instances expire
		st.registry.Unregister(n.id)
	}
	st.tree.Unregister(n.id)
	st.dropDecl(n.id)
	if n.ticket != nil {
		n.ticket.Release()
	}
	if n.portable != nil && n.portable.node == n {
		n.portable.release()
	}
}

// teardown unmounts children first, then releases the node's edge, instances and salt
func (n *MountedNode) teardown() {
	n.mu.Lock()
	if n.unmounted {
		n.mu.Unlock()
		return
	}
	n.unmounted = true
	children := n.children
	n.children = nil
	n.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].teardown()
	}

	st := n.state
	st.tree.Unregister(n.id)
	st.dropDecl(n.id)
	st.registry.Unregister(n.id)
	n.ticket.Release()

	if n.portable != nil && n.portable.node == n {
		n.portable.release()
	}
}

// Unmount removes the node and its subtree. Instances outlive it for the grace period.
func (n *MountedNode) Unmount() error {
	s := n.scope
	op := &Operation{Kind: OpUnmount, Node: n.decl.Name(), ID: n.id, Scope: s}
	_, err := s.wrap(context.Background(), op, func() (any, error) {
		if !n.Mounted() {
			return nil, ErrNotRegistered
		}
		n.teardown()
		if n.parent != nil {
			n.parent.mu.Lock()
			n.parent.children = removeElement(n.parent.children, n)
			n.parent.mu.Unlock()
		} else {
			s.removeRoot(n)
		}
		return nil, nil
	})
	return err
}

// Rerender rebuilds the node with new props under the same id and reconciles its children
func (n *MountedNode) Rerender(ctx context.Context, props Attributes) error {
	s := n.scope
	op := &Operation{Kind: OpRerender, Node: n.decl.Name(), ID: n.id, Scope: s}
	_, err := s.wrap(ctx, op, func() (any, error) {
		if !n.Mounted() {
			return nil, ErrNotRegistered
		}
		return nil, n.rerender(ctx, props)
	})
	return err
}

func (n *MountedNode) rerender(ctx context.Context, props Attributes) error {
	n.mu.Lock()
	prev := n.props
	n.props = props
	n.mu.Unlock()

	res, err := n.build(ctx)
	if err != nil {
		n.mu.Lock()
		n.props = prev
		n.mu.Unlock()
		return err
	}

	n.mu.Lock()
	n.result = res
	n.mu.Unlock()

	return n.reconcile(ctx, n.decl.Render(res.Attributes))
}

type childSlot struct {
	decl DeclarationID
	key  string
	occ  int
}

func slotsOf(decls []DeclarationID, keys []string) []childSlot {
	seen := make(map[childSlot]int)
	out := make([]childSlot, len(decls))
	for i := range decls {
		base := childSlot{decl: decls[i], key: keys[i]}
		out[i] = childSlot{decl: decls[i], key: keys[i], occ: seen[base]}
		seen[base]++
	}
	return out
}

// reconcile matches new children to existing ones by declaration, key and occurrence.
// Matches are rerendered in place; the rest unmount before new ones mount so freed
// salts are reused.
func (n *MountedNode) reconcile(ctx context.Context, elements []Element) error {
	old := n.Children()

	oldDecls := make([]DeclarationID, len(old))
	oldKeys := make([]string, len(old))
	for i, c := range old {
		oldDecls[i], oldKeys[i] = c.decl.ID(), c.key
	}
	newDecls := make([]DeclarationID, len(elements))
	newKeys := make([]string, len(elements))
	for i, el := range elements {
		if el.Decl == nil {
			return fmt.Errorf("child %d of %s has no declaration", i, n.decl.Name())
		}
		newDecls[i], newKeys[i] = el.Decl.ID(), el.Key
	}

	existing := make(map[childSlot]*MountedNode, len(old))
	for i, slot := range slotsOf(oldDecls, oldKeys) {
		existing[slot] = old[i]
	}

	next := make([]*MountedNode, len(elements))
	kept := make(map[*MountedNode]bool, len(old))
	for i, slot := range slotsOf(newDecls, newKeys) {
		if c, ok := existing[slot]; ok {
			next[i] = c
			kept[c] = true
		}
	}
	for i := len(old) - 1; i >= 0; i-- {
		if !kept[old[i]] {
			old[i].teardown()
		}
	}

	for i, el := range elements {
		if next[i] != nil {
			next[i].place.index = i
			if err := next[i].rerender(ctx, el.Props); err != nil {
				return err
			}
			continue
		}
		child, err := n.scope.mountElement(ctx, n.state, n.childPlacement(i), el, n.portable)
		if err != nil {
			n.setChildren(next)
			return err
		}
		next[i] = child
	}

	n.setChildren(next)
	return nil
}

func (n *MountedNode) setChildren(children []*MountedNode) {
	out := make([]*MountedNode, 0, len(children))
	for _, c := range children {
		if c != nil {
			out = append(out, c)
		}
	}
	n.mu.Lock()
	n.children = out
	n.mu.Unlock()
}

// record snapshots the node for a dry run
func (n *MountedNode) record() AncestorRecord {
	parent := RootID
	if n.parent != nil {
		parent = n.parent.id
	}
	touched := make(map[EntryID]KeySet, len(n.result.Touched))
	for id, keys := range n.result.Touched {
		touched[id] = keys.Clone()
	}
	return AncestorRecord{
		ID:             n.id,
		Parent:         parent,
		Signature:      n.sig,
		Decl:           n.decl.ID(),
		Name:           n.decl.Name(),
		Key:            n.key,
		Salt:           n.ticket.Salt(),
		ChildIndex:     n.place.index,
		Depth:          n.depth(),
		Props:          snapshot(n.props),
		Attributes:     snapshot(n.result.Attributes),
		Touched:        touched,
		LocalProviders: n.result.Provided.Clone(),
		Missing:        n.result.Missing.Clone(),
	}
}

// portable is the off-tree state shared by a portable mount and its descendants
type portable struct {
	mu        sync.RWMutex
	scope     *Scope
	root      Element
	candidate *DryRunCandidate
	explicit  Attributes
	node      *MountedNode
	rec       *Reconstruction
	ghosts    []*Ghost
	full      bool
}

func (p *portable) snapshot() []*Ghost {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Ghost, len(p.ghosts))
	copy(out, p.ghosts)
	return out
}

// adopt takes over the ghosts of rec, releasing the ones it replaces
func (p *portable) adopt(rec *Reconstruction) {
	for _, g := range rec.Ghosts {
		p.scope.acquireGhost(g.ID)
	}

	p.mu.Lock()
	prev := p.ghosts
	p.ghosts = rec.Ghosts
	p.rec = rec
	if len(rec.Ghosts) == len(p.candidate.Chain) {
		p.full = true
	}
	p.mu.Unlock()

	for _, g := range prev {
		p.scope.releaseGhost(g.ID)
	}
}

// complete reconstructs the whole candidate chain, for descendants that need keys the
// targeted ghosts do not provide
func (p *portable) complete(ctx context.Context) error {
	p.mu.RLock()
	full := p.full
	p.mu.RUnlock()
	if full {
		return nil
	}

	n := p.node
	in := n.buildInput()
	rec, err := p.scope.reconstructor.Complete(ctx, ReconstructRequest{
		Node:       n.decl.Name(),
		ID:         n.id,
		Decl:       n.decl.ID(),
		Entries:    in.Entries,
		Attributes: in.Attributes,
		Explicit:   p.explicit,
		Candidate:  p.candidate,
		Missing:    KeySet{},
		Upstream:   RegistryUpstream{Registry: n.state.registry, Parents: n.state.tree},
	})
	if err != nil {
		return err
	}
	p.adopt(rec)
	return nil
}

func (p *portable) release() {
	p.mu.Lock()
	ghosts := p.ghosts
	p.ghosts = nil
	p.mu.Unlock()

	for i := len(ghosts) - 1; i >= 0; i-- {
		p.scope.releaseGhost(ghosts[i].ID)
	}
}

func (p *portable) upstream() UpstreamSource {
	ghosts := p.snapshot()
	ids := make([]RegistrationID, len(ghosts))
	for i, g := range ghosts {
		ids[len(ghosts)-1-i] = g.ID
	}
	return ghostUpstream{registry: p.scope.registry, ids: ids}
}

// ghostUpstream resolves through ghost instances, nearest ghost first
type ghostUpstream struct {
	registry *InstanceRegistry
	ids      []RegistrationID
}

func (g ghostUpstream) Lookup(_ RegistrationID, key DependencyKey) (*RuntimeInstance, bool) {
	for _, id := range g.ids {
		if inst, ok := g.registry.Provided(id, key); ok {
			return inst, true
		}
	}
	return nil, false
}
