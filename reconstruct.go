package pumped

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/hashicorp/go-multierror"
)

// Strategy is a stage of off-tree ancestry discovery
type Strategy int

const (
	// StrategyStub probes the target with stubbed dependencies to learn what it asks for
	StrategyStub Strategy = iota
	// StrategyIsolatedCheck builds the targeted ghosts and the target in an isolated registry
	StrategyIsolatedCheck
	// StrategyAll builds a ghost for every ancestor the dry run found
	StrategyAll
	// StrategyPublic builds the target against the live registry; it must succeed
	StrategyPublic
)

func (s Strategy) String() string {
	switch s {
	case StrategyStub:
		return "stub"
	case StrategyIsolatedCheck:
		return "isolated-check"
	case StrategyAll:
		return "all"
	case StrategyPublic:
		return "public"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// step is one state of the resolver loop
type step interface {
	strategy() Strategy
}

type stubStep struct{}

type isolatedStep struct {
	from    int
	missing KeySet
}

type allStep struct {
	missing KeySet
}

type publicStep struct {
	ghosts []*Ghost
	tree   *TreeMap
	parent RegistrationID
}

func (stubStep) strategy() Strategy     { return StrategyStub }
func (isolatedStep) strategy() Strategy { return StrategyIsolatedCheck }
func (allStep) strategy() Strategy      { return StrategyAll }
func (publicStep) strategy() Strategy   { return StrategyPublic }

// ReconstructRequest describes the target whose ancestry must be synthesized
type ReconstructRequest struct {
	Node       string
	ID         RegistrationID
	Decl       DeclarationID
	Entries    []ProviderEntry
	Attributes Attributes
	// Explicit are the props the caller passed; they win over replayed ones
	Explicit  Attributes
	Candidate *DryRunCandidate
	// Missing are the keys the live build could not see
	Missing  KeySet
	Upstream UpstreamSource
}

// Ghost is a synthesized ancestor of an off-tree mount. Its id never enters the live TreeMap.
type Ghost struct {
	ID     RegistrationID
	Decl   DeclarationID
	Name   string
	Depth  int
	Props  Attributes
	Result *BuildResult
}

// Reconstruction is how a target's ancestry was resolved
type Reconstruction struct {
	// Strategy is the one that succeeded; Path lists every strategy entered
	Strategy  Strategy
	Path      []Strategy
	Ghosts    []*Ghost
	Result    *BuildResult
	Props     Attributes
	Probed    KeySet
	ProbeErrs error
	Candidate *DryRunCandidate
}

// Reconstructor synthesizes missing ancestor chains from dry-run candidates
type Reconstructor struct {
	scope *Scope
}

func newReconstructor(s *Scope) *Reconstructor {
	return &Reconstructor{scope: s}
}

// Resolve escalates from stub probing to a full public build until the target resolves
func (r *Reconstructor) Resolve(ctx context.Context, req ReconstructRequest) (*Reconstruction, error) {
	return r.start(ctx, req, stubStep{})
}

// Complete skips straight to rebuilding the whole candidate chain
func (r *Reconstructor) Complete(ctx context.Context, req ReconstructRequest) (*Reconstruction, error) {
	return r.start(ctx, req, allStep{missing: req.Missing})
}

func (r *Reconstructor) start(ctx context.Context, req ReconstructRequest, first step) (*Reconstruction, error) {
	if req.Candidate == nil {
		return nil, errors.New("reconstruct: no dry-run candidate")
	}
	s := r.scope
	op := &Operation{Kind: OpReconstruct, Node: req.Node, ID: req.ID, Scope: s}
	out, err := s.wrap(ctx, op, func() (any, error) {
		return r.run(ctx, op, req, first)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Reconstruction), nil
}

func (r *Reconstructor) run(ctx context.Context, op *Operation, req ReconstructRequest, first step) (*Reconstruction, error) {
	rec := &Reconstruction{Candidate: req.Candidate, Probed: KeySet{}}

	state := first
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec.Strategy = state.strategy()
		rec.Path = append(rec.Path, rec.Strategy)
		r.scope.emitStrategy(op, rec.Strategy)

		var next step
		var err error
		switch st := state.(type) {
		case stubStep:
			next, err = r.probe(req, rec)
		case isolatedStep:
			next, err = r.isolatedCheck(req, rec, st)
		case allStep:
			next, err = r.all(req, st)
		case publicStep:
			err = r.public(req, rec, st)
		}
		if err != nil {
			return nil, err
		}
		if next == nil {
			return rec, nil
		}
		state = next
	}
}

// probe builds the target once per stub shape. A shape whose build fails is dropped;
// when every shape fails nothing is known and the whole chain is rebuilt.
func (r *Reconstructor) probe(req ReconstructRequest, rec *Reconstruction) (step, error) {
	s := r.scope
	missing := req.Missing.Clone()
	if missing == nil {
		missing = KeySet{}
	}

	var errs *multierror.Error
	succeeded := 0
	for _, shape := range s.shapes {
		res, err := s.builder.Build(BuildInput{
			Entries:    req.Entries,
			Attributes: req.Attributes,
			ID:         req.ID,
			Registry:   s.registry,
			Upstream:   req.Upstream,
			Mode:       ModeProbe,
			Shape:      shape,
			Env:        inertEnv(),
			Overrides:  s.overridesSnapshot(),
		})
		if err != nil {
			s.warn.warn(WarnStubProbeFailed, "stub probe failed; discarding shape",
				"node", req.Node, "shape", shape.Name, "error", err)
			errs = appendErr(errs, fmt.Errorf("stub shape %s: %w", shape.Name, err))
			continue
		}
		succeeded++
		missing.AddAll(res.Missing)
	}
	rec.ProbeErrs = errs.ErrorOrNil()
	rec.Probed = missing.Clone()

	if succeeded == 0 {
		return allStep{missing: missing}, nil
	}

	from, err := lookAhead(req.Node, req.Candidate.Chain, missing, s.hasOverride)
	if err != nil {
		return nil, err
	}
	return isolatedStep{from: from, missing: missing}, nil
}

// lookAhead returns the chain index of the outermost ancestor the ghosts must start
// from: the nearest provider of each missing key, widened until every ghost can see
// the providers of what it requests itself
func lookAhead(node string, chain []AncestorRecord, missing KeySet, overridden func(DependencyKey) bool) (int, error) {
	from := len(chain)
	for _, key := range missing.Sorted() {
		if overridden(key) {
			continue
		}
		idx := nearestProvider(chain, len(chain), key)
		if idx < 0 {
			return 0, WithStackTrace(&UnsatisfiableError{Key: key, Node: node})
		}
		from = min(from, idx)
	}

	for changed := true; changed; {
		changed = false
		for j := from; j < len(chain); j++ {
			for _, key := range chain[j].Requested().Sorted() {
				if overridden(key) {
					continue
				}
				if idx := nearestProvider(chain, j, key); idx >= 0 && idx < from {
					from = idx
					changed = true
				}
			}
		}
	}
	return from, nil
}

// nearestProvider searches chain[:below] deepest first
func nearestProvider(chain []AncestorRecord, below int, key DependencyKey) int {
	for i := below - 1; i >= 0; i-- {
		if chain[i].LocalProviders.Has(key) {
			return i
		}
	}
	return -1
}

func (r *Reconstructor) isolatedCheck(req ReconstructRequest, rec *Reconstruction, st isolatedStep) (step, error) {
	s := r.scope
	iso := s.registry.Isolated("isolated/" + req.Candidate.ID)

	ghosts, tree, parent, missing, err := r.buildGhosts(req, st.from, iso)
	if err != nil {
		iso.DisposeAll()
		return nil, err
	}
	if len(missing) > 0 {
		iso.DisposeAll()
		return allStep{missing: missing}, nil
	}

	res, props, err := r.buildTarget(req, ghosts, tree, parent, iso)
	if err != nil {
		iso.DisposeAll()
		return nil, err
	}
	if !res.Resolved() {
		s.logger.Debug("isolated check still misses keys", "node", req.Node, "missing", res.Missing.names())
		iso.DisposeAll()
		missing := st.missing.Clone()
		missing.AddAll(res.Missing)
		return allStep{missing: missing}, nil
	}

	for _, g := range ghosts {
		s.registry.MergeIsolatedByID(iso, g.ID)
		s.registry.KeepAlive(g.ID)
		s.registry.Promote(g.ID)
	}
	iso.DisposeAll()

	rec.Ghosts = ghosts
	rec.Result = res
	rec.Props = props
	return nil, nil
}

// all builds ghosts for the entire chain against the live registry
func (r *Reconstructor) all(req ReconstructRequest, st allStep) (step, error) {
	s := r.scope
	ghosts, tree, parent, missing, err := r.buildGhosts(req, 0, s.registry)
	if err != nil {
		r.discard(ghosts)
		return nil, err
	}
	if len(missing) > 0 {
		r.discard(ghosts)
		return nil, WithStackTrace(&ConfigurationError{Node: req.Node, Missing: missing.Sorted()})
	}
	for _, g := range ghosts {
		s.registry.KeepAlive(g.ID)
		s.registry.Promote(g.ID)
	}
	return publicStep{ghosts: ghosts, tree: tree, parent: parent}, nil
}

func (r *Reconstructor) public(req ReconstructRequest, rec *Reconstruction, st publicStep) error {
	res, props, err := r.buildTarget(req, st.ghosts, st.tree, st.parent, r.scope.registry)
	if err != nil {
		r.discard(st.ghosts)
		return err
	}
	if !res.Resolved() {
		r.discard(st.ghosts)
		return WithStackTrace(&ConfigurationError{Node: req.Node, Missing: res.Missing.Sorted()})
	}
	rec.Ghosts = st.ghosts
	rec.Result = res
	rec.Props = props
	return nil
}

// discard disposes ghosts no other off-tree mount holds
func (r *Reconstructor) discard(ghosts []*Ghost) {
	for i := len(ghosts) - 1; i >= 0; i-- {
		if !r.scope.ghostHeld(ghosts[i].ID) {
			r.scope.registry.Dispose(ghosts[i].ID)
		}
	}
}

// buildGhosts replays chain[from:] outermost first in reg. Ghosts nest in a private
// TreeMap; the returned parent is the innermost ghost, or RootID when none was built.
// A ghost that misses keys stops the replay and the keys are returned.
func (r *Reconstructor) buildGhosts(req ReconstructRequest, from int, reg *InstanceRegistry) ([]*Ghost, *TreeMap, RegistrationID, KeySet, error) {
	s := r.scope
	chain := req.Candidate.Chain
	tree := NewTreeMap()
	parent := RootID

	var ghosts []*Ghost
	var prevDecl *Declaration
	var prevAttrs Attributes

	for i := from; i < len(chain); i++ {
		anc := &chain[i]
		decl, ok := s.providers.Declaration(anc.Decl)
		if !ok {
			return ghosts, tree, parent, nil, fmt.Errorf("reconstruct %s: declaration %s is not registered", req.Node, anc.Decl)
		}

		props := anc.Props
		if prevDecl != nil {
			if replayed, ok := replayProps(prevDecl, prevAttrs, anc.ChildIndex, anc.Decl); ok {
				props = replayed
			}
		}

		id := ghostID(anc.ID)
		if err := tree.Register(id, parent); err != nil {
			return ghosts, tree, parent, nil, err
		}

		res, err := s.builder.Build(BuildInput{
			Entries:    s.providers.EntriesFor(anc.Decl),
			Attributes: props,
			ID:         id,
			Registry:   reg,
			Upstream:   RegistryUpstream{Registry: reg, Parents: tree},
			Mode:       ModeLive,
			Env:        s.currentEnv(),
			Overrides:  s.overridesSnapshot(),
			Policy:     MissingReconstruct,
		})
		g := &Ghost{ID: id, Decl: anc.Decl, Name: anc.Name, Depth: i, Props: props, Result: res}
		ghosts = append(ghosts, g)
		if err != nil {
			return ghosts, tree, parent, nil, err
		}
		if !res.Resolved() {
			return ghosts, tree, parent, res.Missing, nil
		}

		parent = id
		prevDecl = decl
		prevAttrs = res.Attributes
	}

	return ghosts, tree, parent, nil, nil
}

// buildTarget builds the target under the innermost ghost, resolving upstream keys
// through ghosts held in ghostReg. The target's own instances always live in the
// scope registry, where its first build already created them. When the innermost
// ghost is the target's real parent, the props it renders for the target replace the
// recorded ones.
func (r *Reconstructor) buildTarget(req ReconstructRequest, ghosts []*Ghost, tree *TreeMap, parent RegistrationID, ghostReg *InstanceRegistry) (*BuildResult, Attributes, error) {
	s := r.scope
	props := req.Attributes

	chain := req.Candidate.Chain
	if n := len(ghosts); n > 0 && req.Candidate.IsStructuralMatch && ghosts[n-1].Depth == len(chain)-1 {
		last := ghosts[n-1]
		if decl, ok := s.providers.Declaration(last.Decl); ok && req.Decl != "" {
			if replayed, ok := replayProps(decl, last.Result.Attributes, req.Candidate.TargetIndex, req.Decl); ok {
				props = maps.Clone(replayed)
				if props == nil {
					props = Attributes{}
				}
				maps.Copy(props, req.Explicit)
			}
		}
	}

	if err := tree.Register(req.ID, parent); err != nil {
		return nil, nil, err
	}
	res, err := s.builder.Build(BuildInput{
		Entries:    req.Entries,
		Attributes: props,
		ID:         req.ID,
		Registry:   s.registry,
		Upstream:   upstreamChain{RegistryUpstream{Registry: ghostReg, Parents: tree}, req.Upstream},
		Mode:       ModeLive,
		Env:        s.currentEnv(),
		Overrides:  s.overridesSnapshot(),
		Policy:     MissingReconstruct,
	})
	if err != nil {
		return nil, nil, err
	}
	return res, props, nil
}

// replayProps renders parent with its real attributes and returns the props of the
// child at index, if it still has the expected declaration
func replayProps(parent *Declaration, attrs Attributes, index int, decl DeclarationID) (Attributes, bool) {
	children := parent.Render(attrs)
	if index >= 0 && index < len(children) && children[index].Decl != nil && children[index].Decl.ID() == decl {
		return children[index].Props, true
	}
	return nil, false
}
