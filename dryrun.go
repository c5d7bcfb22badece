package pumped

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

// AncestorRecord is what a dry run remembers about one node it rendered
type AncestorRecord struct {
	ID         RegistrationID
	Parent     RegistrationID
	Signature  uuid.UUID
	Decl       DeclarationID
	Name       string
	Key        string
	Salt       *int
	ChildIndex int
	Depth      int
	// Props and Attributes are deep copies taken at commit
	Props          Attributes
	Attributes     Attributes
	Touched        map[EntryID]KeySet
	LocalProviders KeySet
	Missing        KeySet
}

// AllTouched unions the keys every entry of the node touched
func (r *AncestorRecord) AllTouched() KeySet {
	out := KeySet{}
	for _, keys := range r.Touched {
		out.AddAll(keys)
	}
	return out
}

// Requested returns the touched keys the node does not provide itself
func (r *AncestorRecord) Requested() KeySet {
	out := KeySet{}
	for k := range r.AllTouched() {
		if !r.LocalProviders.Has(k) {
			out.Add(k)
		}
	}
	return out
}

// TargetSpec selects the node a dry run looks for
type TargetSpec struct {
	Decl DeclarationID
	Key  string
	// Path, when set, must equal the declarations of the target's nearest ancestors
	Path []DeclarationID
}

func (t TargetSpec) String() string {
	s := string(t.Decl)
	if t.Key != "" {
		s += "[" + t.Key + "]"
	}
	if len(t.Path) > 0 {
		s = joinDecls(t.Path) + " > " + s
	}
	return s
}

func (t TargetSpec) matches(rec *AncestorRecord, chain []AncestorRecord) bool {
	if rec.Decl != t.Decl || rec.Key != t.Key {
		return false
	}
	if len(t.Path) == 0 {
		return true
	}
	if len(t.Path) > len(chain) {
		return false
	}
	tail := chain[len(chain)-len(t.Path):]
	for i, d := range t.Path {
		if tail[i].Decl != d {
			return false
		}
	}
	return true
}

// Edge is a parent to child step of a recorded chain
type Edge struct {
	Parent RegistrationID
	Child  RegistrationID
	Index  int
}

// DryRunCandidate is one place the target was found, with its full ancestry
type DryRunCandidate struct {
	ID       string
	TargetID RegistrationID
	// TargetIndex is the target's position among its parent's rendered children
	TargetIndex int
	Depth       int
	// Chain runs from the outermost ancestor down to the target's parent
	Chain               []AncestorRecord
	FirstDescendantEdge Edge
	TargetProps         Attributes
	IsStructuralMatch   bool
}

// Decls returns the declarations of the chain, outermost first
func (c *DryRunCandidate) Decls() []DeclarationID {
	out := make([]DeclarationID, len(c.Chain))
	for i, r := range c.Chain {
		out[i] = r.Decl
	}
	return out
}

func (c *DryRunCandidate) parentRecord() *AncestorRecord {
	if len(c.Chain) == 0 {
		return nil
	}
	return &c.Chain[len(c.Chain)-1]
}

// DryRunResult is the outcome of one discovery
type DryRunResult struct {
	Target     TargetSpec
	Canonical  *DryRunCandidate
	Candidates []*DryRunCandidate
	Nodes      int
	Warnings   []Warning
}

// DryRunEngine renders hidden copies of a tree to learn where a target sits in it
type DryRunEngine struct {
	scope *Scope
	cache *TypeSafeCache[*DryRunResult]
}

func newDryRunEngine(s *Scope) *DryRunEngine {
	return &DryRunEngine{
		scope: s,
		cache: NewTypeSafeCache[*DryRunResult](s.cfg.DryRunCacheTTL),
	}
}

// Invalidate drops every cached discovery
func (e *DryRunEngine) Invalidate() {
	e.cache.Clear()
}

func discoveryKey(root Element, target TargetSpec) CacheKey {
	return fmt.Sprintf("%s\x00%s\x00%v\x00%s", root.Decl.ID(), root.Key, root.Props, target)
}

// Discover renders root invisibly and returns the ancestry of every node matching target.
// Results are cached per root element and target for the configured TTL; a cached
// result reports its warnings again.
func (e *DryRunEngine) Discover(ctx context.Context, root Element, target TargetSpec) (*DryRunResult, error) {
	if root.Decl == nil {
		return nil, fmt.Errorf("dry run: root element has no declaration")
	}

	key := discoveryKey(root, target)
	if cached, ok := e.cache.Load(key); ok {
		for _, w := range cached.Warnings {
			e.scope.warn.warn(w.Kind, w.Message, w.Fields...)
		}
		return cached, nil
	}

	s := e.scope
	op := &Operation{Kind: OpDryRun, Node: root.Decl.Name(), Scope: s}
	out, err := s.wrap(ctx, op, func() (any, error) {
		return e.discover(ctx, root, target)
	})
	if err != nil {
		return nil, err
	}

	result := out.(*DryRunResult)
	e.cache.Store(key, result)
	return result, nil
}

func (e *DryRunEngine) discover(ctx context.Context, root Element, target TargetSpec) (*DryRunResult, error) {
	s := e.scope

	var records []AncestorRecord
	hidden, err := s.host.MountHidden(ctx, s, root, HiddenOptions{
		Namespace: "dry-run/" + uuid.NewString(),
		MaxNodes:  s.cfg.MaxDryRunNodes,
		Observe: func(r AncestorRecord) {
			records = append(records, r)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dry run of %s: %w", root.Decl.Name(), err)
	}
	defer hidden.Unmount()

	result := &DryRunResult{Target: target, Nodes: len(records)}
	index := make(map[RegistrationID]int, len(records))
	for i := range records {
		index[records[i].ID] = i
	}

	for i := range records {
		rec := &records[i]
		chain := ancestry(records, index, rec)
		if !target.matches(rec, chain) {
			continue
		}
		result.Candidates = append(result.Candidates, newCandidate(rec, chain))
	}

	switch len(result.Candidates) {
	case 0:
		// treat the root as the only, direct ancestor
		result.Canonical = &DryRunCandidate{
			ID:    uuid.NewString(),
			Depth: 1,
			Chain: []AncestorRecord{records[0]},
			FirstDescendantEdge: Edge{
				Parent: records[0].ID,
			},
		}
		result.Warnings = append(result.Warnings, e.warn(WarnNoStructuralMatch,
			"target not found in the dry run; falling back to the root as its only ancestor",
			"target", target.String(), "root", root.Decl.Name(), "nodes", len(records)))
	default:
		if err := checkConsistent(target, result.Candidates); err != nil {
			return nil, WithStackTrace(err)
		}
		result.Canonical = result.Candidates[0]
		if len(result.Candidates) > 1 {
			result.Warnings = append(result.Warnings, e.warn(WarnAmbiguousCandidate,
				"target found at several positions; using the first in render order",
				"target", target.String(), "candidates", len(result.Candidates)))
		}
	}

	s.logger.Debug("dry run finished", "root", root.Decl.Name(), "target", target.String(),
		"nodes", len(records), "candidates", len(result.Candidates))
	return result, nil
}

func (e *DryRunEngine) warn(kind WarningKind, msg string, fields ...any) Warning {
	e.scope.warn.warn(kind, msg, fields...)
	return Warning{Kind: kind, Message: msg, Fields: fields}
}

// ancestry returns the records above rec, outermost first
func ancestry(records []AncestorRecord, index map[RegistrationID]int, rec *AncestorRecord) []AncestorRecord {
	var chain []AncestorRecord
	for p := rec.Parent; p != RootID; {
		i, ok := index[p]
		if !ok {
			break
		}
		chain = append(chain, records[i])
		p = records[i].Parent
	}
	slices.Reverse(chain)
	return chain
}

func newCandidate(target *AncestorRecord, chain []AncestorRecord) *DryRunCandidate {
	c := &DryRunCandidate{
		ID:                uuid.NewString(),
		TargetID:          target.ID,
		TargetIndex:       target.ChildIndex,
		Depth:             len(chain),
		Chain:             chain,
		TargetProps:       snapshot(target.Props),
		IsStructuralMatch: true,
	}
	switch {
	case len(chain) > 1:
		c.FirstDescendantEdge = Edge{Parent: chain[0].ID, Child: chain[1].ID, Index: chain[1].ChildIndex}
	case len(chain) == 1:
		c.FirstDescendantEdge = Edge{Parent: chain[0].ID, Child: target.ID, Index: target.ChildIndex}
	}
	return c
}

// checkConsistent fails when candidates disagree on declaration order or key sets
func checkConsistent(target TargetSpec, candidates []*DryRunCandidate) error {
	first := candidates[0]
	for _, other := range candidates[1:] {
		if !slices.Equal(first.Decls(), other.Decls()) {
			return &InconsistentChainError{
				Target: target.String(), First: first.Decls(), Other: other.Decls(),
				Reason: "declaration order differs",
			}
		}
		for i := range first.Chain {
			a, b := &first.Chain[i], &other.Chain[i]
			if !a.LocalProviders.Equal(b.LocalProviders) {
				return &InconsistentChainError{
					Target: target.String(), First: first.Decls(), Other: other.Decls(),
					Reason: fmt.Sprintf("provided keys of %s differ", a.Name),
				}
			}
			if !a.AllTouched().Equal(b.AllTouched()) {
				return &InconsistentChainError{
					Target: target.String(), First: first.Decls(), Other: other.Decls(),
					Reason: fmt.Sprintf("touched keys of %s differ", a.Name),
				}
			}
		}
	}
	return nil
}

// snapshot deep-copies attributes
func snapshot(a Attributes) Attributes {
	if a == nil {
		return nil
	}
	return clone.Clone(a).(Attributes)
}
