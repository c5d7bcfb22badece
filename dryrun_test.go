package pumped

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverFindsTheChain(t *testing.T) {
	f := newChainFixture()
	s, _ := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), f.element, TargetSpec{Decl: f.target.ID()})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 4, res.Nodes)
	assert.Empty(t, res.Warnings)

	cand := res.Canonical
	assert.True(t, cand.IsStructuralMatch)
	assert.Equal(t, 3, cand.Depth)
	assert.Equal(t, []DeclarationID{f.root.ID(), f.a.ID(), f.b.ID()}, cand.Decls())
	assert.True(t, cand.Chain[0].LocalProviders.Has(f.k.Key()))
	assert.Equal(t, cand.Chain[0].ID, cand.FirstDescendantEdge.Parent)
	assert.Equal(t, cand.Chain[1].ID, cand.FirstDescendantEdge.Child)
	for i, rec := range cand.Chain {
		assert.Equal(t, i, rec.Depth)
	}

	assert.Equal(t, int32(0), f.kCalls.Load(), "dry runs never instantiate")
	assert.Equal(t, 0, s.Tree().Len(), "hidden nodes never reach the live tree")
	assert.Equal(t, 0, s.Registry().Len())
}

func TestDiscoverRecordsMatchLiveIDs(t *testing.T) {
	f := newChainFixture()
	s, _ := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), f.element, TargetSpec{Decl: f.target.ID()})
	require.NoError(t, err)

	root, err := s.Mount(f.element)
	require.NoError(t, err)
	assert.Equal(t, root.ID(), res.Canonical.Chain[0].ID)
	assert.Equal(t, root.Find(f.b).ID(), res.Canonical.Chain[2].ID)
	assert.Equal(t, root.Find(f.target).ID(), res.Canonical.TargetID)
}

func TestDiscoverWithAmbiguousCandidates(t *testing.T) {
	var calls atomic.Int32
	svc := counted("svc", 1, &calls)
	target := Declare("Target")
	wrapper := Declare("Wrapper", renders(func() Element { return target.New("", Attributes{"n": 1}) }))
	root := Declare("Root",
		WithEntries(Local("svc", svc, nil)),
		renders(
			func() Element { return wrapper.New("", nil) },
			func() Element { return wrapper.New("", nil) },
		),
	)
	s, rec := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: target.ID()})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Same(t, res.Candidates[0], res.Canonical, "the first match in render order wins")
	assert.Equal(t, Attributes{"n": 1}, res.Canonical.TargetProps)

	assert.Equal(t, 1, rec.count(WarnAmbiguousCandidate))
	assert.Equal(t, 0, rec.count(WarnAmbiguousSalt), "hidden renders do not warn about salts")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnAmbiguousCandidate, res.Warnings[0].Kind)
}

func TestDiscoverWithoutMatchFallsBackToRoot(t *testing.T) {
	target := Declare("Target")
	root := Declare("Root")
	s, rec := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: target.ID()})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	cand := res.Canonical
	require.NotNil(t, cand)
	assert.False(t, cand.IsStructuralMatch)
	assert.Equal(t, []DeclarationID{root.ID()}, cand.Decls())
	assert.Equal(t, 1, rec.count(WarnNoStructuralMatch))
}

func TestDiscoverRejectsInconsistentChains(t *testing.T) {
	target := Declare("Target")
	left := Declare("Left", renders(func() Element { return target.New("", nil) }))
	right := Declare("Right", renders(func() Element { return target.New("", nil) }))
	root := Declare("Root", renders(
		func() Element { return left.New("", nil) },
		func() Element { return right.New("", nil) },
	))
	s, _ := newTestScope(t)

	_, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: target.ID()})
	var inconsistent *InconsistentChainError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, "declaration order differs", inconsistent.Reason)
	assert.True(t, IsFatal(err))

	res, err := s.DryRun().Discover(context.Background(), root.New("", nil),
		TargetSpec{Decl: target.ID(), Path: []DeclarationID{right.ID()}})
	require.NoError(t, err, "a path narrows the matches")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, []DeclarationID{root.ID(), right.ID()}, res.Canonical.Decls())
	assert.Equal(t, 0, res.Canonical.TargetIndex)
	assert.Equal(t, 1, res.Canonical.Chain[1].ChildIndex)
}

func TestDiscoverMatchesKeys(t *testing.T) {
	target := Declare("Target")
	root := Declare("Root", renders(
		func() Element { return target.New("a", nil) },
		func() Element { return target.New("b", Attributes{"which": "b"}) },
	))
	s, rec := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: target.ID(), Key: "b"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, Attributes{"which": "b"}, res.Canonical.TargetProps)
	assert.Equal(t, 0, rec.count(WarnAmbiguousCandidate))
}

func TestDiscoverIsCached(t *testing.T) {
	f := newChainFixture()
	s, _ := newTestScope(t)
	spec := TargetSpec{Decl: f.target.ID()}

	first, err := s.DryRun().Discover(context.Background(), f.element, spec)
	require.NoError(t, err)
	second, err := s.DryRun().Discover(context.Background(), f.element, spec)
	require.NoError(t, err)
	assert.Same(t, first, second)

	s.DryRun().Invalidate()
	third, err := s.DryRun().Discover(context.Background(), f.element, spec)
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	other, err := s.DryRun().Discover(context.Background(), f.root.New("", Attributes{"v": 2}), spec)
	require.NoError(t, err)
	assert.NotSame(t, third, other, "different root props are a different discovery")
}

func TestDiscoverStopsRunawayRenders(t *testing.T) {
	var loop *Declaration
	loop = Declare("Loop", renders(func() Element { return loop.New("", nil) }))
	target := Declare("Target")
	s, _ := newTestScope(t, WithConfig(Config{MaxDryRunNodes: 5}))

	_, err := s.DryRun().Discover(context.Background(), loop.New("", nil), TargetSpec{Decl: target.ID()})
	assert.ErrorContains(t, err, "exceeded 5 nodes")
}

func TestDiscoverSnapshotsProps(t *testing.T) {
	nested := map[string]any{"level": 1}
	target := Declare("Target")
	root := Declare("Root", renders(func() Element {
		return target.New("", Attributes{"nested": nested})
	}))
	s, _ := newTestScope(t)

	res, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: target.ID()})
	require.NoError(t, err)

	nested["level"] = 2
	got := res.Canonical.TargetProps["nested"].(map[string]any)
	assert.Equal(t, 1, got["level"])
}

func TestDiscoverUsesInertEnv(t *testing.T) {
	var inert atomic.Bool
	probe := NewService("probe", func(ctx *InstantiateCtx) (bool, error) { return true, nil })
	root := Declare("Root", WithEntries(
		Local("probe", probe, func(c *Capability, a Attributes) (Attributes, error) {
			inert.Store(c.Env().Inert())
			return nil, nil
		}),
	))
	s, _ := newTestScope(t)

	_, err := s.DryRun().Discover(context.Background(), root.New("", nil), TargetSpec{Decl: "none"})
	require.NoError(t, err)
	assert.True(t, inert.Load())

	_, err = s.Mount(root.New("", nil))
	require.NoError(t, err)
	assert.False(t, inert.Load(), "live mounts keep the scope environment")
	assert.False(t, s.Env().Inert())
}

func TestCachedDiscoveryReportsWarningsAgain(t *testing.T) {
	target := Declare("Target")
	root := Declare("Root", renders(
		func() Element { return target.New("", nil) },
		func() Element { return target.New("", nil) },
	))
	s, rec := newTestScope(t)
	spec := TargetSpec{Decl: target.ID()}

	first, err := s.DryRun().Discover(context.Background(), root.New("", nil), spec)
	require.NoError(t, err)
	second, err := s.DryRun().Discover(context.Background(), root.New("", nil), spec)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 2, rec.count(WarnAmbiguousCandidate))
	assert.Len(t, second.Warnings, 1)
}
