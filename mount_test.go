package pumped

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountBuildsTheWholeTree(t *testing.T) {
	f := newChainFixture()
	s, rec := newTestScope(t)

	root, err := s.Mount(f.element)
	require.NoError(t, err)

	assert.Equal(t, 4, s.Tree().Len())
	assert.Equal(t, []*MountedNode{root}, s.Roots())
	assert.True(t, root.Mounted())
	assert.Equal(t, root.ID(), root.Attributes()[AttrID])

	target := root.Find(f.target)
	require.NotNil(t, target)
	assert.Equal(t, 42, target.Attributes()["k"])
	assert.Equal(t, []RegistrationID{root.Find(f.b).ID(), root.Find(f.a).ID(), root.ID()}, s.Tree().Ancestors(target.ID()))
	assert.Same(t, root.Find(f.b), target.Parent())

	assert.Equal(t, int32(1), f.kCalls.Load())
	assert.Equal(t, 1, rec.created)
	assert.True(t, s.Registry().IsPromoted(root.ID()))
	assert.Contains(t, s.Label(root.ID()), "Root (")
}

func TestMountIDsAreStableAcrossScopesWithTheSameID(t *testing.T) {
	f := newChainFixture()

	first, _ := newTestScope(t, WithScopeID("stable-ids"))
	a, err := first.Mount(f.element)
	require.NoError(t, err)
	targetID := a.Find(f.target).ID()
	require.NoError(t, first.Dispose())

	second, _ := newTestScope(t, WithScopeID("stable-ids"))
	b, err := second.Mount(f.element)
	require.NoError(t, err)
	assert.Equal(t, targetID, b.Find(f.target).ID())
}

func TestSiblingsWithoutKeysAreSalted(t *testing.T) {
	item := Declare("Item")
	list := Declare("List", renders(
		func() Element { return item.New("", nil) },
		func() Element { return item.New("", nil) },
	))
	s, rec := newTestScope(t)

	root, err := s.Mount(list.New("", nil))
	require.NoError(t, err)
	children := root.Children()
	require.Len(t, children, 2)

	assert.Nil(t, children[0].Salt())
	require.NotNil(t, children[1].Salt())
	assert.Equal(t, 0, *children[1].Salt())
	assert.NotEqual(t, children[0].ID(), children[1].ID())
	assert.Equal(t, 1, rec.count(WarnAmbiguousSalt))
	assert.Equal(t, 2, s.Identity().InUse(FamilyKey{Parent: root.ID(), Decl: item.ID()}))
}

func TestKeyedSiblingsDoNotWarn(t *testing.T) {
	item := Declare("Item")
	list := Declare("List", renders(
		func() Element { return item.New("a", nil) },
		func() Element { return item.New("b", nil) },
	))
	s, rec := newTestScope(t)

	root, err := s.Mount(list.New("", nil))
	require.NoError(t, err)
	children := root.Children()
	assert.Nil(t, children[0].Salt())
	assert.Nil(t, children[1].Salt())
	assert.Equal(t, 0, rec.count(WarnAmbiguousSalt))
}

func TestRemountWithinGracePeriodKeepsInstances(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	cleaned := 0
	svc := NewService("svc", func(ctx *InstantiateCtx) (string, error) {
		calls.Add(1)
		ctx.OnCleanup(func() error {
			cleaned++
			return nil
		})
		return "v", nil
	})
	child := Declare("Child", WithEntries(Local("svc", svc, nil)))
	parent := Declare("Parent", WithRender(func(a Attributes) []Element {
		if show, _ := AttrAs[bool](a, "show"); show {
			return []Element{child.New("", nil)}
		}
		return nil
	}))
	s, _ := newTestScope(t, WithClock(clock), WithConfig(Config{PostUnmountTTL: time.Second}))
	ctx := context.Background()

	root, err := s.Mount(parent.New("", Attributes{"show": true}))
	require.NoError(t, err)
	childID := root.Children()[0].ID()

	require.NoError(t, root.Rerender(ctx, Attributes{"show": false}))
	assert.Empty(t, root.Children())
	assert.True(t, s.Registry().Pending(childID))

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, root.Rerender(ctx, Attributes{"show": true}))
	assert.Equal(t, childID, root.Children()[0].ID(), "the remount lands on the same id")
	assert.False(t, s.Registry().Pending(childID))

	clock.Advance(time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, cleaned)

	require.NoError(t, root.Rerender(ctx, Attributes{"show": false}))
	clock.Advance(time.Second)
	assert.Equal(t, 1, cleaned)
}

func TestStrictRenderDoesNotDuplicate(t *testing.T) {
	var calls atomic.Int32
	svc := counted("svc", 1, &calls)
	item := Declare("Item", WithEntries(Local("svc", svc, nil)))
	list := Declare("List", renders(
		func() Element { return item.New("", nil) },
		func() Element { return item.New("", nil) },
	))
	s, rec := newTestScope(t, WithConfig(Config{StrictRender: true}))

	root, err := s.Mount(list.New("", nil))
	require.NoError(t, err)
	children := root.Children()
	require.Len(t, children, 2)

	assert.Nil(t, children[0].Salt(), "the second render reuses the first claim")
	assert.Equal(t, 0, *children[1].Salt())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3, s.Tree().Len())
	assert.Equal(t, 1, rec.count(WarnAmbiguousSalt))
}

func TestRerenderKeepsMatchedChildren(t *testing.T) {
	var calls atomic.Int32
	svc := counted("svc", "v", &calls)
	item := Declare("Item",
		WithEntries(Local("svc", svc, nil)),
		WithEntries(Derive("label", func(a Attributes) (Attributes, error) {
			return Attributes{"label": a["label"]}, nil
		})),
	)
	other := Declare("Other")
	list := Declare("List", WithRender(func(a Attributes) []Element {
		labels, _ := AttrAs[[]string](a, "labels")
		out := make([]Element, 0, len(labels)+1)
		for _, l := range labels {
			out = append(out, item.New(l, Attributes{"label": l}))
		}
		if extra, _ := AttrAs[bool](a, "other"); extra {
			out = append(out, other.New("", nil))
		}
		return out
	}))
	s, _ := newTestScope(t, WithConfig(Config{PostUnmountTTL: time.Hour}))
	ctx := context.Background()

	root, err := s.Mount(list.New("", Attributes{"labels": []string{"a", "b"}}))
	require.NoError(t, err)
	before := root.Children()
	require.Len(t, before, 2)

	require.NoError(t, root.Rerender(ctx, Attributes{"labels": []string{"b", "a"}, "other": true}))
	after := root.Children()
	require.Len(t, after, 3)
	assert.Same(t, before[1], after[0], "keyed children move with their key")
	assert.Same(t, before[0], after[1])
	assert.Equal(t, other.ID(), after[2].Declaration().ID())
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, root.Rerender(ctx, Attributes{"labels": []string{"a"}}))
	after = root.Children()
	require.Len(t, after, 1)
	assert.Same(t, before[0], after[0])
	assert.False(t, before[1].Mounted())
	assert.Equal(t, 2, s.Tree().Len())
}

func TestRerenderUpdatesAttributes(t *testing.T) {
	greeting := Declare("Greeting", WithEntries(
		Derive("text", func(a Attributes) (Attributes, error) {
			return Attributes{"text": "hello " + a["name"].(string)}, nil
		}),
	))
	s, _ := newTestScope(t)

	node, err := s.Mount(greeting.New("", Attributes{"name": "ada"}))
	require.NoError(t, err)
	id := node.ID()

	require.NoError(t, node.Rerender(context.Background(), Attributes{"name": "grace"}))
	assert.Equal(t, "hello grace", node.Attributes()["text"])
	assert.Equal(t, Attributes{"name": "grace"}, node.Props())
	assert.Equal(t, id, node.ID())
}

func TestRerenderFailureKeepsOldProps(t *testing.T) {
	strict := Declare("Strict", WithEntries(
		Derive("check", func(a Attributes) (Attributes, error) {
			if a["ok"] != true {
				return nil, errors.New("not ok")
			}
			return nil, nil
		}),
	))
	s, _ := newTestScope(t)

	node, err := s.Mount(strict.New("", Attributes{"ok": true}))
	require.NoError(t, err)

	err = node.Rerender(context.Background(), Attributes{"ok": false})
	assert.ErrorContains(t, err, "not ok")
	assert.Equal(t, Attributes{"ok": true}, node.Props())
}

func TestUnmountTearsDownSubtree(t *testing.T) {
	f := newChainFixture()
	s, _ := newTestScope(t, WithConfig(Config{PostUnmountTTL: time.Hour}))

	root, err := s.Mount(f.element)
	require.NoError(t, err)
	b := root.Find(f.b)

	require.NoError(t, b.Unmount())
	assert.False(t, b.Mounted())
	assert.Empty(t, root.Find(f.a).Children())
	assert.Equal(t, 2, s.Tree().Len())
	assert.ErrorIs(t, b.Unmount(), ErrNotRegistered)

	require.NoError(t, root.Unmount())
	assert.Equal(t, 0, s.Tree().Len())
	assert.Empty(t, s.Roots())
	assert.True(t, s.Registry().Pending(root.ID()))
}

func TestMountRejectsBadInput(t *testing.T) {
	s, _ := newTestScope(t)

	_, err := s.Mount(Element{})
	assert.ErrorContains(t, err, "no declaration")

	_, err = s.Mount(Declare("X").New("", nil), WithPortableRoot(Element{}))
	assert.ErrorContains(t, err, "portable root has no declaration")

	bad := Declare("Bad", WithEntries(ProviderEntry{ID: "broken", Kind: KindRuntime}))
	_, err = s.Mount(bad.New("", nil))
	assert.ErrorContains(t, err, "has no service")
}

func TestMountHonorsContext(t *testing.T) {
	f := newChainFixture()
	s, _ := newTestScope(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.MountContext(ctx, f.element)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Tree().Len())
}

func TestFailedChildReleasesSalts(t *testing.T) {
	boom := errors.New("boom")
	failing := Declare("Failing", WithEntries(Derive("fail", func(Attributes) (Attributes, error) { return nil, boom })))
	item := Declare("Item")
	list := Declare("List", renders(
		func() Element { return item.New("", nil) },
		func() Element { return failing.New("", nil) },
	))
	s, _ := newTestScope(t)

	_, err := s.Mount(list.New("", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Tree().Len())

	again, err := s.Mount(item.New("", nil))
	require.NoError(t, err)
	assert.Nil(t, again.Salt())
}

func TestControllerAccessesInstances(t *testing.T) {
	svc := NewService("knob", func(ctx *InstantiateCtx) (*knob, error) { return &knob{}, nil })
	child := Declare("Child")
	parent := Declare("Parent",
		WithEntries(Local("knob", svc, nil)),
		renders(func() Element { return child.New("", nil) }),
	)
	s, _ := newTestScope(t)

	root, err := s.Mount(parent.New("", nil))
	require.NoError(t, err)

	local := Accessor(root, svc)
	assert.True(t, local.IsLocal())
	fromParent, err := local.Get()
	require.NoError(t, err)

	upstream := Accessor(root.Children()[0], svc)
	assert.False(t, upstream.IsLocal())
	fromChild, ok := upstream.Peek()
	require.True(t, ok)
	assert.Same(t, fromParent, fromChild)

	require.NoError(t, upstream.Reconfigure("tuned"))
	assert.Equal(t, "tuned", fromParent.config)

	unrelated := Accessor(root, NewService("other", func(ctx *InstantiateCtx) (int, error) { return 1, nil }))
	_, err = unrelated.Get()
	var missing *MissingDependencyError
	assert.ErrorAs(t, err, &missing)
}

func TestControllerPrefersOverrides(t *testing.T) {
	svc := NewService("svc", func(ctx *InstantiateCtx) (string, error) { return "real", nil })
	node := Declare("Node", WithEntries(Local("svc", svc, nil)))
	s, _ := newTestScope(t, WithServiceOverride(svc, "mock"))

	root, err := s.Mount(node.New("", nil))
	require.NoError(t, err)
	v, err := Accessor(root, svc).Get()
	require.NoError(t, err)
	assert.Equal(t, "mock", v)
}
