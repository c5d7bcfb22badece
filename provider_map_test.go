package pumped

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderMapRegister(t *testing.T) {
	logger := NewService("logger", func(ctx *InstantiateCtx) (string, error) { return "log", nil })
	db := NewService("db", func(ctx *InstantiateCtx) (int, error) { return 1, nil })
	m := NewProviderMap(nil)

	entries := []ProviderEntry{
		Local("logger", logger, nil),
		Derive("title", func(a Attributes) (Attributes, error) { return Attributes{"title": "x"}, nil }),
	}

	changed, err := m.Register("App", entries)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.Register("App", entries)
	require.NoError(t, err)
	assert.False(t, changed, "same entries are a no-op")

	assert.True(t, m.Provides("App", logger.Key()))
	assert.False(t, m.Provides("App", db.Key()))
	assert.False(t, m.Provides("Other", logger.Key()))
	assert.Len(t, m.EntriesFor("App"), 2)
	assert.Equal(t, 1, m.Len())

	body, ok := m.Service(logger.Key())
	require.True(t, ok)
	assert.Equal(t, logger.Key(), body.Key())
}

func TestProviderMapReplacesChangedEntries(t *testing.T) {
	logger := NewService("logger", func(ctx *InstantiateCtx) (string, error) { return "log", nil })
	db := NewService("db", func(ctx *InstantiateCtx) (int, error) { return 1, nil })
	m := NewProviderMap(nil)

	_, err := m.Register("App", []ProviderEntry{Local("logger", logger, nil)})
	require.NoError(t, err)

	changed, err := m.Register("App", []ProviderEntry{Local("db", db, nil)})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, m.Provides("App", db.Key()))
	assert.False(t, m.Provides("App", logger.Key()))
	assert.Equal(t, NewKeySet(db.Key()), m.ProvidedKeys("App"))
}

func TestProviderMapRejectsInvalidEntries(t *testing.T) {
	m := NewProviderMap(nil)

	_, err := m.Register("App", []ProviderEntry{{ID: "bad", Kind: KindRuntime}})
	assert.ErrorContains(t, err, "has no service")

	_, err = m.Register("App", []ProviderEntry{Upstream("", func(Injector, Attributes) (Attributes, error) { return nil, nil })})
	assert.ErrorContains(t, err, "has no id")

	_, err = m.Register("App", []ProviderEntry{{ID: "weird", Kind: "other"}})
	assert.ErrorContains(t, err, "unknown kind")

	assert.Equal(t, 0, m.Len())
}

func TestProviderMapRegisterDeclaration(t *testing.T) {
	svc := NewService("svc", func(ctx *InstantiateCtx) (int, error) { return 1, nil })
	outer := Layer{Name: "outer", Prepend: []ProviderEntry{Derive("before", func(a Attributes) (Attributes, error) { return nil, nil })}}
	decl := Declare("Widget",
		WithEntries(Local("svc", svc, nil)),
		WithLayer(outer),
	)

	m := NewProviderMap(nil)
	_, err := m.RegisterDeclaration(decl)
	require.NoError(t, err)

	got, ok := m.Declaration(decl.ID())
	require.True(t, ok)
	assert.Same(t, decl, got)

	entries := m.EntriesFor(decl.ID())
	require.Len(t, entries, 2)
	assert.Equal(t, EntryID("before"), entries[0].ID)
	assert.Equal(t, EntryID("svc"), entries[1].ID)
}

func TestProviderMapLearnKeepsExistingBody(t *testing.T) {
	svc := NewService("svc", func(ctx *InstantiateCtx) (int, error) { return 1, nil }, WithStub(7))
	m := NewProviderMap(nil)
	m.Learn(svc)

	body, ok := m.Service(svc.Key())
	require.True(t, ok)
	assert.Equal(t, 7, body.Stub())
	assert.Equal(t, 0, m.Len(), "learning a body does not register a declaration")
}

func TestComposeWrapsLayers(t *testing.T) {
	noop := func(a Attributes) (Attributes, error) { return nil, nil }
	base := []ProviderEntry{Derive("base", noop)}
	out := Compose(base,
		Layer{Name: "inner", Prepend: []ProviderEntry{Derive("inner-pre", noop)}, Append: []ProviderEntry{Derive("inner-post", noop)}},
		Layer{Name: "outer", Prepend: []ProviderEntry{Derive("outer-pre", noop)}, Append: []ProviderEntry{Derive("outer-post", noop)}},
	)

	ids := make([]EntryID, len(out))
	for i, e := range out {
		ids[i] = e.ID
	}
	assert.Equal(t, []EntryID{"outer-pre", "inner-pre", "base", "inner-post", "outer-post"}, ids)
	assert.Len(t, base, 1)
}
