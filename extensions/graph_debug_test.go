package extensions

import (
	"bytes"
	"log/slog"
	"testing"

	pumped "github.com/pumped-fn/pumped-tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphDebugPrintsTreeOnMountError(t *testing.T) {
	var buf bytes.Buffer
	ext := NewGraphDebugExtension(NewHumanHandler(&buf, slog.LevelWarn))
	s := newScope(t, ext)

	root, _ := app()
	_, err := s.Mount(root.New("", nil))
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "successful mounts log nothing")

	broken := pumped.Declare("Broken", reads(missing))
	_, err = s.Mount(broken.New("", nil))
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "[GraphDebug] Mount Error")
	assert.Contains(t, out, "Failed Node: Broken")
	assert.Contains(t, out, "Operation: mount")
	assert.Contains(t, out, "Strategies: (none)")
	assert.Contains(t, out, "Live Tree:")
	assert.Contains(t, out, "App (", "the tree shows what is still mounted")
}

func TestGraphDebugRecordsStrategies(t *testing.T) {
	ext := NewGraphDebugExtension(NewSilentHandler())
	s := newScope(t, ext)

	root, page := app()
	_, err := s.Mount(page.New("", nil), pumped.WithPortableRoot(root.New("", nil)))
	require.NoError(t, err)

	assert.Equal(t, []pumped.Strategy{pumped.StrategyStub, pumped.StrategyIsolatedCheck}, ext.Strategies("Page"))
	assert.Empty(t, ext.Strategies("App"))
}

func TestGraphDebugLogsWarnings(t *testing.T) {
	var buf bytes.Buffer
	s := newScope(t, NewGraphDebugExtension(NewHumanHandler(&buf, slog.LevelWarn)))

	item := pumped.Declare("Item")
	list := pumped.Declare("List", renders(item, item))
	_, err := s.Mount(list.New("", nil))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[WARN] siblings share a declaration")
	assert.Contains(t, out, "kind: ambiguous-salt")
	assert.Contains(t, out, "name: Item")
}
