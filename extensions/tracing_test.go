package extensions

import (
	"testing"

	pumped "github.com/pumped-fn/pumped-tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*TracingExtension, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return NewTracingExtension(tp), sr
}

func spanNamed(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func TestTracingSpansPerOperation(t *testing.T) {
	ext, sr := newRecordingTracer(t)
	s := newScope(t, ext)

	root, page := app()
	node, err := s.Mount(page.New("", nil), pumped.WithPortableRoot(root.New("", nil)))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	mount := spanNamed(spans, "pumped.mount")
	require.NotNil(t, mount)
	assert.Contains(t, mount.Attributes(), attribute.String("pumped.node", "Page"))
	assert.Contains(t, mount.Attributes(), attribute.String("pumped.id", string(node.ID())))
	assert.Equal(t, codes.Unset, mount.Status().Code)

	require.NotNil(t, spanNamed(spans, "pumped.dry-run"))

	reconstruct := spanNamed(spans, "pumped.reconstruct")
	require.NotNil(t, reconstruct)
	var strategies []string
	for _, ev := range reconstruct.Events() {
		if ev.Name != "strategy" {
			continue
		}
		for _, kv := range ev.Attributes {
			if kv.Key == "pumped.strategy" {
				strategies = append(strategies, kv.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"stub", "isolated-check"}, strategies)
}

func TestTracingRecordsErrors(t *testing.T) {
	ext, sr := newRecordingTracer(t)
	s := newScope(t, ext)

	broken := pumped.Declare("Broken", reads(missing))
	_, err := s.Mount(broken.New("", nil))
	require.Error(t, err)

	mount := spanNamed(sr.Ended(), "pumped.mount")
	require.NotNil(t, mount)
	assert.Equal(t, codes.Error, mount.Status().Code)
	assert.Contains(t, mount.Status().Description, `"missing"`)

	var exceptions int
	for _, ev := range mount.Events() {
		if ev.Name == "exception" {
			exceptions++
		}
	}
	assert.Equal(t, 1, exceptions)
}

func TestTracingAttachesWarningsToTheCurrentSpan(t *testing.T) {
	ext, sr := newRecordingTracer(t)
	s := newScope(t, ext)

	item := pumped.Declare("Item")
	list := pumped.Declare("List", renders(item, item))
	_, err := s.Mount(list.New("", nil))
	require.NoError(t, err)

	mount := spanNamed(sr.Ended(), "pumped.mount")
	require.NotNil(t, mount)
	require.Len(t, mount.Events(), 1)
	ev := mount.Events()[0]
	assert.Equal(t, "warning", ev.Name)
	assert.Contains(t, ev.Attributes, attribute.String("pumped.warning.kind", "ambiguous-salt"))
}
