package extensions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	pumped "github.com/pumped-fn/pumped-tree"
)

// GraphDebugExtension logs the live tree when a mount fails, along with the
// reconstruction strategies the failing mount went through.
//
// Usage:
//
//	// Human-readable formatted output (with line breaks)
//	handler := extensions.NewHumanHandler(os.Stdout, slog.LevelError)
//	ext := extensions.NewGraphDebugExtension(handler)
//
//	// Structured JSON logging (compact, machine-readable)
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	ext := extensions.NewGraphDebugExtension(handler)
//
//	// Silent (for testing)
//	ext := extensions.NewGraphDebugExtension(extensions.NewSilentHandler())
//
// The extension logs at ERROR level for failed operations and at WARN level for warnings.
type GraphDebugExtension struct {
	pumped.BaseExtension

	mu         sync.Mutex
	strategies map[string][]pumped.Strategy
	logger     *slog.Logger
}

// NewGraphDebugExtension creates a new graph debug extension.
// logHandler: slog.Handler for logging (use HumanHandler for formatted output, or any other slog.Handler)
func NewGraphDebugExtension(logHandler slog.Handler) *GraphDebugExtension {
	return &GraphDebugExtension{
		BaseExtension: pumped.NewBaseExtension("graph-debug"),
		strategies:    make(map[string][]pumped.Strategy),
		logger:        slog.New(logHandler),
	}
}

// OnStrategy remembers the escalation path per node
func (e *GraphDebugExtension) OnStrategy(op *pumped.Operation, strategy pumped.Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[op.Node] = append(e.strategies[op.Node], strategy)
}

// Strategies returns the strategies recorded for a node name
func (e *GraphDebugExtension) Strategies(node string) []pumped.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pumped.Strategy, len(e.strategies[node]))
	copy(out, e.strategies[node])
	return out
}

// OnError logs the live tree when an operation fails
func (e *GraphDebugExtension) OnError(err error, op *pumped.Operation, scope *pumped.Scope) {
	// nested operations report the same error again on the way out
	if op.Kind != pumped.OpMount && op.Kind != pumped.OpRerender && op.Kind != pumped.OpUnmount {
		return
	}

	e.logger.Error("Mount Error",
		"node", op.Node,
		"error", err.Error(),
		"operation", string(op.Kind),
		"strategies", e.formatStrategies(op.Node),
		"tree", "\n"+scope.Tree().Render(scope.Label),
	)
}

// OnWarning logs recoverable conditions
func (e *GraphDebugExtension) OnWarning(w pumped.Warning) {
	attrs := []any{"kind", string(w.Kind)}
	attrs = append(attrs, w.Fields...)
	e.logger.Warn(w.Message, attrs...)
}

func (e *GraphDebugExtension) formatStrategies(node string) string {
	path := e.Strategies(node)
	if len(path) == 0 {
		return "(none)"
	}
	parts := make([]string, len(path))
	for i, s := range path {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}

// SilentHandler is a slog.Handler that discards all log output
// Useful for testing when you don't want log output
type SilentHandler struct{}

// NewSilentHandler creates a new silent log handler
func NewSilentHandler() *SilentHandler {
	return &SilentHandler{}
}

func (h *SilentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return false
}

func (h *SilentHandler) Handle(ctx context.Context, record slog.Record) error {
	return nil
}

func (h *SilentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *SilentHandler) WithGroup(name string) slog.Handler {
	return h
}

// HumanHandler is a slog.Handler that formats logs for human readability
// with proper line breaks and visual formatting (especially for trees)
type HumanHandler struct {
	writer io.Writer
	level  slog.Level
}

// NewHumanHandler creates a new human-readable log handler
func NewHumanHandler(writer io.Writer, level slog.Level) *HumanHandler {
	return &HumanHandler{
		writer: writer,
		level:  level,
	}
}

func (h *HumanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *HumanHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Message == "Mount Error" {
		return h.handleMountError(record)
	}

	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", record.Level, record.Message); err != nil {
		return err
	}
	var writeErr error
	record.Attrs(func(a slog.Attr) bool {
		if _, err := fmt.Fprintf(h.writer, "  %s: %v\n", a.Key, a.Value); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

func (h *HumanHandler) handleMountError(record slog.Record) error {
	var node, errorMsg, operation, strategies, tree string

	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "node":
			node = a.Value.String()
		case "error":
			errorMsg = a.Value.String()
		case "operation":
			operation = a.Value.String()
		case "strategies":
			strategies = a.Value.String()
		case "tree":
			tree = a.Value.String()
		}
		return true
	})

	writes := []func() error{
		func() error { _, err := fmt.Fprintln(h.writer); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer, "[GraphDebug] Mount Error"); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nFailed Node: %s\n", node); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Error: %s\n", errorMsg); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Operation: %s\n", operation); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Strategies: %s\n", strategies); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nLive Tree:%s\n", tree); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer); return err },
	}

	for _, write := range writes {
		if err := write(); err != nil {
			return err
		}
	}

	return nil
}

func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *HumanHandler) WithGroup(name string) slog.Handler {
	return h
}
