package pumped

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// WarningKind classifies recoverable conditions
type WarningKind string

const (
	WarnAmbiguousSalt      WarningKind = "ambiguous-salt"
	WarnAmbiguousCandidate WarningKind = "ambiguous-candidate"
	WarnNoStructuralMatch  WarningKind = "no-structural-match"
	WarnStubProbeFailed    WarningKind = "stub-probe-failed"
	WarnStubSubstituted    WarningKind = "stub-substituted"
	WarnDisposeFailed      WarningKind = "dispose-failed"
)

// Warning is a recoverable condition surfaced to the logger and to extensions
type Warning struct {
	Kind    WarningKind
	Message string
	Fields  []any
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

func newLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "pumped-tree",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}

// warner fans warnings out to a logger and a sink, usually the scope's extensions
type warner struct {
	logger hclog.Logger
	sink   func(Warning)
}

func (w *warner) warn(kind WarningKind, msg string, fields ...any) {
	if w == nil {
		return
	}
	if w.logger != nil {
		w.logger.Warn(msg, append([]any{"kind", string(kind)}, fields...)...)
	}
	if w.sink != nil {
		w.sink(Warning{Kind: kind, Message: msg, Fields: fields})
	}
}
