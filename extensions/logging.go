package extensions

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	pumped "github.com/pumped-fn/pumped-tree"
)

// LoggingExtension logs all operations
type LoggingExtension struct {
	pumped.BaseExtension
	logger hclog.Logger
}

// NewLoggingExtension creates a new logging extension. A nil logger logs to stderr at debug level.
func NewLoggingExtension(logger hclog.Logger) *LoggingExtension {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "pumped-tree", Level: hclog.Debug})
	}
	return &LoggingExtension{
		BaseExtension: pumped.NewBaseExtension("logging"),
		logger:        logger.Named("ops"),
	}
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	start := time.Now()
	e.logger.Debug("starting", "op", string(op.Kind), "node", op.Node)
	result, err := next()

	duration := time.Since(start)
	if err != nil {
		e.logger.Error("failed", "op", string(op.Kind), "node", op.Node, "duration", duration, "error", err)
	} else {
		e.logger.Debug("completed", "op", string(op.Kind), "node", op.Node, "id", string(op.ID), "duration", duration)
	}

	return result, err
}

func (e *LoggingExtension) OnStrategy(op *pumped.Operation, strategy pumped.Strategy) {
	e.logger.Info("reconstruction strategy", "node", op.Node, "strategy", strategy.String())
}

func (e *LoggingExtension) OnWarning(w pumped.Warning) {
	e.logger.Warn(w.Message, append([]any{"kind", string(w.Kind)}, w.Fields...)...)
}

func (e *LoggingExtension) OnDisposeError(err *pumped.DisposeError) bool {
	e.logger.Error("dispose failed", "id", string(err.ID), "key", err.Key.Name(), "context", err.Context, "error", err.Err)
	return true
}
