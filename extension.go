package pumped

import "context"

// Extension provides hooks into the mount lifecycle
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a scope
	Init(scope *Scope) error

	// Wrap intercepts operations (mount, unmount, dry run, reconstruct)
	Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error)

	// OnError handles errors returned by a wrapped operation
	OnError(err error, op *Operation, scope *Scope)

	// OnDisposeError handles cleanup failures
	// Returns true if the error was handled, false to log it
	OnDisposeError(err *DisposeError) bool

	// OnWarning receives every recoverable condition the scope reports
	OnWarning(w Warning)

	// Instance lifecycle hooks
	OnInstanceCreated(inst *RuntimeInstance)
	OnInstanceDisposed(inst *RuntimeInstance)

	// OnStrategy is called each time the reconstructor enters a strategy
	OnStrategy(op *Operation, strategy Strategy)

	// Dispose is called when the scope is disposed
	Dispose(scope *Scope) error
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(scope *Scope) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	return next()
}

func (e *BaseExtension) OnError(err error, op *Operation, scope *Scope) {
}

func (e *BaseExtension) OnDisposeError(err *DisposeError) bool {
	return false
}

func (e *BaseExtension) OnWarning(w Warning) {
}

func (e *BaseExtension) OnInstanceCreated(inst *RuntimeInstance) {
}

func (e *BaseExtension) OnInstanceDisposed(inst *RuntimeInstance) {
}

func (e *BaseExtension) OnStrategy(op *Operation, strategy Strategy) {
}

func (e *BaseExtension) Dispose(scope *Scope) error {
	return nil
}

// Operation describes what operation is happening
type Operation struct {
	Kind  OperationKind
	Node  string
	ID    RegistrationID
	Scope *Scope
}

// OperationKind represents the type of operation
type OperationKind string

const (
	// OpMount indicates a node (and its subtree) being mounted
	OpMount OperationKind = "mount"
	// OpUnmount indicates a node being unmounted
	OpUnmount OperationKind = "unmount"
	// OpRerender indicates a node rebuilt with new props
	OpRerender OperationKind = "rerender"
	// OpDryRun indicates a hidden discovery render
	OpDryRun OperationKind = "dry-run"
	// OpReconstruct indicates an off-tree ancestry reconstruction
	OpReconstruct OperationKind = "reconstruct"
)
