package pumped

import (
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrScopeDisposed = errors.New("scope is disposed")
	ErrTreeCycle     = errors.New("tree registration would create a cycle")
	ErrNotRegistered = errors.New("node is not registered")
	ErrSuppressed    = errors.New("side effect suppressed during dry run")
)

// MissingDependencyError is returned by Inject when no ancestor provides the key.
// It is recoverable: the builder records the key and the caller decides what to try next.
type MissingDependencyError struct {
	Key  DependencyKey
	Node RegistrationID
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("no upstream instance for %q visible from node %s", e.Key.name, e.Node)
}

// UnsatisfiableError means no ancestor up to the synthetic root provides the key
type UnsatisfiableError struct {
	Key  DependencyKey
	Node string
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf(
		"no provider for dependency key %q required by %s: no ancestor up to the root declares it; add an ancestor that provides it or register an override with WithOverride",
		e.Key.name, e.Node,
	)
}

// InconsistentChainError means two validated dry-run candidates disagree about the ancestry of a target
type InconsistentChainError struct {
	Target string
	First  []DeclarationID
	Other  []DeclarationID
	Reason string
}

func (e *InconsistentChainError) Error() string {
	return fmt.Sprintf(
		"inconsistent ancestor chains for %s (%s): [%s] vs [%s]; the render is nondeterministic or environment dependent",
		e.Target, e.Reason, joinDecls(e.First), joinDecls(e.Other),
	)
}

// ConfigurationError is raised when the final public reconstruction pass still misses keys
type ConfigurationError struct {
	Node    string
	Missing []DependencyKey
}

func (e *ConfigurationError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = k.name
	}
	return fmt.Sprintf(
		"missing upstream dependencies for %s: %s; provide a mock with WithOverride or complete the ancestor chain",
		e.Node, strings.Join(names, ", "),
	)
}

// DisposeError describes an instance whose cleanup failed
type DisposeError struct {
	ID      RegistrationID
	Key     DependencyKey
	Err     error
	Context string // "unmount", "gc", "merge" or "dispose"
}

func (e *DisposeError) Error() string {
	return fmt.Sprintf("dispose %s/%s during %s: %v", e.ID, e.Key.name, e.Context, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

// EntryError wraps a failure returned by a provider entry function
type EntryError struct {
	Entry EntryID
	Node  RegistrationID
	Cause error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("provider entry %s of node %s: %v", e.Entry, e.Node, e.Cause)
}

func (e *EntryError) Unwrap() error {
	return e.Cause
}

// WithStackTrace wraps a fatal error with the caller's stack. Nil stays nil.
func WithStackTrace(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}

// ErrorStack returns the message followed by the recorded stack, if any
func ErrorStack(err error) string {
	var ge *goerrors.Error
	if errors.As(err, &ge) {
		return ge.ErrorStack()
	}
	return err.Error()
}

// IsFatal reports whether err must abort a mount rather than trigger another strategy
func IsFatal(err error) bool {
	var unsat *UnsatisfiableError
	var inconsistent *InconsistentChainError
	var cfg *ConfigurationError
	return errors.As(err, &unsat) || errors.As(err, &inconsistent) || errors.As(err, &cfg)
}

func appendErr(acc *multierror.Error, err error) *multierror.Error {
	if err == nil {
		return acc
	}
	return multierror.Append(acc, err)
}

func joinDecls(decls []DeclarationID) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = string(d)
	}
	return strings.Join(parts, " > ")
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
