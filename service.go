package pumped

import (
	"fmt"
	"sync"
)

// ServiceBody is an opaque declared service the runtime can instantiate
type ServiceBody interface {
	Key() DependencyKey
	Instantiate(ctx *InstantiateCtx) (any, error)
	// Stub is the inert value handed out while probing
	Stub() any
}

// Reconfigurer is implemented by live values that accept configuration after creation
type Reconfigurer interface {
	Reconfigure(config any) error
}

type cleanupEntry struct {
	fn    func() error
	order int
}

// InstantiateCtx is handed to a service factory
type InstantiateCtx struct {
	id        RegistrationID
	key       DependencyKey
	slot      int
	config    any
	env       *Env
	cleanups  []cleanupEntry
	cleanupMu sync.Mutex
}

// OnCleanup registers a function run when the instance is disposed, last registered first
func (ctx *InstantiateCtx) OnCleanup(fn func() error) {
	ctx.cleanupMu.Lock()
	defer ctx.cleanupMu.Unlock()

	ctx.cleanups = append(ctx.cleanups, cleanupEntry{
		fn:    fn,
		order: len(ctx.cleanups),
	})
}

func (ctx *InstantiateCtx) Config() any {
	return ctx.config
}

func (ctx *InstantiateCtx) Env() *Env {
	return ctx.env
}

func (ctx *InstantiateCtx) ID() RegistrationID {
	return ctx.id
}

func (ctx *InstantiateCtx) Slot() int {
	return ctx.slot
}

// ConfigAs returns the typed config, or def when none was given
func ConfigAs[C any](ctx *InstantiateCtx, def C) (C, error) {
	if ctx.config == nil {
		return def, nil
	}
	c, ok := ctx.config.(C)
	if !ok {
		return def, fmt.Errorf("service %s: expected config of type %T, got %T", ctx.key.name, def, ctx.config)
	}
	return c, nil
}

// Service is a typed service declaration
type Service[T any] struct {
	key     DependencyKey
	factory func(*InstantiateCtx) (T, error)
	stub    T
}

// ServiceOption configures a service declaration
type ServiceOption[T any] func(*Service[T])

// WithStub sets the value injected in place of the service while probing
func WithStub[T any](stub T) ServiceOption[T] {
	return func(s *Service[T]) {
		s.stub = stub
	}
}

// NewService declares a service. The factory runs once per (registration, slot).
func NewService[T any](name string, factory func(ctx *InstantiateCtx) (T, error), opts ...ServiceOption[T]) *Service[T] {
	s := &Service[T]{
		key:     NewDependencyKey(name),
		factory: factory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service[T]) Key() DependencyKey {
	return s.key
}

func (s *Service[T]) Instantiate(ctx *InstantiateCtx) (any, error) {
	return s.factory(ctx)
}

// Stub returns the declared stub, or the zero value of T
func (s *Service[T]) Stub() any {
	return s.stub
}
