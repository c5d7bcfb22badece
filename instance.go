package pumped

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// RuntimeInstance is one live service instance owned by an InstanceRegistry
type RuntimeInstance struct {
	mu       sync.Mutex
	id       RegistrationID
	key      DependencyKey
	slot     int
	body     ServiceBody
	config   any
	value    any
	cleanups []cleanupEntry
	disposed bool
}

func (i *RuntimeInstance) ID() RegistrationID {
	return i.id
}

func (i *RuntimeInstance) Key() DependencyKey {
	return i.key
}

func (i *RuntimeInstance) Slot() int {
	return i.slot
}

func (i *RuntimeInstance) Value() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

func (i *RuntimeInstance) Config() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.config
}

func (i *RuntimeInstance) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

func (i *RuntimeInstance) reconfigure(config any) error {
	i.mu.Lock()
	i.config = config
	value := i.value
	i.mu.Unlock()

	if r, ok := value.(Reconfigurer); ok {
		return r.Reconfigure(config)
	}
	return nil
}

// dispose runs cleanups in reverse registration order. A second call is a no-op.
func (i *RuntimeInstance) dispose() error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return nil
	}
	i.disposed = true
	entries := i.cleanups
	i.cleanups = nil
	i.mu.Unlock()

	var result *multierror.Error
	for idx := len(entries) - 1; idx >= 0; idx-- {
		result = appendErr(result, runCleanup(entries[idx].fn))
	}
	return result.ErrorOrNil()
}

// runCleanup turns a panicking cleanup into an error so disposal keeps going
func runCleanup(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

func instantiate(body ServiceBody, id RegistrationID, slot int, config any, env *Env) (*RuntimeInstance, error) {
	ctx := &InstantiateCtx{
		id:     id,
		key:    body.Key(),
		slot:   slot,
		config: config,
		env:    env,
	}

	value, err := body.Instantiate(ctx)
	inst := &RuntimeInstance{
		id:       id,
		key:      body.Key(),
		slot:     slot,
		body:     body,
		config:   config,
		value:    value,
		cleanups: ctx.cleanups,
	}
	if err != nil {
		// give back whatever the factory acquired before failing
		if cerr := inst.dispose(); cerr != nil {
			return nil, multierror.Append(err, cerr)
		}
		return nil, err
	}
	return inst, nil
}
