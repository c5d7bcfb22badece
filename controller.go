package pumped

import "fmt"

// Controller gives typed access to the instance of a service as one mounted node sees it
type Controller[T any] struct {
	node    *MountedNode
	service *Service[T]
}

// Accessor creates a controller for svc as seen from node
func Accessor[T any](node *MountedNode, svc *Service[T]) *Controller[T] {
	return &Controller[T]{
		node:    node,
		service: svc,
	}
}

// Instance returns the instance the node resolves for the service: its own when it
// provides the key, otherwise the nearest ancestor's or ghost's
func (c *Controller[T]) Instance() (*RuntimeInstance, bool) {
	n := c.node
	key := c.service.Key()
	if inst, ok := n.state.registry.Provided(n.id, key); ok {
		return inst, true
	}
	return n.upstream().Lookup(n.id, key)
}

// Get retrieves the typed value, or an error when the node cannot see the service
func (c *Controller[T]) Get() (T, error) {
	var zero T
	if v, ok := c.node.scope.overridesSnapshot()[c.service.Key()]; ok {
		typed, ok := v.(T)
		if !ok {
			return zero, fmt.Errorf("override for %s: expected %T, got %T", c.service.Key().Name(), zero, v)
		}
		return typed, nil
	}
	inst, ok := c.Instance()
	if !ok || inst == nil {
		return zero, &MissingDependencyError{Key: c.service.Key(), Node: c.node.id}
	}
	typed, ok := inst.Value().(T)
	if !ok {
		return zero, fmt.Errorf("instance of %s: expected %T, got %T", c.service.Key().Name(), zero, inst.Value())
	}
	return typed, nil
}

// Peek retrieves the value without reporting why it is absent
func (c *Controller[T]) Peek() (T, bool) {
	v, err := c.Get()
	return v, err == nil
}

// IsLocal reports whether the node provides the service itself
func (c *Controller[T]) IsLocal() bool {
	_, ok := c.node.state.registry.Provided(c.node.id, c.service.Key())
	return ok
}

// Reconfigure forwards cfg to the instance if its value implements Reconfigurer
func (c *Controller[T]) Reconfigure(cfg any) error {
	inst, ok := c.Instance()
	if !ok || inst == nil {
		return &MissingDependencyError{Key: c.service.Key(), Node: c.node.id}
	}
	return inst.reconfigure(cfg)
}
