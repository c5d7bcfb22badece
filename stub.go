package pumped

import "sync"

// StubShape produces the inert value handed out for a dependency while probing
type StubShape struct {
	Name  string
	value func(body ServiceBody, key DependencyKey) any
}

// NewStubShape registers a custom way of producing stubs
func NewStubShape(name string, fn func(body ServiceBody, key DependencyKey) any) StubShape {
	return StubShape{Name: name, value: fn}
}

func (s StubShape) Value(body ServiceBody, key DependencyKey) any {
	if s.value == nil {
		return nil
	}
	return s.value(body, key)
}

// DeclaredStub hands out the stub the service declared, or its zero value
var DeclaredStub = NewStubShape("declared", func(body ServiceBody, key DependencyKey) any {
	if body == nil {
		return nil
	}
	return body.Stub()
})

// ProbeStub hands out a Probe that records every access
var ProbeStub = NewStubShape("probe", func(_ ServiceBody, key DependencyKey) any {
	return NewProbe(key)
})

// DefaultStubShapes are tried in order during stub probing
func DefaultStubShapes() []StubShape {
	return []StubShape{DeclaredStub, ProbeStub}
}

// Sentinel is what a Probe returns from every access
type Sentinel struct {
	Key  DependencyKey
	Path string
}

// Probe is a capability whose every method records the call and returns a Sentinel.
// Services consumed through an interface like Get(name) any can be probed with it.
type Probe struct {
	mu    sync.Mutex
	key   DependencyKey
	calls []string
}

func NewProbe(key DependencyKey) *Probe {
	return &Probe{key: key}
}

func (p *Probe) record(name string) Sentinel {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	return Sentinel{Key: p.key, Path: name}
}

// Get records a property access
func (p *Probe) Get(name string) any {
	return p.record(name)
}

// Call records a method call; arguments are ignored
func (p *Probe) Call(name string, _ ...any) any {
	return p.record(name + "()")
}

// Calls returns the recorded accesses in order
func (p *Probe) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Probe) Key() DependencyKey {
	return p.key
}
