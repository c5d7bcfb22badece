package pumped

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs every timer that came due, in schedule order
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// recorder collects what a scope reports to its extensions
type recorder struct {
	BaseExtension
	mu         sync.Mutex
	warnings   []Warning
	strategies []Strategy
	created    int
	disposed   int
	failures   []*DisposeError
}

func newRecorder() *recorder {
	return &recorder{BaseExtension: NewBaseExtension("recorder")}
}

func (r *recorder) OnWarning(w Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recorder) OnStrategy(op *Operation, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
}

func (r *recorder) OnInstanceCreated(inst *RuntimeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recorder) OnInstanceDisposed(inst *RuntimeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed++
}

func (r *recorder) OnDisposeError(err *DisposeError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
	return true
}

func (r *recorder) count(kind WarningKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.warnings {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

func newTestScope(t *testing.T, opts ...ScopeOption) (*Scope, *recorder) {
	t.Helper()
	rec := newRecorder()
	all := append([]ScopeOption{WithLogger(hclog.NewNullLogger()), WithExtension(rec)}, opts...)
	s := NewScope(all...)
	t.Cleanup(func() { _ = s.Dispose() })
	return s, rec
}

// counted wraps a factory and counts its calls
func counted[T any](name string, value T, calls *atomic.Int32, opts ...ServiceOption[T]) *Service[T] {
	return NewService(name, func(ctx *InstantiateCtx) (T, error) {
		calls.Add(1)
		return value, nil
	}, opts...)
}

func renders(children ...func() Element) DeclarationOption {
	return WithRender(func(Attributes) []Element {
		out := make([]Element, len(children))
		for i, c := range children {
			out[i] = c()
		}
		return out
	})
}

// chainFixture is Root > A > B > Target where Root provides K and Target derives "k"
// from it
type chainFixture struct {
	k       *Service[int]
	kCalls  atomic.Int32
	root    *Declaration
	a       *Declaration
	b       *Declaration
	target  *Declaration
	element Element
}

func newChainFixture() *chainFixture {
	f := &chainFixture{}
	f.k = counted("K", 21, &f.kCalls)
	f.target = Declare("Target", WithEntries(
		Upstream("read-k", func(inj Injector, attrs Attributes) (Attributes, error) {
			v, err := Use(inj, f.k)
			if err != nil {
				return nil, err
			}
			return Attributes{"k": v * 2}, nil
		}),
	))
	f.b = Declare("B", renders(func() Element { return f.target.New("", nil) }))
	f.a = Declare("A", renders(func() Element { return f.b.New("", nil) }))
	f.root = Declare("Root",
		WithEntries(Local("k", f.k, nil)),
		renders(func() Element { return f.a.New("", nil) }),
	)
	f.element = f.root.New("", nil)
	return f
}
