package pumped

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Timer is the cancellable handle returned by Timers
type Timer interface {
	Stop() bool
}

// Timers schedules callbacks. It doubles as the clock of grace-period disposal.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Env is the set of side-effecting globals service bodies reach for. Hidden renders
// get inert stand-ins instead of the scope's.
type Env struct {
	Timers Timers
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	HTTP   *http.Client
}

func defaultEnv() *Env {
	dialer := &net.Dialer{}
	return &Env{
		Timers: realTimers{},
		Dial:   dialer.DialContext,
		HTTP:   http.DefaultClient,
	}
}

// Inert reports whether side effects are suppressed
func (e *Env) Inert() bool {
	_, ok := e.Timers.(inertTimers)
	return ok
}

func inertEnv() *Env {
	return &Env{
		Timers: inertTimers{},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, ErrSuppressed
		},
		HTTP: &http.Client{Transport: inertTransport{}},
	}
}

type inertTimers struct{}

func (inertTimers) AfterFunc(time.Duration, func()) Timer {
	return inertTimer{}
}

type inertTimer struct{}

func (inertTimer) Stop() bool { return false }

type inertTransport struct{}

func (inertTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, ErrSuppressed
}
