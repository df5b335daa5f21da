// Package toolexectest provides a scripted Runner for tests.
package toolexectest

import (
	"context"
	"sync"

	"yt-clipper/internal/toolexec"
)

// Call records one invocation of the fake runner.
type Call struct {
	Name string
	Args []string
}

// Fake is a Runner whose behaviour is supplied per call by Handler.
type Fake struct {
	Handler func(ctx context.Context, name string, args []string) (toolexec.Result, error)

	mu    sync.Mutex
	calls []Call
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (toolexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if f.Handler == nil {
		return toolexec.Result{}, nil
	}
	return f.Handler(ctx, name, args)
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

var _ toolexec.Runner = (*Fake)(nil)
