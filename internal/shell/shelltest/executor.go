package shelltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
)

// Handler produces the outcome of one command.
type Handler func(command string) (*shell.Result, error)

type rule struct {
	contains string
	handle   Handler
}

// Executor is a scripted shell.Executor. Rules are matched by substring in
// registration order; unmatched commands succeed with empty output.
type Executor struct {
	mutex    sync.Mutex
	rules    []rule
	commands []string
	closed   bool
}

var _ shell.Executor = (*Executor)(nil)

// NewExecutor returns an Executor with no rules.
func NewExecutor() *Executor {
	return &Executor{}
}

// On answers commands containing substr with a fixed result.
func (e *Executor) On(substr string, res shell.Result) *Executor {
	return e.Handle(substr, func(string) (*shell.Result, error) {
		out := res
		return &out, nil
	})
}

// Fail answers commands containing substr with an error.
func (e *Executor) Fail(substr string, err error) *Executor {
	return e.Handle(substr, func(string) (*shell.Result, error) { return nil, err })
}

// Handle answers commands containing substr with fn.
func (e *Executor) Handle(substr string, fn Handler) *Executor {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.rules = append(e.rules, rule{contains: substr, handle: fn})
	return e
}

// Execute implements shell.Executor.
func (e *Executor) Execute(_ context.Context, command string, _ time.Duration) (*shell.Result, error) {
	e.mutex.Lock()
	e.commands = append(e.commands, command)
	var handler Handler
	for _, r := range e.rules {
		if strings.Contains(command, r.contains) {
			handler = r.handle
			break
		}
	}
	e.mutex.Unlock()

	if handler == nil {
		return &shell.Result{}, nil
	}
	return handler(command)
}

// Commands returns every command executed so far.
func (e *Executor) Commands() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.commands...)
}

// Count returns how many executed commands contain substr.
func (e *Executor) Count(substr string) int {
	n := 0
	for _, c := range e.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Close marks the executor closed so it can stand in for a session handle.
func (e *Executor) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.closed = true
	return nil
}

// Connected reports whether Close has not been called.
func (e *Executor) Connected() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return !e.closed
}

// Host returns a fixed label.
func (e *Executor) Host() string {
	return "fake-host"
}
