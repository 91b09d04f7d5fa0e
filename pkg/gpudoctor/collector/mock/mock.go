package mock

import (
	"context"
	"sync"

	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// Action produces a command's stdout. ctx is the context the command was
// created with, so an action can simulate a tool that honours cancellation.
type Action func(ctx context.Context, args []string) ([]byte, error)

// Exec implements utilexec.Interface for tests. Unlike testingexec.FakeExec it
// is safe for concurrent use and scripts commands by name rather than by call
// order.
type Exec struct {
	mu      sync.Mutex
	actions map[string]Action
	missing map[string]bool
	cmds    map[string]*testingexec.FakeCmd
}

// NewExec creates an Exec with no scripted commands. Unscripted commands
// succeed with empty output.
func NewExec() *Exec {
	return &Exec{
		actions: make(map[string]Action),
		missing: make(map[string]bool),
		cmds:    make(map[string]*testingexec.FakeCmd),
	}
}

// On scripts the command named cmd.
func (e *Exec) On(cmd string, action Action) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[cmd] = action
	return e
}

// Output scripts cmd to print out.
func (e *Exec) Output(cmd string, out []byte) *Exec {
	return e.On(cmd, func(context.Context, []string) ([]byte, error) { return out, nil })
}

// Missing makes LookPath fail for cmd.
func (e *Exec) Missing(cmd string) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missing[cmd] = true
	return e
}

// Cmd returns the last command created for name, or nil.
func (e *Exec) Cmd(name string) *testingexec.FakeCmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmds[name]
}

func (e *Exec) Command(cmd string, args ...string) utilexec.Cmd {
	return e.CommandContext(context.Background(), cmd, args...)
}

func (e *Exec) CommandContext(ctx context.Context, cmd string, args ...string) utilexec.Cmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	action, ok := e.actions[cmd]
	if !ok {
		action = func(context.Context, []string) ([]byte, error) { return nil, nil }
	}
	fake := &testingexec.FakeCmd{
		OutputScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) {
				out, err := action(ctx, args)
				return out, nil, err
			},
		},
	}
	e.cmds[cmd] = fake
	return testingexec.InitFakeCmd(fake, cmd, args...)
}

func (e *Exec) LookPath(file string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.missing[file] {
		return "", utilexec.ErrExecutableNotFound
	}
	return "/usr/bin/" + file, nil
}
