package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

func init() {
	Register("exec", func() (Runtime, error) { return NewExec(), nil })
}

// Exec runs agents as plain local processes. Resource requirements are not
// enforced; this runtime is for development setups without docker.
type Exec struct {
	mu    sync.Mutex
	procs map[string]*execProc
}

type execProc struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      string
}

func NewExec() *Exec {
	return &Exec{procs: make(map[string]*execProc)}
}

func (e *Exec) StartAgent(_ context.Context, spec AgentSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.procs[spec.AgentID]; exists {
		return fmt.Errorf("agent %s already running", spec.AgentID)
	}
	cmd := exec.Command(spec.Endpoint, spec.Args...)
	cmd.Env = append(cmd.Environ(), spec.Env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Endpoint, err)
	}
	proc := &execProc{cmd: cmd, done: make(chan struct{})}
	e.procs[spec.AgentID] = proc
	go func() {
		err := cmd.Wait()
		proc.exitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			proc.err = err.Error()
		}
		close(proc.done)
	}()
	return nil
}

func (e *Exec) StopAgent(_ context.Context, agentID string) error {
	e.mu.Lock()
	proc, ok := e.procs[agentID]
	if ok {
		delete(e.procs, agentID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-proc.done:
		return nil
	default:
	}
	if err := proc.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill agent %s: %w", agentID, err)
	}
	<-proc.done
	return nil
}

func (e *Exec) Status(_ context.Context, agentID string) (*Status, error) {
	e.mu.Lock()
	proc, ok := e.procs[agentID]
	e.mu.Unlock()
	if !ok {
		return &Status{Running: false, Error: "agent not found"}, nil
	}
	select {
	case <-proc.done:
		return &Status{Running: false, ExitCode: proc.exitCode, Error: proc.err}, nil
	default:
		return &Status{Running: true}, nil
	}
}

func (e *Exec) List(_ context.Context) (map[string]*Status, error) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	out := make(map[string]*Status, len(ids))
	for _, id := range ids {
		st, err := e.Status(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// Close kills everything still running.
func (e *Exec) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.StopAgent(context.Background(), id)
	}
	return nil
}

var _ Runtime = (*Exec)(nil)
