// Package runtime abstracts how a node actually executes agents. The docker
// runtime runs each agent in a container; the exec runtime runs local
// processes and exists mainly for development and tests.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

// AgentSpec describes one agent to launch. Endpoint comes from the
// capability definition: an image reference for docker, an executable path
// for exec.
type AgentSpec struct {
	AgentID      string
	Capability   string
	Endpoint     string
	Args         []string
	Env          []string
	Requirements model.Resource
}

// Status is the runtime's view of one agent.
type Status struct {
	Running  bool
	ExitCode int
	Error    string
}

// Runtime starts, stops and inspects agents on the local machine.
type Runtime interface {
	StartAgent(ctx context.Context, spec AgentSpec) error
	StopAgent(ctx context.Context, agentID string) error
	Status(ctx context.Context, agentID string) (*Status, error)
	// List reports all agents this runtime knows about.
	List(ctx context.Context) (map[string]*Status, error)
	Close() error
}

// Factory builds a runtime from its registered name.
type Factory func() (Runtime, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register installs a runtime factory under a name. Called from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Open builds the named runtime.
func Open(name string) (Runtime, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runtime %q (have %v)", name, Names())
	}
	return f()
}

// Names lists the registered runtimes, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
