package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

// Memory is an in-process Store for tests and single-binary deployments.
// Records are kept as serialized JSON so reads hand out copies, matching the
// value semantics of the durable backends.
type Memory struct {
	mu     sync.Mutex
	nodes  map[string]memRecord
	agents map[string]memRecord
}

type memRecord struct {
	version int64
	data    []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:  make(map[string]memRecord),
		agents: make(map[string]memRecord),
	}
}

func (m *Memory) create(table map[string]memRecord, id string, v interface{}) error {
	if _, ok := table[id]; ok {
		return ErrConflict
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	table[id] = memRecord{version: 1, data: data}
	return nil
}

func (m *Memory) update(table map[string]memRecord, id string, version int64, v interface{}) (int64, error) {
	rec, ok := table[id]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.version != version {
		return 0, ErrConflict
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	next := rec.version + 1
	table[id] = memRecord{version: next, data: data}
	return next, nil
}

func (m *Memory) CreateNode(ctx context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.Version = 1
	return m.create(m.nodes, node.ID, node)
}

func (m *Memory) UpdateNode(ctx context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.update(m.nodes, node.ID, node.Version, node)
	if err != nil {
		return err
	}
	node.Version = next
	return nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	var node model.Node
	if err := json.Unmarshal(rec.data, &node); err != nil {
		return nil, err
	}
	node.Version = rec.version
	return &node, nil
}

func (m *Memory) ListNodes(ctx context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, rec := range m.nodes {
		var node model.Node
		if err := json.Unmarshal(rec.data, &node); err != nil {
			return nil, err
		}
		node.Version = rec.version
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (m *Memory) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *Memory) CreateAgent(ctx context.Context, agent *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent.Version = 1
	return m.create(m.agents, agent.ID, agent)
}

func (m *Memory) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.update(m.agents, agent.ID, agent.Version, agent)
	if err != nil {
		return err
	}
	agent.Version = next
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	var agent model.Agent
	if err := json.Unmarshal(rec.data, &agent); err != nil {
		return nil, err
	}
	agent.Version = rec.version
	return &agent, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make([]*model.Agent, 0, len(m.agents))
	for _, rec := range m.agents {
		var agent model.Agent
		if err := json.Unmarshal(rec.data, &agent); err != nil {
			return nil, err
		}
		agent.Version = rec.version
		agents = append(agents, &agent)
	}
	return agents, nil
}

func (m *Memory) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
