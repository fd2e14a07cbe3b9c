package store

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

const (
	nodeKeyPrefix  = "/flotilla/nodes/"
	agentKeyPrefix = "/flotilla/agents/"
)

// Etcd is a shared Store backed by an etcd cluster. The record Version is the
// key's mod revision, so UpdateNode/UpdateAgent become single-key
// transactions comparing the revision observed at read time.
type Etcd struct{ client *clientv3.Client }

// NewEtcd connects to the given endpoints.
func NewEtcd(endpoints []string) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: cli}, nil
}

func (e *Etcd) create(ctx context.Context, key string, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, ErrConflict
	}
	return resp.Header.Revision, nil
}

func (e *Etcd) update(ctx context.Context, key string, modRevision int64, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		// Distinguish a deleted key from a concurrent writer.
		get, err := e.client.Get(ctx, key)
		if err == nil && len(get.Kvs) == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	return resp.Header.Revision, nil
}

func (e *Etcd) get(ctx context.Context, key string, v interface{}) (int64, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, ErrNotFound
	}
	kv := resp.Kvs[0]
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return 0, err
	}
	return kv.ModRevision, nil
}

func (e *Etcd) delete(ctx context.Context, key string) error {
	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (e *Etcd) CreateNode(ctx context.Context, node *model.Node) error {
	rev, err := e.create(ctx, nodeKeyPrefix+node.ID, node)
	if err != nil {
		return err
	}
	node.Version = rev
	return nil
}

func (e *Etcd) UpdateNode(ctx context.Context, node *model.Node) error {
	rev, err := e.update(ctx, nodeKeyPrefix+node.ID, node.Version, node)
	if err != nil {
		return err
	}
	node.Version = rev
	return nil
}

func (e *Etcd) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var node model.Node
	rev, err := e.get(ctx, nodeKeyPrefix+id, &node)
	if err != nil {
		return nil, err
	}
	node.Version = rev
	return &node, nil
}

func (e *Etcd) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, nodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			return nil, err
		}
		node.Version = kv.ModRevision
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (e *Etcd) DeleteNode(ctx context.Context, id string) error {
	return e.delete(ctx, nodeKeyPrefix+id)
}

func (e *Etcd) CreateAgent(ctx context.Context, agent *model.Agent) error {
	rev, err := e.create(ctx, agentKeyPrefix+agent.ID, agent)
	if err != nil {
		return err
	}
	agent.Version = rev
	return nil
}

func (e *Etcd) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	rev, err := e.update(ctx, agentKeyPrefix+agent.ID, agent.Version, agent)
	if err != nil {
		return err
	}
	agent.Version = rev
	return nil
}

func (e *Etcd) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	rev, err := e.get(ctx, agentKeyPrefix+id, &agent)
	if err != nil {
		return nil, err
	}
	agent.Version = rev
	return &agent, nil
}

func (e *Etcd) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	resp, err := e.client.Get(ctx, agentKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	agents := make([]*model.Agent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var agent model.Agent
		if err := json.Unmarshal(kv.Value, &agent); err != nil {
			return nil, err
		}
		agent.Version = kv.ModRevision
		agents = append(agents, &agent)
	}
	return agents, nil
}

func (e *Etcd) DeleteAgent(ctx context.Context, id string) error {
	return e.delete(ctx, agentKeyPrefix+id)
}

func (e *Etcd) Close() error { return e.client.Close() }

var _ Store = (*Etcd)(nil)
