package store

import (
	"context"
	"errors"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

var (
	// ErrNotFound is returned when a node or agent record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a create hits an existing record or an
	// update's version no longer matches the stored one. Callers re-read
	// and retry; conflicts are expected under concurrency.
	ErrConflict = errors.New("version conflict")
)

// Store is the registry store boundary. Single-record atomicity is the only
// guarantee components rely on: every update is a compare-and-swap on the
// record's Version, and there are no multi-record transactions.
type Store interface {
	// CreateNode inserts a new node record; ErrConflict if the ID exists.
	CreateNode(ctx context.Context, node *model.Node) error
	// UpdateNode replaces the record iff node.Version matches the stored
	// version, then advances node.Version.
	UpdateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	DeleteNode(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, agent *model.Agent) error
	UpdateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	Close() error
}
