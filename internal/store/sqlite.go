package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/flotilla-dev/flotilla/pkg/model"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite is a durable single-host Store. Records are JSON blobs with a
// version column; updates compare-and-swap on the version.
type SQLite struct{ db *sql.DB }

// NewSQLite opens (or creates) the database at path and applies migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *SQLite) create(ctx context.Context, table, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, version, data) VALUES (?, 1, ?)", id, string(data))
	if err != nil {
		// Unique constraint violation maps to a create conflict.
		var exists int
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE id = ?", id)
		if scanErr := row.Scan(&exists); scanErr == nil && exists > 0 {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *SQLite) update(ctx context.Context, table, id string, version int64, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+table+" SET data = ?, version = version + 1 WHERE id = ? AND version = ?",
		string(data), id, version)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE id = ?", id)
		if err := row.Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	return version + 1, nil
}

func (s *SQLite) get(ctx context.Context, table, id string, v interface{}) (int64, error) {
	var version int64
	var data string
	row := s.db.QueryRowContext(ctx, "SELECT version, data FROM "+table+" WHERE id = ?", id)
	if err := row.Scan(&version, &data); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLite) delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateNode(ctx context.Context, node *model.Node) error {
	node.Version = 1
	return s.create(ctx, "nodes", node.ID, node)
}

func (s *SQLite) UpdateNode(ctx context.Context, node *model.Node) error {
	next, err := s.update(ctx, "nodes", node.ID, node.Version, node)
	if err != nil {
		return err
	}
	node.Version = next
	return nil
}

func (s *SQLite) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var node model.Node
	version, err := s.get(ctx, "nodes", id, &node)
	if err != nil {
		return nil, err
	}
	node.Version = version
	return &node, nil
}

func (s *SQLite) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version, data FROM nodes")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*model.Node
	for rows.Next() {
		var version int64
		var data string
		if err := rows.Scan(&version, &data); err != nil {
			return nil, err
		}
		var node model.Node
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			return nil, err
		}
		node.Version = version
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

func (s *SQLite) DeleteNode(ctx context.Context, id string) error {
	return s.delete(ctx, "nodes", id)
}

func (s *SQLite) CreateAgent(ctx context.Context, agent *model.Agent) error {
	agent.Version = 1
	return s.create(ctx, "agents", agent.ID, agent)
}

func (s *SQLite) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	next, err := s.update(ctx, "agents", agent.ID, agent.Version, agent)
	if err != nil {
		return err
	}
	agent.Version = next
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	version, err := s.get(ctx, "agents", id, &agent)
	if err != nil {
		return nil, err
	}
	agent.Version = version
	return &agent, nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version, data FROM agents")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []*model.Agent
	for rows.Next() {
		var version int64
		var data string
		if err := rows.Scan(&version, &data); err != nil {
			return nil, err
		}
		var agent model.Agent
		if err := json.Unmarshal([]byte(data), &agent); err != nil {
			return nil, err
		}
		agent.Version = version
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *SQLite) DeleteAgent(ctx context.Context, id string) error {
	return s.delete(ctx, "agents", id)
}

func (s *SQLite) Close() error { return s.db.Close() }

var _ Store = (*SQLite)(nil)
