// Package placement assigns agents to nodes and keeps those assignments
// honest: it retries failed deploys, reconciles in-flight ones against
// heartbeat reports, and migrates agents away from nodes that go offline.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/hub"
	"github.com/flotilla-dev/flotilla/internal/store"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

var (
	// ErrNoCapacity means no eligible node can host the requested agent.
	ErrNoCapacity = errors.New("no node with sufficient capacity")
	// ErrDeployFailed means candidate nodes existed but every attempt to
	// start the agent was refused or unreachable.
	ErrDeployFailed = errors.New("deploy failed on all candidate nodes")
	// ErrMigrationFailed means an agent lost its node and no replacement
	// placement succeeded.
	ErrMigrationFailed = errors.New("migration failed")
)

// Commander delivers commands to nodes. Implemented by the hub.
type Commander interface {
	SendCommand(ctx context.Context, node *model.Node, cmd api.Command) (*api.CommandResult, error)
}

// Options tune deploy retries and reconciliation.
type Options struct {
	MaxDeployRetries      int
	CommandTimeout        time.Duration
	TerminateWait         time.Duration
	MissedReportThreshold int
	ConflictRetries       int
}

type Manager struct {
	store     store.Store
	commander Commander
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

func New(s store.Store, commander Commander, opts Options, log zerolog.Logger) *Manager {
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 5
	}
	if opts.MissedReportThreshold <= 0 {
		opts.MissedReportThreshold = 3
	}
	if opts.TerminateWait <= 0 {
		opts.TerminateWait = opts.CommandTimeout
	}
	return &Manager{
		store:     s,
		commander: commander,
		opts:      opts,
		log:       log.With().Str("component", "placement").Logger(),
		now:       time.Now,
	}
}

// Place creates an agent and assigns it to the least-loaded eligible node.
// Candidate selection works on a point-in-time snapshot; the final claim is a
// compare-and-swap on the node record, so two concurrent placements can never
// overcommit the same capacity.
func (m *Manager) Place(ctx context.Context, req api.DeployRequest) (*model.Agent, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	agent := &model.Agent{
		ID:           uuid.NewString(),
		Capability:   req.Capability,
		Requirements: req.Requirements,
		State:        model.AgentPending,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if err := m.deploy(ctx, agent, req.PreferredNode, nil); err != nil {
		if errors.Is(err, ErrNoCapacity) || errors.Is(err, store.ErrConflict) {
			// The request never held resources; drop the record.
			_ = m.store.DeleteAgent(ctx, agent.ID)
		}
		return nil, err
	}
	telemetry.RecordCounter("placement_deploys_total", 1, map[string]string{"capability": req.Capability})
	return agent, nil
}

// deploy walks eligible nodes best-first until a start command is accepted or
// the retry budget is spent. Nodes that refuse or are unreachable are excluded
// from subsequent attempts; a timed-out command is NOT treated as failure,
// since the node may have started the agent before the deadline.
func (m *Manager) deploy(ctx context.Context, agent *model.Agent, preferred string, exclude map[string]bool) error {
	if exclude == nil {
		exclude = make(map[string]bool)
	}
	failed := 0
	attempts := m.opts.MaxDeployRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		node, err := m.claim(ctx, agent, preferred, exclude)
		if err != nil {
			if errors.Is(err, ErrNoCapacity) && failed > 0 {
				// Candidates existed and each one was tried; this is a
				// deploy failure, not a capacity shortage.
				break
			}
			return err
		}
		preferred = ""

		result, err := m.send(ctx, node, api.Command{
			Type:         api.CommandStartAgent,
			AgentID:      agent.ID,
			Capability:   agent.Capability,
			Requirements: agent.Requirements,
		})
		switch {
		case err == nil && result.OK:
			return m.setState(ctx, agent, func(a *model.Agent) {
				a.State = model.AgentRunning
				a.LastReport = m.now().UTC()
			})
		case errors.Is(err, hub.ErrTimeout):
			// Outcome unknown. Leave the agent deploying; heartbeat
			// reconciliation will confirm or restart it.
			m.log.Warn().Str("agent", agent.ID).Str("node", node.ID).
				Msg("start command timed out, awaiting reconciliation")
			return nil
		default:
			reason := "unreachable"
			if err == nil {
				reason = result.Error
			}
			m.log.Warn().Str("agent", agent.ID).Str("node", node.ID).Str("reason", reason).
				Msg("deploy attempt failed")
			telemetry.RecordCounter("placement_deploy_failures_total", 1, nil)
			exclude[node.ID] = true
			if relErr := m.release(ctx, node.ID, agent.Requirements); relErr != nil {
				m.log.Error().Err(relErr).Str("node", node.ID).Msg("release after failed deploy")
			}
			failed++
			if stErr := m.setState(ctx, agent, func(a *model.Agent) {
				a.DeployRetries++
				a.NodeID = ""
			}); stErr != nil {
				m.log.Error().Err(stErr).Str("agent", agent.ID).Msg("record deploy retry")
			}
		}
	}
	_ = m.setState(ctx, agent, func(a *model.Agent) {
		a.State = model.AgentError
		a.Error = "deploy retries exhausted"
	})
	return fmt.Errorf("%w: agent %s", ErrDeployFailed, agent.ID)
}

func (m *Manager) send(ctx context.Context, node *model.Node, cmd api.Command) (*api.CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()
	return m.commander.SendCommand(cctx, node, cmd)
}

// claim picks the best candidate from a fresh snapshot and reserves the
// agent's requirements on it. A CAS conflict means another placement touched
// the node first; the snapshot is retaken.
func (m *Manager) claim(ctx context.Context, agent *model.Agent, preferred string, exclude map[string]bool) (*model.Node, error) {
	for attempt := 0; attempt < m.opts.ConflictRetries; attempt++ {
		nodes, err := m.store.ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		candidates := eligible(nodes, agent, exclude)
		if len(candidates) == 0 {
			return nil, ErrNoCapacity
		}
		node := pick(candidates, preferred)

		node.Allocated = node.Allocated.Add(agent.Requirements)
		node.AgentsRunning++
		if node.AtAgentLimit() && node.State == model.NodeOnline {
			node.State = model.NodeBusy
		}
		if err := m.store.UpdateNode(ctx, node); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}

		if err := m.setState(ctx, agent, func(a *model.Agent) {
			a.NodeID = node.ID
			a.State = model.AgentDeploying
		}); err != nil {
			_ = m.release(ctx, node.ID, agent.Requirements)
			return nil, err
		}
		m.log.Info().Str("agent", agent.ID).Str("node", node.ID).
			Str("capability", agent.Capability).Msg("agent assigned")
		return node, nil
	}
	return nil, store.ErrConflict
}

// eligible filters the snapshot to nodes that can host the agent right now.
func eligible(nodes []*model.Node, agent *model.Agent, exclude map[string]bool) []*model.Node {
	out := make([]*model.Node, 0, len(nodes))
	for _, node := range nodes {
		if exclude[node.ID] {
			continue
		}
		if node.State != model.NodeOnline {
			continue
		}
		if !node.HasCapability(agent.Capability) {
			continue
		}
		if node.AtAgentLimit() {
			continue
		}
		if !agent.Requirements.Fits(node.FreeCapacity()) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// pick orders candidates least-loaded first, breaking ties by earliest
// registration and then by ID so selection is deterministic.
func pick(candidates []*model.Node, preferred string) *model.Node {
	if preferred != "" {
		for _, node := range candidates {
			if node.ID == preferred {
				return node
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].LoadFraction(), candidates[j].LoadFraction()
		if li != lj {
			return li < lj
		}
		if !candidates[i].RegisteredAt.Equal(candidates[j].RegisteredAt) {
			return candidates[i].RegisteredAt.Before(candidates[j].RegisteredAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// Migrate moves an agent off its current node, preserving its identity. The
// old node is excluded from candidates. If no other node can take the agent
// it is parked in the error state rather than silently dropped.
func (m *Manager) Migrate(ctx context.Context, agentID, fromNode string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State.Terminal() {
		return nil
	}
	if err := m.setState(ctx, agent, func(a *model.Agent) {
		a.NodeID = ""
		a.State = model.AgentPending
		a.MissedReports = 0
	}); err != nil {
		return err
	}
	exclude := map[string]bool{fromNode: true}
	if err := m.deploy(ctx, agent, "", exclude); err != nil {
		m.log.Error().Str("agent", agent.ID).Str("from", fromNode).Err(err).
			Msg("migration failed")
		_ = m.setState(ctx, agent, func(a *model.Agent) {
			a.State = model.AgentError
			a.Error = "migration failed: " + err.Error()
		})
		telemetry.RecordCounter("placement_migration_failures_total", 1, nil)
		return fmt.Errorf("%w: agent %s: %v", ErrMigrationFailed, agent.ID, err)
	}
	m.log.Info().Str("agent", agent.ID).Str("from", fromNode).Str("to", agent.NodeID).
		Msg("agent migrated")
	telemetry.RecordCounter("placement_migrations_total", 1, nil)
	return nil
}

// Terminate stops an agent. The stop command is best-effort: whether or not
// the node acknowledges, the agent ends in the stopped state and its
// reservation is released.
func (m *Manager) Terminate(ctx context.Context, agentID string) (*model.Agent, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.State.Terminal() {
		return agent, nil
	}
	if agent.NodeID != "" {
		if node, err := m.store.GetNode(ctx, agent.NodeID); err == nil {
			// The stop command gets its own, usually longer, deadline so the
			// node has time to shut the agent down cleanly.
			cctx, cancel := context.WithTimeout(ctx, m.opts.TerminateWait)
			_, err := m.commander.SendCommand(cctx, node, api.Command{Type: api.CommandStopAgent, AgentID: agent.ID})
			cancel()
			if err != nil {
				m.log.Warn().Str("agent", agent.ID).Str("node", node.ID).Err(err).
					Msg("stop command not acknowledged")
			}
		}
		if err := m.release(ctx, agent.NodeID, agent.Requirements); err != nil {
			m.log.Error().Err(err).Str("node", agent.NodeID).Msg("release on terminate")
		}
	}
	if err := m.setState(ctx, agent, func(a *model.Agent) {
		a.State = model.AgentStopped
	}); err != nil {
		return nil, err
	}
	m.log.Info().Str("agent", agent.ID).Msg("agent terminated")
	return agent, nil
}

// HandleTransition reacts to registry state changes. A node going offline is
// the sole trigger for migrating its agents.
func (m *Manager) HandleTransition(ctx context.Context, node *model.Node, from, to model.NodeState) {
	if to != model.NodeOffline {
		return
	}
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("list agents for migration")
		return
	}
	for _, agent := range agents {
		if agent.NodeID != node.ID || agent.State.Terminal() {
			continue
		}
		if err := m.Migrate(ctx, agent.ID, node.ID); err != nil {
			m.log.Error().Err(err).Str("agent", agent.ID).Msg("migrate off offline node")
		}
	}
}

// ReconcileReports folds a heartbeat's agent list into agent records.
// Reported-running confirms in-flight deploys; reported-dead agents are
// migrated; agents the node should host but did not mention accrue missed
// reports and are migrated at the threshold.
func (m *Manager) ReconcileReports(ctx context.Context, nodeID string, reports []api.AgentReport) {
	reported := make(map[string]api.AgentReport, len(reports))
	for _, rep := range reports {
		reported[rep.AgentID] = rep
	}
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("list agents for reconciliation")
		return
	}
	for _, agent := range agents {
		if agent.NodeID != nodeID || agent.State.Terminal() {
			continue
		}
		rep, ok := reported[agent.ID]
		switch {
		case ok && rep.Running:
			if err := m.setState(ctx, agent, func(a *model.Agent) {
				a.State = model.AgentRunning
				a.MissedReports = 0
				a.LastReport = m.now().UTC()
			}); err != nil {
				m.log.Error().Err(err).Str("agent", agent.ID).Msg("confirm running")
			}
		case ok && !rep.Running:
			m.log.Warn().Str("agent", agent.ID).Int("exit_code", rep.ExitCode).
				Str("error", rep.Error).Msg("agent exited on node")
			if err := m.release(ctx, nodeID, agent.Requirements); err != nil {
				m.log.Error().Err(err).Str("node", nodeID).Msg("release after agent exit")
			}
			if err := m.Migrate(ctx, agent.ID, nodeID); err != nil {
				m.log.Error().Err(err).Str("agent", agent.ID).Msg("restart exited agent")
			}
		default:
			missed := 0
			if err := m.setState(ctx, agent, func(a *model.Agent) {
				a.MissedReports++
				a.LastReport = m.now().UTC()
				missed = a.MissedReports
			}); err != nil {
				m.log.Error().Err(err).Str("agent", agent.ID).Msg("record missed report")
				continue
			}
			if missed >= m.opts.MissedReportThreshold {
				m.log.Warn().Str("agent", agent.ID).Int("missed", missed).
					Msg("agent unreported past threshold")
				if err := m.release(ctx, nodeID, agent.Requirements); err != nil {
					m.log.Error().Err(err).Str("node", nodeID).Msg("release after missed reports")
				}
				if err := m.Migrate(ctx, agent.ID, nodeID); err != nil {
					m.log.Error().Err(err).Str("agent", agent.ID).Msg("migrate unreported agent")
				}
			}
		}
	}
}

// Get returns one agent.
func (m *Manager) Get(ctx context.Context, id string) (*model.Agent, error) {
	return m.store.GetAgent(ctx, id)
}

// List returns all agents.
func (m *Manager) List(ctx context.Context) ([]*model.Agent, error) {
	return m.store.ListAgents(ctx)
}

// release gives an agent's reservation back to its node and clears the busy
// state when the node drops below its agent limit.
func (m *Manager) release(ctx context.Context, nodeID string, res model.Resource) error {
	return m.withRetries(func() error {
		node, err := m.store.GetNode(ctx, nodeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		node.Allocated = node.Allocated.Sub(res)
		if node.AgentsRunning > 0 {
			node.AgentsRunning--
		}
		if node.State == model.NodeBusy && !node.AtAgentLimit() {
			node.State = model.NodeOnline
		}
		return m.store.UpdateNode(ctx, node)
	})
}

// setState applies fn to the freshest copy of the agent and writes it back,
// retrying CAS conflicts. The caller's copy is refreshed on success.
func (m *Manager) setState(ctx context.Context, agent *model.Agent, fn func(*model.Agent)) error {
	return m.withRetries(func() error {
		fresh, err := m.store.GetAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		fn(fresh)
		if err := m.store.UpdateAgent(ctx, fresh); err != nil {
			return err
		}
		*agent = *fresh
		return nil
	})
}

func (m *Manager) withRetries(fn func() error) error {
	var err error
	for attempt := 0; attempt < m.opts.ConflictRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}
