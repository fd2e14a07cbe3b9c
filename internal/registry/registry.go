// Package registry tracks fleet membership. It owns the node lifecycle:
// registration, heartbeat-driven state transitions, and the sweep that
// declares silent nodes offline and eventually archives them.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/store"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

// ErrDuplicateIdentity is returned when a registration reuses the ID of a
// node that is still live.
var ErrDuplicateIdentity = errors.New("node id already registered and live")

// TransitionHandler is invoked synchronously when the sweep or a heartbeat
// moves a node between states. Handlers run before the sweep continues to
// the next node.
type TransitionHandler func(ctx context.Context, node *model.Node, from, to model.NodeState)

// ReportSink receives the per-agent status list carried on heartbeats.
type ReportSink interface {
	ReconcileReports(ctx context.Context, nodeID string, reports []api.AgentReport)
}

// EventSink fans cluster events out to live nodes. Implemented by the hub.
type EventSink interface {
	Broadcast(ctx context.Context, nodes []*model.Node, event api.Event)
}

// Options tune the registry loops.
type Options struct {
	ExpiryWindow      time.Duration
	SweepInterval     time.Duration
	OfflineGrace      time.Duration
	DegradedThreshold float64
	ConflictRetries   int
}

type Registry struct {
	store    store.Store
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
	handlers []TransitionHandler
	reports  ReportSink
	events   EventSink
}

func New(s store.Store, opts Options, log zerolog.Logger) *Registry {
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 5
	}
	return &Registry{
		store: s,
		opts:  opts,
		log:   log.With().Str("component", "registry").Logger(),
		now:   time.Now,
	}
}

// OnTransition registers a handler for node state changes. Must be called
// before Run.
func (r *Registry) OnTransition(h TransitionHandler) {
	r.handlers = append(r.handlers, h)
}

// SetReportSink wires the consumer of heartbeat agent reports.
func (r *Registry) SetReportSink(sink ReportSink) { r.reports = sink }

// SetEventSink wires the fan-out for cluster events such as a node going
// offline.
func (r *Registry) SetEventSink(sink EventSink) { r.events = sink }

func (r *Registry) emit(ctx context.Context, node *model.Node, from, to model.NodeState) {
	for _, h := range r.handlers {
		h(ctx, node, from, to)
	}
}

func (r *Registry) live(node *model.Node) bool {
	if node.State == model.NodeOffline {
		return false
	}
	return r.now().Sub(node.LastHeartbeat) <= r.opts.ExpiryWindow
}

// Register admits a node into the fleet. A fresh ID gets a new record and a
// rejoin secret. Reusing the ID of a live node is rejected; reusing the ID of
// an expired node succeeds, and if the caller proves continuity with the
// original rejoin secret the registration timestamp is preserved.
func (r *Registry) Register(ctx context.Context, desc api.NodeDescriptor) (*model.Node, error) {
	if desc.ID == "" || desc.Address == "" {
		return nil, fmt.Errorf("node id and address are required")
	}
	now := r.now().UTC()

	for attempt := 0; attempt < r.opts.ConflictRetries; attempt++ {
		existing, err := r.store.GetNode(ctx, desc.ID)
		switch {
		case err == nil:
			if r.live(existing) {
				return nil, ErrDuplicateIdentity
			}
			node := descriptorNode(desc, now)
			node.Version = existing.Version
			if desc.RejoinSecret != "" && desc.RejoinSecret == existing.RejoinSecret {
				node.RegisteredAt = existing.RegisteredAt
				node.RejoinSecret = existing.RejoinSecret
			}
			if err := r.store.UpdateNode(ctx, node); err != nil {
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
					// The sweep touched or archived the record mid-replace;
					// re-read and decide again.
					continue
				}
				return nil, fmt.Errorf("replace expired node: %w", err)
			}
			r.log.Info().Str("node", node.ID).Bool("rejoin", node.RejoinSecret == existing.RejoinSecret).
				Msg("node re-registered")
			r.emit(ctx, node, existing.State, model.NodeOnline)
			telemetry.RecordCounter("registry_registrations_total", 1, map[string]string{"kind": "rejoin"})
			return node, nil
		case errors.Is(err, store.ErrNotFound):
			node := descriptorNode(desc, now)
			if err := r.store.CreateNode(ctx, node); err != nil {
				if errors.Is(err, store.ErrConflict) {
					// Lost a race with a concurrent registration of the same
					// ID; the re-read decides whether that record is live.
					continue
				}
				return nil, fmt.Errorf("create node: %w", err)
			}
			r.log.Info().Str("node", node.ID).Str("address", node.Address).
				Int64("milli_cpu", node.Capacity.MilliCPU).Int64("memory", node.Capacity.MemoryBytes).
				Msg("node registered")
			r.emit(ctx, node, model.NodeRegistering, model.NodeOnline)
			telemetry.RecordCounter("registry_registrations_total", 1, map[string]string{"kind": "new"})
			return node, nil
		default:
			return nil, fmt.Errorf("lookup node: %w", err)
		}
	}
	return nil, store.ErrConflict
}

func descriptorNode(desc api.NodeDescriptor, now time.Time) *model.Node {
	return &model.Node{
		ID:            desc.ID,
		Address:       desc.Address,
		PublicKey:     desc.PublicKey,
		Capacity:      desc.Capacity,
		Accelerator:   desc.Accelerator,
		Capabilities:  desc.Capabilities,
		MaxAgents:     desc.MaxAgents,
		State:         model.NodeOnline,
		RegisteredAt:  now,
		LastHeartbeat: now,
		RejoinSecret:  uuid.NewString(),
	}
}

// Heartbeat records a liveness report. Stale or duplicate reports, judged by
// the sender's timestamp, are acknowledged without any state change, so
// redelivery is harmless. The response carries the state the coordinator has
// assigned so the node can observe demotions.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, req api.HeartbeatRequest) (model.NodeState, error) {
	assigned, haveCount := r.assignedAgents(ctx, nodeID)
	var state model.NodeState
	fresh := false
	err := r.withNode(ctx, nodeID, func(node *model.Node) (bool, error) {
		reported := req.Timestamp.UTC()
		if !reported.After(node.LastHeartbeat) {
			state = node.State
			fresh = false
			return false, nil
		}
		fresh = true
		from := node.State
		node.LastHeartbeat = reported
		node.Usage = model.UsageSnapshot{
			Timestamp:   reported,
			CPUPercent:  req.CPUPercent,
			MemoryBytes: req.MemoryBytes,
		}
		// The count comes from the coordinator's own agent records, not
		// the node's report: an in-flight deploy the node has not seen
		// yet still holds one of its slots.
		if haveCount {
			node.AgentsRunning = assigned
		}
		node.State = r.classify(node)
		state = node.State
		if node.State != from {
			r.log.Info().Str("node", node.ID).Str("from", string(from)).Str("to", string(node.State)).
				Msg("node state changed")
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	// An empty report is as meaningful as a full one: agents the node
	// should host but did not mention accrue missed reports there. Only
	// fresh reports count, so redelivery stays harmless.
	if fresh && r.reports != nil {
		r.reports.ReconcileReports(ctx, nodeID, req.Agents)
	}
	telemetry.RecordCounter("registry_heartbeats_total", 1, nil)
	return state, nil
}

// assignedAgents counts non-terminal agents the coordinator has placed on
// the node. The bool is false when the store could not be read.
func (r *Registry) assignedAgents(ctx context.Context, nodeID string) (int, bool) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		r.log.Error().Err(err).Str("node", nodeID).Msg("count assigned agents")
		return 0, false
	}
	n := 0
	for _, a := range agents {
		if a.NodeID == nodeID && !a.State.Terminal() {
			n++
		}
	}
	return n, true
}

// classify derives the heartbeat-visible state from resource pressure and the
// agent limit. Offline is never assigned here; only the sweep declares it.
func (r *Registry) classify(node *model.Node) model.NodeState {
	cpu := node.Usage.CPUPercent / 100
	mem := 0.0
	if node.Capacity.MemoryBytes > 0 {
		mem = float64(node.Usage.MemoryBytes) / float64(node.Capacity.MemoryBytes)
	}
	if cpu >= r.opts.DegradedThreshold || mem >= r.opts.DegradedThreshold {
		return model.NodeDegraded
	}
	if node.AtAgentLimit() {
		return model.NodeBusy
	}
	return model.NodeOnline
}

// Sweep walks the fleet once. Nodes silent past the expiry window go offline
// and transition handlers fire synchronously; nodes offline past the grace
// period are archived. The offline transition is the only trigger for agent
// migration.
func (r *Registry) Sweep(ctx context.Context) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("sweep: list nodes")
		return
	}
	now := r.now()
	for _, node := range nodes {
		silent := now.Sub(node.LastHeartbeat)
		switch {
		case node.State != model.NodeOffline && silent > r.opts.ExpiryWindow:
			from := node.State
			node.State = model.NodeOffline
			if err := r.store.UpdateNode(ctx, node); err != nil {
				if !errors.Is(err, store.ErrConflict) {
					r.log.Error().Err(err).Str("node", node.ID).Msg("sweep: mark offline")
				}
				continue
			}
			r.log.Warn().Str("node", node.ID).Dur("silent", silent).Msg("node marked offline")
			telemetry.RecordCounter("registry_offline_total", 1, nil)
			r.emit(ctx, node, from, model.NodeOffline)
			r.broadcastOffline(ctx, nodes, node.ID, now)
		case node.State == model.NodeOffline && silent > r.opts.ExpiryWindow+r.opts.OfflineGrace:
			if err := r.store.DeleteNode(ctx, node.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				r.log.Error().Err(err).Str("node", node.ID).Msg("sweep: archive")
				continue
			}
			r.log.Info().Str("node", node.ID).Msg("node archived")
		}
	}
	online := 0
	for _, node := range nodes {
		if node.State != model.NodeOffline {
			online++
		}
	}
	telemetry.RecordGauge("registry_nodes", float64(len(nodes)), nil)
	telemetry.RecordGauge("registry_nodes_online", float64(online), nil)
}

// broadcastOffline tells the rest of the fleet a node went dark. The sink
// skips offline nodes itself, so the whole snapshot is handed over.
func (r *Registry) broadcastOffline(ctx context.Context, nodes []*model.Node, nodeID string, now time.Time) {
	if r.events == nil {
		return
	}
	data, err := json.Marshal(map[string]string{"node_id": nodeID})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal offline event")
		return
	}
	r.events.Broadcast(ctx, nodes, api.Event{
		Type:      api.EventNodeOffline,
		Timestamp: now.UTC(),
		Data:      data,
	})
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State      model.NodeState
	Capability string
}

// List returns nodes matching the filter.
func (r *Registry) List(ctx context.Context, f Filter) ([]*model.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, node := range nodes {
		if f.State != "" && node.State != f.State {
			continue
		}
		if f.Capability != "" && !node.HasCapability(f.Capability) {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

// Get returns a single node.
func (r *Registry) Get(ctx context.Context, id string) (*model.Node, error) {
	return r.store.GetNode(ctx, id)
}

// withNode runs fn against the freshest copy of a node, retrying the update
// on CAS conflicts. fn returns whether the record should be written back.
func (r *Registry) withNode(ctx context.Context, id string, fn func(*model.Node) (bool, error)) error {
	for attempt := 0; attempt < r.opts.ConflictRetries; attempt++ {
		node, err := r.store.GetNode(ctx, id)
		if err != nil {
			return err
		}
		write, err := fn(node)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		err = r.store.UpdateNode(ctx, node)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}
