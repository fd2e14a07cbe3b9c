package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/store"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

func testRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(store.NewMemory(), Options{
		ExpiryWindow:      15 * time.Second,
		SweepInterval:     5 * time.Second,
		OfflineGrace:      10 * time.Minute,
		DegradedThreshold: 0.9,
	}, zerolog.Nop())
	r.now = clock.Now
	return r, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func descriptor(id string) api.NodeDescriptor {
	return api.NodeDescriptor{
		ID:       id,
		Address:  "10.0.0.1:9444",
		Capacity: model.Resource{MilliCPU: 4000, MemoryBytes: 8 << 30},
		Capabilities: []model.Capability{
			{Name: "market-scan", Capacity: 4},
		},
		MaxAgents: 8,
	}
}

func TestRegisterAndDuplicate(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()

	node, err := r.Register(ctx, descriptor("node-1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if node.State != model.NodeOnline || node.RejoinSecret == "" {
		t.Fatalf("unexpected node %+v", node)
	}

	// Same ID while the first is live.
	if _, err := r.Register(ctx, descriptor("node-1")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}

	// After the expiry window the ID is reusable.
	clock.Advance(16 * time.Second)
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("re-register after expiry: %v", err)
	}
}

func TestRejoinPreservesRegistration(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, descriptor("node-1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(time.Minute)

	desc := descriptor("node-1")
	desc.RejoinSecret = first.RejoinSecret
	second, err := r.Register(ctx, desc)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("rejoin lost registration time: %v vs %v", second.RegisteredAt, first.RegisteredAt)
	}

	// Without the secret the record is replaced wholesale.
	clock.Advance(time.Minute)
	third, err := r.Register(ctx, descriptor("node-1"))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if third.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("fresh registration kept old timestamp")
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(3 * time.Second)
	ts := clock.Now()
	state, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: ts, CPUPercent: 40})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state != model.NodeOnline {
		t.Fatalf("expected online, got %s", state)
	}

	// Redelivery of the same report changes nothing.
	if _, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: ts, CPUPercent: 99}); err != nil {
		t.Fatalf("duplicate heartbeat: %v", err)
	}
	node, _ := r.Get(ctx, "node-1")
	if node.Usage.CPUPercent != 40 {
		t.Fatalf("stale heartbeat overwrote usage: %v", node.Usage.CPUPercent)
	}

	// An older timestamp is likewise ignored.
	if _, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: ts.Add(-10 * time.Second), CPUPercent: 5}); err != nil {
		t.Fatalf("stale heartbeat: %v", err)
	}
	node, _ = r.Get(ctx, "node-1")
	if node.Usage.CPUPercent != 40 {
		t.Fatalf("out-of-order heartbeat applied")
	}
}

func TestHeartbeatDegraded(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(3 * time.Second)
	state, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{
		Timestamp:  clock.Now(),
		CPUPercent: 95,
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state != model.NodeDegraded {
		t.Fatalf("expected degraded, got %s", state)
	}

	// Recovery on the next report.
	clock.Advance(3 * time.Second)
	state, err = r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{
		Timestamp:  clock.Now(),
		CPUPercent: 20,
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state != model.NodeOnline {
		t.Fatalf("expected online after recovery, got %s", state)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.Heartbeat(context.Background(), "ghost", api.HeartbeatRequest{Timestamp: time.Unix(1, 0)}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepMarksOfflineAndArchives(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()

	var transitions []string
	r.OnTransition(func(_ context.Context, node *model.Node, from, to model.NodeState) {
		transitions = append(transitions, node.ID+":"+string(from)+">"+string(to))
	})

	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	transitions = nil

	// Within the window nothing happens.
	clock.Advance(10 * time.Second)
	r.Sweep(ctx)
	node, _ := r.Get(ctx, "node-1")
	if node.State != model.NodeOnline {
		t.Fatalf("node went offline too early")
	}

	// Past the window the node goes offline, exactly once, and the handler
	// observes the transition.
	clock.Advance(10 * time.Second)
	r.Sweep(ctx)
	r.Sweep(ctx)
	node, _ = r.Get(ctx, "node-1")
	if node.State != model.NodeOffline {
		t.Fatalf("expected offline, got %s", node.State)
	}
	if len(transitions) != 1 || transitions[0] != "node-1:online>offline" {
		t.Fatalf("unexpected transitions %v", transitions)
	}

	// Past the grace period the record is archived.
	clock.Advance(11 * time.Minute)
	r.Sweep(ctx)
	if _, err := r.Get(ctx, "node-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected archived node, got %v", err)
	}
}

func TestOfflineNodeRecoversOnHeartbeat(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(20 * time.Second)
	r.Sweep(ctx)

	clock.Advance(time.Second)
	state, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: clock.Now(), CPUPercent: 10})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state != model.NodeOnline {
		t.Fatalf("expected recovery to online, got %s", state)
	}
}

// recordingSink captures every report batch handed to the placement layer.
type recordingSink struct {
	nodes []string
	calls [][]api.AgentReport
}

func (s *recordingSink) ReconcileReports(_ context.Context, nodeID string, reports []api.AgentReport) {
	s.nodes = append(s.nodes, nodeID)
	s.calls = append(s.calls, reports)
}

func TestHeartbeatEmptyReportReachesSink(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	sink := &recordingSink{}
	r.SetReportSink(sink)

	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(3 * time.Second)

	// A node with zero local agents still reports; that silence is what
	// lets missed-report accounting catch agents the node lost.
	if _, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: clock.Now()}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(sink.calls) != 1 || sink.nodes[0] != "node-1" {
		t.Fatalf("empty report never reached the sink: %+v", sink.nodes)
	}
	if len(sink.calls[0]) != 0 {
		t.Fatalf("unexpected reports: %+v", sink.calls[0])
	}

	// Redelivery of the same report must not double-count the silence.
	if _, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: clock.Now()}); err != nil {
		t.Fatalf("duplicate heartbeat: %v", err)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("stale heartbeat reached the sink: %d calls", len(sink.calls))
	}
}

func TestHeartbeatKeepsAssignedAgentCount(t *testing.T) {
	s := store.NewMemory()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(s, Options{
		ExpiryWindow:      15 * time.Second,
		SweepInterval:     5 * time.Second,
		OfflineGrace:      10 * time.Minute,
		DegradedThreshold: 0.9,
	}, zerolog.Nop())
	r.now = clock.Now
	ctx := context.Background()

	desc := descriptor("node-1")
	desc.MaxAgents = 1
	if _, err := r.Register(ctx, desc); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Placement claimed the node's only agent slot; the node has not
	// started the agent yet so its report is empty.
	node, _ := s.GetNode(ctx, "node-1")
	node.AgentsRunning = 1
	if err := s.UpdateNode(ctx, node); err != nil {
		t.Fatalf("update node: %v", err)
	}
	if err := s.CreateAgent(ctx, &model.Agent{
		ID:         "agent-1",
		NodeID:     "node-1",
		Capability: "market-scan",
		State:      model.AgentDeploying,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	clock.Advance(3 * time.Second)
	state, err := r.Heartbeat(ctx, "node-1", api.HeartbeatRequest{Timestamp: clock.Now(), CPUPercent: 10})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if state != model.NodeBusy {
		t.Fatalf("expected busy at agent limit, got %s", state)
	}
	node, _ = s.GetNode(ctx, "node-1")
	if node.AgentsRunning != 1 {
		t.Fatalf("heartbeat dropped the claimed slot: %d", node.AgentsRunning)
	}
}

// recordingEvents captures fleet-wide event broadcasts.
type recordingEvents struct {
	events []api.Event
}

func (s *recordingEvents) Broadcast(_ context.Context, _ []*model.Node, event api.Event) {
	s.events = append(s.events, event)
}

func TestSweepBroadcastsOfflineEvent(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	events := &recordingEvents{}
	r.SetEventSink(events)

	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(20 * time.Second)
	r.Sweep(ctx)
	r.Sweep(ctx)

	if len(events.events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(events.events))
	}
	if events.events[0].Type != api.EventNodeOffline {
		t.Fatalf("unexpected event type %s", events.events[0].Type)
	}
	var data map[string]string
	if err := json.Unmarshal(events.events[0].Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data["node_id"] != "node-1" {
		t.Fatalf("event names wrong node: %+v", data)
	}
}

// conflictOnceStore fails the first node update, as a concurrent sweep
// touching the same record would.
type conflictOnceStore struct {
	store.Store
	conflicted bool
}

func (s *conflictOnceStore) UpdateNode(ctx context.Context, node *model.Node) error {
	if !s.conflicted {
		s.conflicted = true
		return store.ErrConflict
	}
	return s.Store.UpdateNode(ctx, node)
}

func TestRegisterSurvivesSweepConflict(t *testing.T) {
	cs := &conflictOnceStore{Store: store.NewMemory()}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(cs, Options{
		ExpiryWindow:      15 * time.Second,
		SweepInterval:     5 * time.Second,
		OfflineGrace:      10 * time.Minute,
		DegradedThreshold: 0.9,
	}, zerolog.Nop())
	r.now = clock.Now
	ctx := context.Background()

	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Replacing the expired record races a sweep update and must retry
	// instead of bouncing a legitimate node with a conflict.
	clock.Advance(16 * time.Second)
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("re-register after expiry: %v", err)
	}
	if !cs.conflicted {
		t.Fatalf("conflict never injected")
	}
}

func TestListFilter(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, descriptor("node-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	other := descriptor("node-2")
	other.Capabilities = []model.Capability{{Name: "sentiment", Capacity: 2}}
	if _, err := r.Register(ctx, other); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.List(ctx, Filter{Capability: "market-scan"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "node-1" {
		t.Fatalf("capability filter failed: %+v", got)
	}

	clock.Advance(20 * time.Second)
	r.Sweep(ctx)
	got, err = r.List(ctx, Filter{State: model.NodeOffline})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both nodes offline, got %d", len(got))
	}
}
