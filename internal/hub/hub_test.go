package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(filepath.Join(t.TempDir(), "id_ed25519"))
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestSendCommandSignedAndDelivered(t *testing.T) {
	id := testIdentity(t)
	h := New(id, zerolog.Nop())

	var received api.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/command" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		json.NewEncoder(w).Encode(api.CommandResult{OK: true})
	}))
	defer srv.Close()

	node := &model.Node{ID: "node-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	result, err := h.SendCommand(context.Background(), node, api.Command{
		Type:    api.CommandStartAgent,
		AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected OK result")
	}

	// The node can verify the envelope against the coordinator's public key.
	if received.Sender != CoordinatorSender {
		t.Fatalf("unexpected sender %q", received.Sender)
	}
	if err := VerifyEnvelope(&received, id.PublicAuthorizedKey(), time.Now(), time.Minute); err != nil {
		t.Fatalf("envelope verification failed: %v", err)
	}
	var cmd api.Command
	if err := json.Unmarshal(received.Payload, &cmd); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if cmd.AgentID != "agent-1" {
		t.Fatalf("payload lost: %+v", cmd)
	}
}

func TestSendCommandTimeout(t *testing.T) {
	h := New(testIdentity(t), zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	node := &model.Node{ID: "node-1", Address: strings.TrimPrefix(srv.URL, "http://")}
	_, err := h.SendCommand(ctx, node, api.Command{Type: api.CommandPing})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSendCommandUnreachable(t *testing.T) {
	h := New(testIdentity(t), zerolog.Nop())
	node := &model.Node{ID: "node-1", Address: "127.0.0.1:1"}
	_, err := h.SendCommand(context.Background(), node, api.Command{Type: api.CommandPing})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestVerifyEnvelopeRejectsTampering(t *testing.T) {
	id := testIdentity(t)
	h := New(id, zerolog.Nop())
	env, err := h.Seal(api.Command{Type: api.CommandPing})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := VerifyEnvelope(env, id.PublicAuthorizedKey(), time.Now(), time.Minute); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := *env
	tampered.Payload = json.RawMessage(`{"type":"stop_agent","agent_id":"victim"}`)
	if err := VerifyEnvelope(&tampered, id.PublicAuthorizedKey(), time.Now(), time.Minute); err == nil {
		t.Fatalf("tampered payload verified")
	}

	stale := *env
	stale.Timestamp = time.Now().Add(-time.Hour).Unix()
	if err := VerifyEnvelope(&stale, id.PublicAuthorizedKey(), time.Now(), time.Minute); err == nil {
		t.Fatalf("stale envelope verified")
	}
}

func TestBroadcastSkipsOfflineNodes(t *testing.T) {
	h := New(testIdentity(t), zerolog.Nop())
	hits := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	nodes := []*model.Node{
		{ID: "up", Address: addr, State: model.NodeOnline},
		{ID: "down", Address: "127.0.0.1:1", State: model.NodeOffline},
	}
	h.Broadcast(context.Background(), nodes, api.Event{Type: api.EventConfigChanged, Timestamp: time.Now()})

	select {
	case path := <-hits:
		if path != "/v0/event" {
			t.Fatalf("unexpected path %s", path)
		}
	default:
		t.Fatalf("online node did not receive event")
	}
	select {
	case <-hits:
		t.Fatalf("offline node received event")
	default:
	}
}
