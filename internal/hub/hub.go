// Package hub is the coordinator's side of node messaging. Commands are
// request/response exchanges with a single node; events are best-effort
// broadcasts. Every outbound payload travels in a signed envelope.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

var (
	// ErrTimeout means the node did not answer before the deadline. The
	// command may still have been applied.
	ErrTimeout = errors.New("command timed out")
	// ErrUnreachable means the connection failed outright; the command was
	// definitely not applied.
	ErrUnreachable = errors.New("node unreachable")
)

// CoordinatorSender is the identity nodes expect on coordinator envelopes.
const CoordinatorSender = "coordinator"

type Hub struct {
	id     *identity.Identity
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
}

func New(id *identity.Identity, log zerolog.Logger) *Hub {
	return &Hub{
		id:     id,
		client: &http.Client{},
		log:    log.With().Str("component", "hub").Logger(),
		now:    time.Now,
	}
}

// Seal wraps payload in a signed envelope from the coordinator.
func (h *Hub) Seal(payload interface{}) (*api.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env := &api.Envelope{
		Sender:    CoordinatorSender,
		Timestamp: h.now().Unix(),
		Nonce:     uuid.NewString(),
		Payload:   data,
	}
	env.Signature = h.id.Sign(identity.SigningBytes(env.Sender, env.Timestamp, env.Nonce, env.Payload))
	return env, nil
}

// SendCommand delivers one command to a node and waits for its result. The
// caller's context carries the deadline; expiry maps to ErrTimeout and any
// other transport failure to ErrUnreachable.
func (h *Hub) SendCommand(ctx context.Context, node *model.Node, cmd api.Command) (*api.CommandResult, error) {
	env, err := h.Seal(cmd)
	if err != nil {
		return nil, fmt.Errorf("seal command: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/v0/command", node.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := h.now()
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			telemetry.RecordCounter("hub_command_timeouts_total", 1, nil)
			return nil, fmt.Errorf("%w: node %s", ErrTimeout, node.ID)
		}
		telemetry.RecordCounter("hub_command_failures_total", 1, nil)
		return nil, fmt.Errorf("%w: node %s: %v", ErrUnreachable, node.ID, err)
	}
	defer resp.Body.Close()
	telemetry.RecordTimer("hub_command_latency", h.now().Sub(start), map[string]string{"type": string(cmd.Type)})

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: node %s: status %d", ErrUnreachable, node.ID, resp.StatusCode)
	}
	var result api.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: node %s: decode result: %v", ErrUnreachable, node.ID, err)
	}
	return &result, nil
}

// Broadcast fans an event out to the given nodes without waiting for
// acknowledgements. Delivery is at-least-once at best; receivers must treat
// events idempotently. Returns once every send attempt has finished.
func (h *Hub) Broadcast(ctx context.Context, nodes []*model.Node, event api.Event) {
	env, err := h.Seal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("seal event")
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal envelope")
		return
	}

	var wg sync.WaitGroup
	for _, node := range nodes {
		if node.State == model.NodeOffline {
			continue
		}
		wg.Add(1)
		go func(node *model.Node) {
			defer wg.Done()
			url := fmt.Sprintf("http://%s/v0/event", node.Address)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := h.client.Do(req)
			if err != nil {
				h.log.Debug().Str("node", node.ID).Err(err).Msg("event not delivered")
				return
			}
			resp.Body.Close()
		}(node)
	}
	wg.Wait()
	telemetry.RecordCounter("hub_events_total", 1, map[string]string{"type": string(event.Type)})
}

// VerifyEnvelope checks an inbound envelope against a known sender key and a
// freshness window. Used by both coordinator and node servers.
func VerifyEnvelope(env *api.Envelope, publicKey string, now time.Time, skew time.Duration) error {
	if env.Sender == "" || env.Nonce == "" || env.Signature == "" {
		return errors.New("incomplete envelope")
	}
	sent := time.Unix(env.Timestamp, 0)
	if sent.Before(now.Add(-skew)) || sent.After(now.Add(skew)) {
		return fmt.Errorf("envelope timestamp outside freshness window")
	}
	msg := identity.SigningBytes(env.Sender, env.Timestamp, env.Nonce, env.Payload)
	if !identity.Verify(publicKey, msg, env.Signature) {
		return errors.New("envelope signature invalid")
	}
	return nil
}
