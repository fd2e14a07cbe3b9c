// Package node implements the node daemon: it registers with the
// coordinator, reports heartbeats with usage and agent status, and executes
// signed commands against the local runtime.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/hub"
	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/internal/runtime"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

// envelopeSkew bounds how stale a signed command may be.
const envelopeSkew = 2 * time.Minute

type Daemon struct {
	cfg    config.Config
	nodeID string
	id     *identity.Identity
	client *Client
	rt     runtime.Runtime
	log    zerolog.Logger

	mu             sync.RWMutex
	coordinatorKey string
	rejoinSecret   string
	caps           map[string]model.Capability

	// usage is injectable for tests.
	usage func() (cpuPercent float64, memoryBytes int64)
}

func NewDaemon(nodeID string, cfg config.Config, id *identity.Identity, rt runtime.Runtime, log zerolog.Logger) *Daemon {
	caps := make(map[string]model.Capability, len(cfg.Node.Capabilities))
	for _, c := range cfg.Node.Capabilities {
		caps[c.Name] = c
	}
	client := NewClient(cfg.Node.Coordinator, DefaultRetryConfig(), log)
	client.Authenticate(nodeID, id)
	return &Daemon{
		cfg:    cfg,
		nodeID: nodeID,
		id:     id,
		client: client,
		rt:     rt,
		log:    log.With().Str("component", "node").Str("node", nodeID).Logger(),
		caps:   caps,
		usage:  systemUsage,
	}
}

func systemUsage() (float64, int64) {
	cpuPercent := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	memoryBytes := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryBytes = int64(vm.Used)
	}
	return cpuPercent, memoryBytes
}

func (d *Daemon) secretPath() string {
	return filepath.Join(filepath.Dir(d.cfg.Node.KeyPath), "rejoin_secret")
}

// Run registers with the coordinator, serves the command endpoint, and
// heartbeats until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    d.cfg.Node.Listen,
		Handler: d.routes(),
	}
	errCh := make(chan error, 1)
	go func() {
		d.log.Info().Str("listen", d.cfg.Node.Listen).Msg("node command server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			return fmt.Errorf("command server: %w", err)
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Daemon) register(ctx context.Context) error {
	secret := ""
	if data, err := os.ReadFile(d.secretPath()); err == nil {
		secret = strings.TrimSpace(string(data))
	}
	desc := api.NodeDescriptor{
		ID:           d.nodeID,
		Address:      d.advertiseAddr(),
		PublicKey:    d.id.PublicAuthorizedKey(),
		Capacity:     d.cfg.Node.Capacity,
		Capabilities: d.cfg.Node.Capabilities,
		MaxAgents:    d.cfg.Node.MaxAgents,
		RejoinSecret: secret,
	}
	resp, err := d.client.Register(ctx, desc)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	d.mu.Lock()
	d.coordinatorKey = resp.CoordinatorKey
	d.rejoinSecret = resp.RejoinSecret
	d.mu.Unlock()
	if resp.RejoinSecret != "" {
		if err := os.WriteFile(d.secretPath(), []byte(resp.RejoinSecret), 0600); err != nil {
			d.log.Warn().Err(err).Msg("persist rejoin secret")
		}
	}
	d.log.Info().Str("state", string(resp.State)).Msg("registered with coordinator")
	return nil
}

func (d *Daemon) advertiseAddr() string {
	if d.cfg.Node.Advertise != "" {
		return d.cfg.Node.Advertise
	}
	return d.cfg.Node.Listen
}

func (d *Daemon) heartbeat(ctx context.Context) {
	cpuPercent, memoryBytes := d.usage()
	req := api.HeartbeatRequest{
		Timestamp:   time.Now().UTC(),
		CPUPercent:  cpuPercent,
		MemoryBytes: memoryBytes,
		Agents:      d.agentReports(ctx),
	}
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HeartbeatInterval())
	defer cancel()
	resp, err := d.client.Heartbeat(hctx, d.nodeID, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == api.CodeNotFound {
			// The coordinator archived us while we were partitioned.
			d.log.Warn().Msg("coordinator no longer knows this node, re-registering")
			if err := d.register(ctx); err != nil {
				d.log.Error().Err(err).Msg("re-register")
			}
			return
		}
		d.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	d.log.Debug().Str("state", string(resp.State)).Float64("cpu", cpuPercent).Msg("heartbeat acknowledged")
}

func (d *Daemon) agentReports(ctx context.Context) []api.AgentReport {
	statuses, err := d.rt.List(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("list runtime agents")
		return nil
	}
	reports := make([]api.AgentReport, 0, len(statuses))
	for agentID, st := range statuses {
		reports = append(reports, api.AgentReport{
			AgentID:  agentID,
			Running:  st.Running,
			ExitCode: st.ExitCode,
			Error:    st.Error,
		})
	}
	return reports
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/command", d.handleCommand)
	mux.HandleFunc("POST /v0/event", d.handleEvent)
	mux.HandleFunc("GET /v0/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node": d.nodeID})
	})
	return mux
}

// openEnvelope authenticates an inbound envelope and returns its payload.
// Unauthenticated traffic is dropped and logged, never applied.
func (d *Daemon) openEnvelope(r *http.Request) (json.RawMessage, error) {
	var env api.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	d.mu.RLock()
	key := d.coordinatorKey
	d.mu.RUnlock()
	if key == "" {
		return nil, errors.New("no coordinator key known")
	}
	if env.Sender != hub.CoordinatorSender {
		return nil, fmt.Errorf("unexpected sender %q", env.Sender)
	}
	if err := hub.VerifyEnvelope(&env, key, time.Now(), envelopeSkew); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func (d *Daemon) handleCommand(w http.ResponseWriter, r *http.Request) {
	payload, err := d.openEnvelope(r)
	if err != nil {
		d.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected unauthenticated command")
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var cmd api.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		http.Error(w, "bad command", http.StatusBadRequest)
		return
	}

	result := d.execute(r.Context(), cmd)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (d *Daemon) execute(ctx context.Context, cmd api.Command) api.CommandResult {
	switch cmd.Type {
	case api.CommandPing:
		return api.CommandResult{OK: true}
	case api.CommandStartAgent:
		capSpec, ok := d.caps[cmd.Capability]
		if !ok {
			return api.CommandResult{OK: false, Error: fmt.Sprintf("capability %q not offered", cmd.Capability)}
		}
		err := d.rt.StartAgent(ctx, runtime.AgentSpec{
			AgentID:      cmd.AgentID,
			Capability:   cmd.Capability,
			Endpoint:     capSpec.Endpoint,
			Requirements: cmd.Requirements,
			Env: []string{
				"FLOTILLA_AGENT_ID=" + cmd.AgentID,
				"FLOTILLA_CAPABILITY=" + cmd.Capability,
			},
		})
		if err != nil {
			d.log.Error().Err(err).Str("agent", cmd.AgentID).Msg("start agent")
			return api.CommandResult{OK: false, Error: err.Error()}
		}
		d.log.Info().Str("agent", cmd.AgentID).Str("capability", cmd.Capability).Msg("agent started")
		return api.CommandResult{OK: true}
	case api.CommandStopAgent:
		if err := d.rt.StopAgent(ctx, cmd.AgentID); err != nil {
			d.log.Error().Err(err).Str("agent", cmd.AgentID).Msg("stop agent")
			return api.CommandResult{OK: false, Error: err.Error()}
		}
		d.log.Info().Str("agent", cmd.AgentID).Msg("agent stopped")
		return api.CommandResult{OK: true}
	default:
		return api.CommandResult{OK: false, Error: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
}

func (d *Daemon) handleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := d.openEnvelope(r)
	if err != nil {
		d.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected unauthenticated event")
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var event api.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}
	// Events are informational; redelivery is expected and harmless.
	d.log.Info().Str("type", string(event.Type)).Time("at", event.Timestamp).Msg("cluster event")
	w.WriteHeader(http.StatusAccepted)
}
