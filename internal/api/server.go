// Package api exposes the coordinator's REST surface: node registration and
// heartbeats, agent deployment, cluster status, and ticket validation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/internal/payment"
	"github.com/flotilla-dev/flotilla/internal/placement"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/store"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

// signatureSkew bounds how stale a signed node request may be.
const signatureSkew = 2 * time.Minute

type Server struct {
	registry  *registry.Registry
	placement *placement.Manager
	validator *payment.Validator
	id        *identity.Identity
	log       zerolog.Logger
	started   time.Time
}

func NewServer(reg *registry.Registry, pl *placement.Manager, val *payment.Validator, id *identity.Identity, log zerolog.Logger) *Server {
	return &Server{
		registry:  reg,
		placement: pl,
		validator: val,
		id:        id,
		log:       log.With().Str("component", "api").Logger(),
		started:   time.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cluster/nodes/register", s.handleRegister)
	mux.HandleFunc("GET /cluster/nodes", s.handleListNodes)
	mux.HandleFunc("GET /cluster/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("POST /cluster/nodes/{id}/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("POST /cluster/agents/deploy", s.handleDeploy)
	mux.HandleFunc("GET /cluster/agents", s.handleListAgents)
	mux.HandleFunc("GET /cluster/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /cluster/agents/{id}/terminate", s.handleTerminate)

	mux.HandleFunc("GET /cluster/status", s.handleStatus)
	mux.HandleFunc("POST /cluster/tickets/validate", s.handleValidateTicket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s.instrument(mux)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		telemetry.RecordCounter("api_requests_total", 1, map[string]string{"method": r.Method})
		telemetry.RecordTimer("api_request_latency", time.Since(start), nil)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the status and reason-code taxonomy.
// 4xx means the request itself conflicts with current state; 503 means no
// node can serve it right now and a retry may succeed.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rejection *payment.RejectionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: err.Error(), Code: api.CodeNotFound})
	case errors.Is(err, registry.ErrDuplicateIdentity):
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: err.Error(), Code: api.CodeDuplicateIdentity})
	case errors.Is(err, placement.ErrNoCapacity):
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: err.Error(), Code: api.CodeNoCapacity})
	case errors.Is(err, placement.ErrDeployFailed):
		// Capacity existed but every node refused the start command; the
		// agent record is parked in the error state for inspection.
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error(), Code: api.CodeDeployFailed})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusUnprocessableEntity, api.ErrorResponse{Error: rejection.Detail, Code: rejection.Code})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: "placement conflict, retry", Code: api.CodeConflict})
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal error", Code: api.CodeInternal})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, api.ErrorResponse{Error: msg, Code: api.CodeInvalidRequest})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var desc api.NodeDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		badRequest(w, "malformed node descriptor")
		return
	}
	if desc.ID == "" || desc.Address == "" {
		badRequest(w, "node id and address are required")
		return
	}
	node, err := s.registry.Register(r.Context(), desc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.RegisterResponse{
		NodeID:         node.ID,
		State:          node.State,
		RejoinSecret:   node.RejoinSecret,
		CoordinatorKey: s.id.PublicAuthorizedKey(),
	})
}

// verifySignedRequest checks the signature headers of a node-originated call
// against the node's registered public key. Body bytes must be the exact
// payload the sender signed.
func verifySignedRequest(r *http.Request, nodeID, publicKey string, body []byte) error {
	sender := r.Header.Get(api.HeaderSender)
	if sender != nodeID {
		return fmt.Errorf("sender %q does not match node %q", sender, nodeID)
	}
	ts, err := strconv.ParseInt(r.Header.Get(api.HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("bad signature timestamp")
	}
	sent := time.Unix(ts, 0)
	now := time.Now()
	if sent.Before(now.Add(-signatureSkew)) || sent.After(now.Add(signatureSkew)) {
		return fmt.Errorf("signature timestamp outside freshness window")
	}
	nonce := r.Header.Get(api.HeaderNonce)
	sig := r.Header.Get(api.HeaderSignature)
	if nonce == "" || sig == "" {
		return fmt.Errorf("missing signature headers")
	}
	if !identity.Verify(publicKey, identity.SigningBytes(sender, ts, nonce, body), sig) {
		return fmt.Errorf("signature invalid")
	}
	return nil
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "unreadable heartbeat")
		return
	}
	nodeID := r.PathValue("id")
	node, err := s.registry.Get(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Spoofed or unsigned heartbeats are dropped, never applied.
	if err := verifySignedRequest(r, nodeID, node.PublicKey, body); err != nil {
		s.log.Warn().Err(err).Str("node", nodeID).Str("remote", r.RemoteAddr).
			Msg("rejected unauthenticated heartbeat")
		writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: err.Error(), Code: api.CodeUnauthenticated})
		return
	}
	var req api.HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(w, "malformed heartbeat")
		return
	}
	state, err := s.registry.Heartbeat(r.Context(), nodeID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{State: state})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		State:      model.NodeState(r.URL.Query().Get("state")),
		Capability: r.URL.Query().Get("capability"),
	}
	nodes, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req api.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed deploy request")
		return
	}
	if req.Capability == "" {
		badRequest(w, "capability is required")
		return
	}
	if req.Requirements.MilliCPU < 0 || req.Requirements.MemoryBytes < 0 {
		badRequest(w, "requirements must be non-negative")
		return
	}
	agent, err := s.placement.Place(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.DeployResponse{
		AgentID: agent.ID,
		State:   agent.State,
		NodeID:  agent.NodeID,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.placement.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.placement.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	agent, err := s.placement.Terminate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TerminateResponse{AgentID: agent.ID, State: agent.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List(r.Context(), registry.Filter{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	agents, err := s.placement.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var status api.ClusterStatus
	for _, node := range nodes {
		switch node.State {
		case model.NodeOnline:
			status.NodesOnline++
		case model.NodeDegraded:
			status.NodesDegraded++
		case model.NodeBusy:
			status.NodesBusy++
		case model.NodeOffline:
			status.NodesOffline++
		}
	}
	for _, agent := range agents {
		switch agent.State {
		case model.AgentPending, model.AgentDeploying:
			status.AgentsPending++
		case model.AgentRunning:
			status.AgentsRunning++
		case model.AgentError:
			status.AgentsError++
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// effectiveLimits combines the provider's price terms with the consumer's own
// ceilings. For each field the stricter nonzero value wins; a consumer zero
// means "no opinion".
func effectiveLimits(provider api.TicketLimits, consumer api.TicketLimits) api.TicketLimits {
	out := provider
	if consumer.MaxFaceValue > 0 && consumer.MaxFaceValue < out.MaxFaceValue {
		out.MaxFaceValue = consumer.MaxFaceValue
	}
	if consumer.MaxTicketEV > 0 && consumer.MaxTicketEV < out.MaxTicketEV {
		out.MaxTicketEV = consumer.MaxTicketEV
	}
	if consumer.MaxPricePerUnit > 0 && consumer.MaxPricePerUnit < out.MaxPricePerUnit {
		out.MaxPricePerUnit = consumer.MaxPricePerUnit
	}
	return out
}

func (s *Server) handleValidateTicket(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed ticket request")
		return
	}
	node, err := s.registry.Get(r.Context(), req.NodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	capability, ok := node.FindCapability(req.Capability)
	if !ok {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{
			Error: "capability not offered by node",
			Code:  api.CodeNotFound,
		})
		return
	}
	if capability.Price == nil {
		badRequest(w, "capability has no price terms")
		return
	}
	limits := effectiveLimits(payment.LimitsFor(capability.Price), req.Consumer)
	result, err := s.validator.Validate(limits, req.Ticket)
	if err != nil {
		var rejection *payment.RejectionError
		if errors.As(err, &rejection) {
			s.writeError(w, err)
			return
		}
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.ValidateTicketResponse{
		Accepted: true,
		Won:      result.Won,
		TicketEV: result.EV.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, telemetry.Default().Snapshot())
}
