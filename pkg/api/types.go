package api

import (
	"encoding/json"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

// v0 wire types exchanged between the coordinator, nodes, and operators.

// NodeDescriptor is the body of a registration request.
type NodeDescriptor struct {
	ID           string             `json:"id"`
	Address      string             `json:"address"`
	PublicKey    string             `json:"public_key"`
	Capacity     model.Resource     `json:"capacity"`
	Accelerator  *model.Accelerator `json:"accelerator,omitempty"`
	Capabilities []model.Capability `json:"capabilities"`
	MaxAgents    int                `json:"max_agents,omitempty"`
	// RejoinSecret proves continuity when re-registering an expired ID.
	RejoinSecret string `json:"rejoin_secret,omitempty"`
}

// RegisterResponse returns the accepted node ID and, on first registration or
// revival, the secret the node must present to rejoin later.
type RegisterResponse struct {
	NodeID       string          `json:"node_id"`
	State        model.NodeState `json:"state"`
	RejoinSecret string          `json:"rejoin_secret,omitempty"`
	// CoordinatorKey lets the node verify envelopes on inbound commands.
	CoordinatorKey string `json:"coordinator_key,omitempty"`
}

// AgentReport is a node's view of one agent it hosts, carried in heartbeats.
type AgentReport struct {
	AgentID  string `json:"agent_id"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HeartbeatRequest is the usage snapshot a node reports periodically.
type HeartbeatRequest struct {
	Timestamp   time.Time     `json:"timestamp"`
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes int64         `json:"memory_bytes"`
	Agents      []AgentReport `json:"agents,omitempty"`
}

// HeartbeatResponse echoes the node state after the heartbeat was applied.
type HeartbeatResponse struct {
	State model.NodeState `json:"state"`
}

// DeployRequest asks the coordinator to place a new agent.
type DeployRequest struct {
	Capability    string         `json:"capability"`
	Requirements  model.Resource `json:"requirements"`
	PreferredNode string         `json:"preferred_node,omitempty"`
}

// DeployResponse returns the agent ID and its initial state.
type DeployResponse struct {
	AgentID string           `json:"agent_id"`
	State   model.AgentState `json:"state"`
	NodeID  string           `json:"node_id,omitempty"`
}

// TerminateResponse acknowledges a stop request.
type TerminateResponse struct {
	AgentID string           `json:"agent_id"`
	State   model.AgentState `json:"state"`
}

// ClusterStatus aggregates node and agent counts for operators.
type ClusterStatus struct {
	NodesOnline   int `json:"nodes_online"`
	NodesDegraded int `json:"nodes_degraded"`
	NodesBusy     int `json:"nodes_busy"`
	NodesOffline  int `json:"nodes_offline"`

	AgentsPending int `json:"agents_pending"`
	AgentsRunning int `json:"agents_running"`
	AgentsError   int `json:"agents_error"`
}

// CommandType identifies a coordinator-to-node command.
type CommandType string

const (
	CommandStartAgent CommandType = "start_agent"
	CommandStopAgent  CommandType = "stop_agent"
	CommandPing       CommandType = "ping"
)

// Command is a request/response exchange with one node.
type Command struct {
	Type         CommandType    `json:"type"`
	AgentID      string         `json:"agent_id,omitempty"`
	Capability   string         `json:"capability,omitempty"`
	Requirements model.Resource `json:"requirements,omitempty"`
}

// CommandResult is a node's answer to a command.
type CommandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EventType identifies a broadcast cluster event.
type EventType string

const (
	EventConfigChanged EventType = "config_changed"
	EventNodeOffline   EventType = "node_offline"
)

// Event is a best-effort, at-least-once broadcast; handlers must be idempotent.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Signature headers on node-originated REST calls. The signed message is
// identity.SigningBytes(sender, timestamp, nonce, body).
const (
	HeaderSender    = "X-Flotilla-Sender"
	HeaderTimestamp = "X-Flotilla-Timestamp"
	HeaderNonce     = "X-Flotilla-Nonce"
	HeaderSignature = "X-Flotilla-Signature"
)

// Envelope wraps a payload with the sender identity and an ed25519 signature.
// Unauthenticated envelopes are dropped and logged, never applied.
type Envelope struct {
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Ticket is a probabilistic payment claim for one capability invocation.
// WinProbNum is fixed point over payment.WinProbDenominator.
type Ticket struct {
	FaceValue    int64  `json:"face_value"`
	WinProbNum   int64  `json:"win_prob_num"`
	PricePerUnit int64  `json:"price_per_unit"`
	Sender       string `json:"sender"`
	Nonce        string `json:"nonce"`
	Signature    string `json:"signature,omitempty"`
}

// TicketLimits are one party's ceilings for ticket acceptance.
type TicketLimits struct {
	MaxFaceValue    int64 `json:"max_face_value"`
	MaxTicketEV     int64 `json:"max_ticket_ev"`
	MaxPricePerUnit int64 `json:"max_price_per_unit"`
}

// ValidateTicketRequest submits a ticket against a provider capability.
type ValidateTicketRequest struct {
	NodeID     string       `json:"node_id"`
	Capability string       `json:"capability"`
	Ticket     Ticket       `json:"ticket"`
	Consumer   TicketLimits `json:"consumer_limits"`
}

// ValidateTicketResponse reports the settlement outcome of an accepted ticket.
type ValidateTicketResponse struct {
	Accepted bool   `json:"accepted"`
	Won      bool   `json:"won"`
	TicketEV string `json:"ticket_ev"`
}

// ErrorResponse is the uniform error body; Code distinguishes "retry later"
// from "this request will always fail".
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Machine-readable reason codes.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeDuplicateIdentity = "DUPLICATE_IDENTITY"
	CodeNoCapacity        = "NO_CAPACITY"
	CodeConflict          = "CONFLICT"
	CodeDeployFailed      = "DEPLOY_FAILED"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInternal          = "INTERNAL"

	CodeFaceValueExceeded = "FACE_VALUE_EXCEEDED"
	CodeEVExceeded        = "EV_EXCEEDED"
	CodePriceExceeded     = "PRICE_EXCEEDED"
	CodeReplayDetected    = "REPLAY_DETECTED"
)
