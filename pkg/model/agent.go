package model

import "time"

// AgentState is the deployment state of a workload agent.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentDeploying AgentState = "deploying"
	AgentRunning   AgentState = "running"
	AgentError     AgentState = "error"
	AgentStopped   AgentState = "stopped"
)

// Terminal reports whether the state admits no further transitions.
func (s AgentState) Terminal() bool {
	return s == AgentError || s == AgentStopped
}

// Agent is a unit of deployed workload. An agent is assigned to at most one
// node at any time; the node side never stores a back-reference, node-to-agent
// indexes are derived from these records.
type Agent struct {
	ID           string     `json:"id"`
	Capability   string     `json:"capability"`
	Requirements Resource   `json:"requirements"`
	NodeID       string     `json:"node_id,omitempty"`
	State        AgentState `json:"state"`

	// DeployRetries counts placement attempts consumed by failed deploys.
	DeployRetries int `json:"deploy_retries"`
	// MissedReports counts consecutive node status reports the agent was
	// absent from while expected to be running.
	MissedReports int `json:"missed_reports"`

	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastReport time.Time `json:"last_report,omitempty"`

	Version int64 `json:"version"`
}
