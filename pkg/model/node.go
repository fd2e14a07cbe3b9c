package model

import "time"

// NodeState is the liveness state of a registered node.
type NodeState string

const (
	NodeRegistering NodeState = "registering"
	NodeOnline      NodeState = "online"
	NodeBusy        NodeState = "busy"
	NodeDegraded    NodeState = "degraded"
	NodeOffline     NodeState = "offline"
)

// PriceTerms are the provider-side ceilings a capability is metered under.
type PriceTerms struct {
	PricePerUnit int64 `json:"price_per_unit" yaml:"price_per_unit"`
	MaxFaceValue int64 `json:"max_face_value" yaml:"max_face_value"`
	MaxTicketEV  int64 `json:"max_ticket_ev" yaml:"max_ticket_ev"`
}

// Capability is a node's advertisement of a service it can execute.
// Capacity is the number of concurrent invocations the node will take.
type Capability struct {
	Name        string      `json:"name" yaml:"name"`
	Endpoint    string      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Capacity    int         `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Price       *PriceTerms `json:"price,omitempty" yaml:"price,omitempty"`
}

// UsageSnapshot is the point-in-time load a node reports with each heartbeat.
type UsageSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes int64     `json:"memory_bytes"`
}

// Node is a registered compute peer. The registry store is the single source
// of truth for these records; Version backs optimistic concurrency.
type Node struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	PublicKey    string       `json:"public_key"`
	Capacity     Resource     `json:"capacity"`
	Accelerator  *Accelerator `json:"accelerator,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	MaxAgents    int          `json:"max_agents"`

	Allocated     Resource      `json:"allocated"`
	AgentsRunning int           `json:"agents_running"`
	Usage         UsageSnapshot `json:"usage"`

	State         NodeState `json:"state"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// RejoinSecret is issued at first registration and must be echoed back
	// when an expired or offline node re-registers under the same ID.
	RejoinSecret string `json:"rejoin_secret,omitempty"`

	Version int64 `json:"version"`
}

// HasCapability reports whether the node advertises the named capability.
func (n *Node) HasCapability(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// FindCapability returns the named capability advertisement, if any.
func (n *Node) FindCapability(name string) (Capability, bool) {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// FreeCapacity is the declared capacity minus what placement has allocated.
func (n *Node) FreeCapacity() Resource {
	return n.Capacity.Sub(n.Allocated)
}

// LoadFraction is the dominant allocated share of declared capacity, in [0,1].
func (n *Node) LoadFraction() float64 {
	var cpu, mem float64
	if n.Capacity.MilliCPU > 0 {
		cpu = float64(n.Allocated.MilliCPU) / float64(n.Capacity.MilliCPU)
	}
	if n.Capacity.MemoryBytes > 0 {
		mem = float64(n.Allocated.MemoryBytes) / float64(n.Capacity.MemoryBytes)
	}
	if mem > cpu {
		return mem
	}
	return cpu
}

// AtAgentLimit reports whether the node cannot host another agent.
func (n *Node) AtAgentLimit() bool {
	return n.MaxAgents > 0 && n.AgentsRunning >= n.MaxAgents
}
