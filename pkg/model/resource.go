package model

// Resource is a declared or requested amount of compute.
type Resource struct {
	MilliCPU    int64 `json:"milli_cpu" yaml:"milli_cpu"`
	MemoryBytes int64 `json:"memory_bytes" yaml:"memory_bytes"`
}

// Fits reports whether r fits inside the available resource.
func (r Resource) Fits(available Resource) bool {
	return r.MilliCPU <= available.MilliCPU && r.MemoryBytes <= available.MemoryBytes
}

// Add returns the sum of both resources.
func (r Resource) Add(other Resource) Resource {
	return Resource{MilliCPU: r.MilliCPU + other.MilliCPU, MemoryBytes: r.MemoryBytes + other.MemoryBytes}
}

// Sub returns r minus other, clamped at zero.
func (r Resource) Sub(other Resource) Resource {
	out := Resource{MilliCPU: r.MilliCPU - other.MilliCPU, MemoryBytes: r.MemoryBytes - other.MemoryBytes}
	if out.MilliCPU < 0 {
		out.MilliCPU = 0
	}
	if out.MemoryBytes < 0 {
		out.MemoryBytes = 0
	}
	return out
}

// IsZero reports whether no resource is declared at all.
func (r Resource) IsZero() bool {
	return r.MilliCPU == 0 && r.MemoryBytes == 0
}

// Accelerator describes an optional hardware accelerator attached to a node.
type Accelerator struct {
	Kind        string `json:"kind" yaml:"kind"`
	Count       int    `json:"count" yaml:"count"`
	MemoryBytes int64  `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
}
