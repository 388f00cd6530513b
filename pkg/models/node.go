package models

import (
	"fmt"
	"sort"
	"time"
)

// HealthState represents the probe-derived health of a compute node.
type HealthState string

const (
	HealthUnknown     HealthState = "unknown"
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// NodeOrigin records how a node entered the registry.
type NodeOrigin string

const (
	OriginStatic  NodeOrigin = "static"
	OriginDynamic NodeOrigin = "dynamic"
)

// Well-known task-type capability tags. Capabilities are opaque strings;
// these constants only name the common ones.
const (
	TaskTypeTextToImage  = "text_to_image"
	TaskTypeImageToVideo = "image_to_video"
)

// Node represents a ComfyUI worker node in the cluster.
type Node struct {
	ID                  string            `json:"id"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Capabilities        []string          `json:"capabilities"`
	MaxConcurrent       int               `json:"max_concurrent"`
	CurrentLoad         int               `json:"current_load"`
	Health              HealthState       `json:"health"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastChecked         time.Time         `json:"last_checked"`
	LastHeartbeat       time.Time         `json:"last_heartbeat"`
	Origin              NodeOrigin        `json:"origin"`
	Labels              map[string]string `json:"labels,omitempty"`
	RegisteredAt        time.Time         `json:"registered_at"`
}

// URL returns the base execution URL for the node.
func (n *Node) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// HasCapability reports whether the node advertises the given task type.
// An empty task type matches any node.
func (n *Node) HasCapability(taskType string) bool {
	if taskType == "" {
		return true
	}
	for _, c := range n.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// LoadRatio returns current_load / max_concurrent for least-loaded ordering.
func (n *Node) LoadRatio() float64 {
	if n.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(n.CurrentLoad) / float64(n.MaxConcurrent)
}

// Clone returns a deep copy so registry snapshots never alias live state.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Labels != nil {
		cp.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// SortNodesByID orders a node slice lexicographically for deterministic output.
func SortNodesByID(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// NodeRegistration is the payload a worker agent sends when announcing itself.
type NodeRegistration struct {
	NodeID        string            `json:"node_id"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Capabilities  []string          `json:"capabilities"`
	MaxConcurrent int               `json:"max_concurrent"`
	Labels        map[string]string `json:"labels,omitempty"`
}
