package models

import "time"

// TaskAssignment records where a task was routed. NodeID is empty when the
// task went to the single-mode fallback target rather than a cluster node.
type TaskAssignment struct {
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id,omitempty"`
	TaskType   string    `json:"task_type"`
	AssignedAt time.Time `json:"assigned_at"`
}

// NodeStats is a read-only snapshot of per-node dispatch counters.
type NodeStats struct {
	NodeID      string        `json:"node_id"`
	Assigned    int64         `json:"assigned"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	MeanLatency time.Duration `json:"mean_latency"`
}
