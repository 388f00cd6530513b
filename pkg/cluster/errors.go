package cluster

import (
	"errors"
	"fmt"
)

// ErrNodeNotFound is returned when a node id is not present in the registry.
var ErrNodeNotFound = errors.New("node not found")

// NoAvailableNodeError reports that no healthy node matches the requested
// capability, or that every matching node is at capacity. It is recoverable
// through the single-mode degrade policy.
type NoAvailableNodeError struct {
	TaskType string
}

func (e *NoAvailableNodeError) Error() string {
	if e.TaskType == "" {
		return "no available node for task"
	}
	return fmt.Sprintf("no available node for task type %q", e.TaskType)
}

// NodeUnreachableError reports a failed probe or dispatch against one node.
// It only ever downgrades that node's health; it is never fatal to the
// cluster as a whole.
type NodeUnreachableError struct {
	NodeID string
	Err    error
}

func (e *NodeUnreachableError) Error() string {
	return fmt.Sprintf("node %s unreachable: %v", e.NodeID, e.Err)
}

func (e *NodeUnreachableError) Unwrap() error { return e.Err }
