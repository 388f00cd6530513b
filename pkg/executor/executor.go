package executor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Mode is the routing mode, fixed at construction.
type Mode string

const (
	ModeSingle      Mode = "single"
	ModeDistributed Mode = "distributed"
)

// Executor is the dispatch facade. It decides single-node versus distributed
// routing, drives the load balancer, and owns the reservation lifecycle for
// every task assignment. It does not speak the job-submission protocol;
// callers take the returned URL to an external collaborator.
type Executor struct {
	mode     Mode
	balancer *cluster.Balancer
	single   config.ComfyUIConfig
	degrade  bool

	mu          sync.Mutex
	assignments map[string]*assignment
}

type assignment struct {
	info        models.TaskAssignment
	reservation *cluster.Reservation
}

// New builds an executor from validated configuration. The balancer may be
// nil in single mode.
func New(cfg *config.ClusterConfig, balancer *cluster.Balancer) *Executor {
	mode := ModeSingle
	if cfg.Distributed.Enabled {
		mode = ModeDistributed
	}
	return &Executor{
		mode:        mode,
		balancer:    balancer,
		single:      cfg.ComfyUI,
		degrade:     cfg.Distributed.DegradeToSingle,
		assignments: make(map[string]*assignment),
	}
}

// Mode returns the routing mode fixed at construction.
func (e *Executor) Mode() Mode { return e.mode }

// NewTaskID mints a unique task id for callers that do not bring their own.
func NewTaskID() string { return uuid.New().String() }

// GetExecutionURL resolves where a task should run. In single mode it always
// returns the fixed target with an empty node id. In distributed mode it
// reserves capacity on the least-loaded eligible node; if none is available
// and the degrade policy is on, it falls back to the single-mode target,
// otherwise the NoAvailableNodeError is surfaced to the caller.
func (e *Executor) GetExecutionURL(taskType, taskID string) (string, string, error) {
	if taskID == "" {
		return "", "", fmt.Errorf("task id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.assignments[taskID]; exists {
		return "", "", fmt.Errorf("task %s already has a live assignment", taskID)
	}

	if e.mode == ModeSingle {
		e.assignments[taskID] = &assignment{info: models.TaskAssignment{
			TaskID:     taskID,
			TaskType:   taskType,
			AssignedAt: time.Now(),
		}}
		return e.single.URL(), "", nil
	}

	res, err := e.balancer.Select(taskType)
	if err != nil {
		var noNode *cluster.NoAvailableNodeError
		if errors.As(err, &noNode) && e.degrade {
			log.Printf("[Executor] No node for %q, degrading task %s to single-mode target %s",
				taskType, taskID, e.single.URL())
			e.assignments[taskID] = &assignment{info: models.TaskAssignment{
				TaskID:     taskID,
				TaskType:   taskType,
				AssignedAt: time.Now(),
			}}
			return e.single.URL(), "", nil
		}
		return "", "", fmt.Errorf("distributed dispatch for task type %q: %w", taskType, err)
	}

	e.assignments[taskID] = &assignment{
		info: models.TaskAssignment{
			TaskID:     taskID,
			NodeID:     res.Node.ID,
			TaskType:   taskType,
			AssignedAt: time.Now(),
		},
		reservation: res,
	}
	return res.Node.URL(), res.Node.ID, nil
}

// CleanupTaskAssignment releases the reservation held for a task. It must
// run on every task exit path: success, failure or cancellation. A second
// call for the same task, or an empty node id, is a no-op, so the load
// count can never drift.
func (e *Executor) CleanupTaskAssignment(taskID, nodeID string) {
	e.finish(taskID, nodeID, nil, false)
}

// CompleteTask releases the assignment and feeds the per-node result
// counters with the task outcome.
func (e *Executor) CompleteTask(taskID string, taskErr error) {
	e.mu.Lock()
	a, ok := e.assignments[taskID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.finish(taskID, a.info.NodeID, taskErr, true)
}

func (e *Executor) finish(taskID, nodeID string, taskErr error, record bool) {
	e.mu.Lock()
	a, ok := e.assignments[taskID]
	if ok {
		delete(e.assignments, taskID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	// single-mode and degraded assignments carry no reservation
	if a.reservation != nil {
		if record && nodeID != "" {
			e.balancer.RecordResult(nodeID, taskErr, a.reservation.Elapsed())
		}
		a.reservation.Release()
	}
}

// Assignments returns a snapshot of live task assignments.
func (e *Executor) Assignments() []models.TaskAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.TaskAssignment, 0, len(e.assignments))
	for _, a := range e.assignments {
		out = append(out, a.info)
	}
	return out
}
