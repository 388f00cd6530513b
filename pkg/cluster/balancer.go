package cluster

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/metrics"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Balancer selects the least-loaded healthy node for a task type and tracks
// capacity reservations against it. Select and the load increment happen
// under one lock, so concurrent callers can never over-reserve a node past
// its max_concurrent.
type Balancer struct {
	registry *Registry
	metrics  *metrics.ClusterMetrics

	mu    sync.Mutex
	stats map[string]*nodeStats
}

type nodeStats struct {
	assigned     int64
	succeeded    int64
	failed       int64
	totalLatency time.Duration
	completed    int64
}

// Reservation is a scoped claim on one node's capacity. Release is safe to
// call from every exit path; only the first call decrements the load.
type Reservation struct {
	Node *models.Node

	balancer *Balancer
	start    time.Time
	once     sync.Once
}

// NewBalancer creates a balancer over the given registry. metrics may be nil.
func NewBalancer(registry *Registry, m *metrics.ClusterMetrics) *Balancer {
	return &Balancer{
		registry: registry,
		metrics:  m,
		stats:    make(map[string]*nodeStats),
	}
}

// Select picks the eligible node minimizing current_load/max_concurrent and
// reserves one slot on it. Eligible means healthy, advertising the task
// type (any capability if taskType is empty), and below max_concurrent.
// Ties break on the lexicographically smallest id. Returns
// *NoAvailableNodeError when nothing qualifies.
func (b *Balancer) Select(taskType string) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.registry.List(Filter{
		Capability: taskType,
		Health:     models.HealthHealthy,
	})

	var best *models.Node
	for _, node := range candidates {
		if node.CurrentLoad >= node.MaxConcurrent {
			continue
		}
		// candidates are id-ordered, so strict less keeps the smallest id on ties
		if best == nil || node.LoadRatio() < best.LoadRatio() {
			best = node
		}
	}

	if best == nil {
		b.metrics.RecordSelection("exhausted")
		return nil, &NoAvailableNodeError{TaskType: taskType}
	}

	if err := b.registry.AdjustLoad(best.ID, +1); err != nil {
		b.metrics.RecordSelection("exhausted")
		return nil, &NoAvailableNodeError{TaskType: taskType}
	}
	best.CurrentLoad++

	b.statsLocked(best.ID).assigned++
	b.metrics.RecordSelection("assigned")
	b.metrics.ReservationAcquired()

	log.Printf("[Balancer] Selected node %s for %q (load %d/%d)",
		best.ID, taskType, best.CurrentLoad, best.MaxConcurrent)

	return &Reservation{
		Node:     best,
		balancer: b,
		start:    time.Now(),
	}, nil
}

// Release returns the reserved slot. Idempotent: extra calls are no-ops, so
// deferred cleanup can never drive the load count negative.
func (r *Reservation) Release() {
	r.once.Do(func() {
		if err := r.balancer.registry.AdjustLoad(r.Node.ID, -1); err != nil {
			// node may have been removed mid-task; the claim dies with it
			log.Printf("[Balancer] Release for node %s: %v", r.Node.ID, err)
		}
		r.balancer.metrics.ReservationReleased()
	})
}

// Elapsed returns how long the reservation has been held.
func (r *Reservation) Elapsed() time.Duration {
	return time.Since(r.start)
}

// RecordResult feeds the per-node dispatch counters after a task finishes.
func (b *Balancer) RecordResult(nodeID string, err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.statsLocked(nodeID)
	if err != nil {
		st.failed++
	} else {
		st.succeeded++
	}
	st.totalLatency += latency
	st.completed++
}

// Stats returns a read-only snapshot of per-node counters, id-ordered.
func (b *Balancer) Stats() []models.NodeStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.stats))
	for id := range b.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.NodeStats, 0, len(ids))
	for _, id := range ids {
		st := b.stats[id]
		ns := models.NodeStats{
			NodeID:    id,
			Assigned:  st.assigned,
			Succeeded: st.succeeded,
			Failed:    st.failed,
		}
		if st.completed > 0 {
			ns.MeanLatency = st.totalLatency / time.Duration(st.completed)
		}
		out = append(out, ns)
	}
	return out
}

func (b *Balancer) statsLocked(nodeID string) *nodeStats {
	st, ok := b.stats[nodeID]
	if !ok {
		st = &nodeStats{}
		b.stats[nodeID] = st
	}
	return st
}

