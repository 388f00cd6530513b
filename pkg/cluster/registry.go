package cluster

import (
	"log"
	"sync"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Registry is the authoritative in-memory set of known nodes. All mutations
// serialize through its lock; reads hand out deep-copied snapshots so
// callers never race on structural changes.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*models.Node
	expiry time.Duration // dynamic nodes drop after this long without a heartbeat
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Capability string
	Health     models.HealthState
}

// NewRegistry creates an empty registry. Dynamic nodes with no heartbeat
// within expiry are dropped by PruneExpired; static nodes never expire.
func NewRegistry(expiry time.Duration) *Registry {
	return &Registry{
		nodes:  make(map[string]*models.Node),
		expiry: expiry,
	}
}

// SeedStatic loads the static node set from validated configuration. The
// registry must not be queried before this returns.
func (r *Registry) SeedStatic(statics []config.StaticNode) error {
	for _, sn := range statics {
		node := &models.Node{
			ID:            sn.NodeID,
			Host:          sn.Host,
			Port:          sn.Port,
			Capabilities:  append([]string(nil), sn.Capabilities...),
			MaxConcurrent: sn.MaxConcurrent,
			Health:        models.HealthUnknown,
			Origin:        models.OriginStatic,
			RegisteredAt:  time.Now(),
		}
		if err := r.Register(node); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a node. A duplicate id is a configuration error.
func (r *Registry) Register(node *models.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return config.NewConfigurationError("node id %q already registered", node.ID)
	}
	if node.Health == "" {
		node.Health = models.HealthUnknown
	}
	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = time.Now()
	}
	r.nodes[node.ID] = node.Clone()
	log.Printf("[Registry] Registered %s node %s (%s:%d, capabilities: %v, max_concurrent: %d)",
		node.Origin, node.ID, node.Host, node.Port, node.Capabilities, node.MaxConcurrent)
	return nil
}

// Get returns a snapshot of one node.
func (r *Registry) Get(id string) (*models.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return node.Clone(), nil
}

// List returns a filtered snapshot, ordered by id for determinism.
func (r *Registry) List(filter Filter) []*models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if filter.Health != "" && node.Health != filter.Health {
			continue
		}
		if !node.HasCapability(filter.Capability) {
			continue
		}
		out = append(out, node.Clone())
	}
	models.SortNodesByID(out)
	return out
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Remove deletes a node by id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(r.nodes, id)
	log.Printf("[Registry] Removed node %s", id)
	return nil
}

// TouchDynamic upserts a dynamic node from a heartbeat or discovery
// announcement and resets its expiry clock. If the id belongs to an
// existing node (static or dynamic) only its heartbeat and mutable
// metadata are refreshed.
func (r *Registry) TouchDynamic(reg models.NodeRegistration) *models.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if node, ok := r.nodes[reg.NodeID]; ok {
		node.LastHeartbeat = now
		if len(reg.Capabilities) > 0 {
			node.Capabilities = append([]string(nil), reg.Capabilities...)
		}
		if reg.MaxConcurrent > 0 {
			node.MaxConcurrent = reg.MaxConcurrent
		}
		if reg.Labels != nil {
			node.Labels = reg.Labels
		}
		return node.Clone()
	}

	node := &models.Node{
		ID:            reg.NodeID,
		Host:          reg.Host,
		Port:          reg.Port,
		Capabilities:  append([]string(nil), reg.Capabilities...),
		MaxConcurrent: reg.MaxConcurrent,
		Health:        models.HealthUnknown,
		Origin:        models.OriginDynamic,
		Labels:        reg.Labels,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if node.MaxConcurrent < 1 {
		node.MaxConcurrent = 1
	}
	r.nodes[node.ID] = node
	log.Printf("[Registry] Discovered dynamic node %s (%s:%d, capabilities: %v)",
		node.ID, node.Host, node.Port, node.Capabilities)
	return node.Clone()
}

// PruneExpired drops dynamic nodes whose last heartbeat is older than the
// expiry window. Static nodes are never pruned. Returns the removed ids.
func (r *Registry) PruneExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, node := range r.nodes {
		if node.Origin != models.OriginDynamic {
			continue
		}
		if now.Sub(node.LastHeartbeat) > r.expiry {
			delete(r.nodes, id)
			removed = append(removed, id)
			log.Printf("[Registry] Dynamic node %s expired (last heartbeat %v ago)",
				id, now.Sub(node.LastHeartbeat).Round(time.Second))
		}
	}
	return removed
}

// RecordProbeSuccess resets the failure counter and marks the node healthy.
// A single success clears a failing status immediately.
func (r *Registry) RecordProbeSuccess(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	prev := node.Health
	node.ConsecutiveFailures = 0
	node.Health = models.HealthHealthy
	node.LastChecked = at
	if prev != models.HealthHealthy && prev != models.HealthUnknown {
		log.Printf("[Registry] Node %s recovered (%s -> healthy)", id, prev)
	}
	return nil
}

// RecordProbeFailure increments the failure counter. The node holds at
// degraded until threshold consecutive failures, then flips to unreachable.
// The resulting health state is returned.
func (r *Registry) RecordProbeFailure(id string, at time.Time, threshold int) (models.HealthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return "", ErrNodeNotFound
	}
	node.ConsecutiveFailures++
	node.LastChecked = at

	prev := node.Health
	if node.ConsecutiveFailures >= threshold {
		node.Health = models.HealthUnreachable
	} else {
		node.Health = models.HealthDegraded
	}
	if node.Health != prev {
		log.Printf("[Registry] Node %s health %s -> %s (%d consecutive failures)",
			id, prev, node.Health, node.ConsecutiveFailures)
	}
	return node.Health, nil
}

// AdjustLoad changes a node's current load by delta. Load never goes
// negative and callers must not push it past MaxConcurrent; the balancer
// enforces the upper bound under its own lock.
func (r *Registry) AdjustLoad(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.CurrentLoad += delta
	if node.CurrentLoad < 0 {
		node.CurrentLoad = 0
	}
	return nil
}

// TotalLoad sums current load across all nodes.
func (r *Registry) TotalLoad() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, node := range r.nodes {
		total += node.CurrentLoad
	}
	return total
}
