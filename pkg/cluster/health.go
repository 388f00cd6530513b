package cluster

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/metrics"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// maxConcurrentProbes bounds how many probes a cycle runs at once.
const maxConcurrentProbes = 8

// Prober issues a lightweight status check against one node.
type Prober interface {
	Probe(ctx context.Context, node *models.Node) error
}

// HTTPProber probes ComfyUI's /system_stats endpoint. The client timeout is
// the probe timeout, independent of task-execution timeouts.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

// Probe performs the status check. Any failure is returned as a
// *NodeUnreachableError.
func (p *HTTPProber) Probe(ctx context.Context, node *models.Node) error {
	url := node.URL() + "/system_stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &NodeUnreachableError{NodeID: node.ID, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &NodeUnreachableError{NodeID: node.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NodeUnreachableError{
			NodeID: node.ID,
			Err:    fmt.Errorf("status probe returned HTTP %d", resp.StatusCode),
		}
	}
	return nil
}

// HealthChecker periodically probes every known node and updates its health
// state in the registry. A cycle always completes (or every probe times
// out) before the next one starts, so outstanding probes stay bounded.
type HealthChecker struct {
	registry  *Registry
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int
	metrics   *metrics.ClusterMetrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthChecker creates a checker. metrics may be nil.
func NewHealthChecker(registry *Registry, prober Prober, interval, timeout time.Duration, threshold int, m *metrics.ClusterMetrics) *HealthChecker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold < 1 {
		threshold = 3
	}
	return &HealthChecker{
		registry:  registry,
		prober:    prober,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		metrics:   m,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (hc *HealthChecker) Start() {
	log.Printf("[Health] Health checker started (interval: %v, threshold: %d)", hc.interval, hc.threshold)
	go hc.run()
}

// Stop terminates the loop and waits for the in-flight cycle to finish.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	<-hc.doneCh
	log.Println("[Health] Health checker stopped")
}

func (hc *HealthChecker) run() {
	defer close(hc.doneCh)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	// initial cycle so nodes leave "unknown" quickly
	hc.RunCycle(context.Background())

	for {
		select {
		case <-ticker.C:
			hc.RunCycle(context.Background())
		case <-hc.stopCh:
			return
		}
	}
}

// RunCycle probes every known node once, bounded-concurrently, and blocks
// until the whole cycle finishes. Probe failures are recorded in the
// registry, never propagated.
func (hc *HealthChecker) RunCycle(ctx context.Context) {
	hc.registry.PruneExpired(time.Now())

	nodes := hc.registry.List(Filter{})
	if len(nodes) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentProbes)
	done := make(chan struct{})
	for _, node := range nodes {
		sem <- struct{}{}
		go func(n *models.Node) {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			hc.probeNode(ctx, n)
		}(node)
	}
	for range nodes {
		<-done
	}

	hc.publishNodeCounts()
}

func (hc *HealthChecker) probeNode(ctx context.Context, node *models.Node) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := hc.prober.Probe(probeCtx, node)
	hc.metrics.ObserveProbe(time.Since(start), err)

	now := time.Now()
	if err != nil {
		state, recErr := hc.registry.RecordProbeFailure(node.ID, now, hc.threshold)
		if recErr == nil && state == models.HealthUnreachable {
			log.Printf("[Health] Node %s unreachable: %v", node.ID, err)
		}
		return
	}
	if err := hc.registry.RecordProbeSuccess(node.ID, now); err != nil && err != ErrNodeNotFound {
		log.Printf("[Health] Recording probe success for %s: %v", node.ID, err)
	}
}

func (hc *HealthChecker) publishNodeCounts() {
	counts := make(map[models.HealthState]int)
	for _, node := range hc.registry.List(Filter{}) {
		counts[node.Health]++
	}
	hc.metrics.SetNodeCounts(counts)
}
