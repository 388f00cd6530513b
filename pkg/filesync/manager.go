package filesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/fileproxy"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Lister enumerates output files available on a worker node.
type Lister interface {
	ListOutputs(ctx context.Context, node *models.Node) ([]string, error)
}

// HTTPLister asks the worker agent for its output listing.
type HTTPLister struct {
	client *http.Client
}

// NewHTTPLister creates a lister with the given request timeout.
func NewHTTPLister(timeout time.Duration) *HTTPLister {
	return &HTTPLister{client: &http.Client{Timeout: timeout}}
}

// ListOutputs fetches the relative paths of outputs present on the node.
func (l *HTTPLister) ListOutputs(ctx context.Context, node *models.Node) ([]string, error) {
	url := node.URL() + "/outputs"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("output listing returned HTTP %d", resp.StatusCode)
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return nil, fmt.Errorf("failed to decode output listing: %w", err)
	}
	return paths, nil
}

// Manager periodically pulls pattern-matched output files from healthy
// nodes through the file proxy, so cached copies survive node failure.
// Sync failures are logged and never fatal.
type Manager struct {
	registry *cluster.Registry
	proxy    *fileproxy.Proxy
	lister   Lister
	cfg      config.SyncConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a sync manager from validated configuration.
func NewManager(registry *cluster.Registry, proxy *fileproxy.Proxy, lister Lister, cfg config.SyncConfig) *Manager {
	return &Manager{
		registry: registry,
		proxy:    proxy,
		lister:   lister,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sync loop.
func (m *Manager) Start() {
	log.Printf("[Sync] File sync started (interval: %v, patterns: %v)",
		m.cfg.SyncInterval, m.cfg.SyncPatterns)
	go m.run()
}

// Stop terminates the sync loop and waits for the in-flight cycle.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	log.Println("[Sync] File sync stopped")
}

func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SyncOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// SyncOnce runs one full sync cycle across all healthy nodes.
func (m *Manager) SyncOnce(ctx context.Context) {
	nodes := m.registry.List(cluster.Filter{Health: models.HealthHealthy})
	for _, node := range nodes {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.syncNode(ctx, node)
	}
}

func (m *Manager) syncNode(ctx context.Context, node *models.Node) {
	listCtx, cancel := context.WithTimeout(ctx, m.cfg.SyncInterval)
	defer cancel()

	outputs, err := m.lister.ListOutputs(listCtx, node)
	if err != nil {
		log.Printf("[Sync] Listing outputs on node %s: %v", node.ID, err)
		return
	}

	fetched := 0
	for _, relPath := range outputs {
		if !m.matches(relPath) {
			continue
		}
		if _, err := m.proxy.Resolve(listCtx, node.ID, relPath); err != nil {
			log.Printf("[Sync] Prefetching %s from node %s: %v", relPath, node.ID, err)
			continue
		}
		fetched++
	}
	if fetched > 0 {
		log.Printf("[Sync] Synced %d outputs from node %s", fetched, node.ID)
	}
}

func (m *Manager) matches(relPath string) bool {
	if len(m.cfg.SyncPatterns) == 0 {
		return true
	}
	base := path.Base(relPath)
	for _, pattern := range m.cfg.SyncPatterns {
		if ok, err := path.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}
