package fileproxy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/metrics"
)

// FileFetchError reports a failed proxy fetch. It is surfaced per request
// and never mutates the producing node's health.
type FileFetchError struct {
	NodeID string
	Path   string
	Err    error
}

func (e *FileFetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s from node %s: %v", e.Path, e.NodeID, e.Err)
}

func (e *FileFetchError) Unwrap() error { return e.Err }

type cacheKey struct {
	nodeID  string
	relPath string
}

type cacheEntry struct {
	localPath string
	fetchedAt time.Time
	sizeBytes int64
}

// inflightCall is one in-progress network fetch. Concurrent callers for the
// same key attach to it instead of fetching again; each waiter honors its
// own context, so one cancelled caller never blocks the rest.
type inflightCall struct {
	done      chan struct{}
	localPath string
	err       error
}

// Proxy resolves output files that physically live on worker node
// filesystems, keeping a deduplicated local cache under proxy_output_dir.
type Proxy struct {
	registry *cluster.Registry
	fetcher  Fetcher
	cfg      config.FileManagementConfig
	metrics  *metrics.ClusterMetrics

	mu        sync.Mutex
	entries   map[cacheKey]*cacheEntry
	inflight  map[cacheKey]*inflightCall
	totalSize int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a file proxy. metrics may be nil.
func New(registry *cluster.Registry, fetcher Fetcher, cfg config.FileManagementConfig, m *metrics.ClusterMetrics) *Proxy {
	return &Proxy{
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		metrics:  m,
		entries:  make(map[cacheKey]*cacheEntry),
		inflight: make(map[cacheKey]*inflightCall),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Resolve returns a local path for the asset at relPath on the given node,
// serving a cached copy when fresh, otherwise fetching over the network.
// Concurrent calls for the same key share one network fetch.
func (p *Proxy) Resolve(ctx context.Context, nodeID, relPath string) (string, error) {
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	if relPath == "." || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", &FileFetchError{NodeID: nodeID, Path: relPath, Err: fmt.Errorf("invalid relative path")}
	}
	key := cacheKey{nodeID: nodeID, relPath: relPath}

	p.mu.Lock()
	if entry, ok := p.entries[key]; ok {
		if p.cfg.EnableFileCache && time.Since(entry.fetchedAt) <= p.cfg.CacheTTL {
			p.mu.Unlock()
			p.metrics.RecordCacheEvent("hit")
			return entry.localPath, nil
		}
		// expired entries are never served without refresh
		p.dropEntryLocked(key, entry, false)
	}

	if call, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return p.await(ctx, nodeID, relPath, call)
	}

	call := &inflightCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.mu.Unlock()

	p.metrics.RecordCacheEvent("miss")
	go p.fetch(key, call)

	return p.await(ctx, nodeID, relPath, call)
}

// await blocks on an in-flight fetch, honoring the waiter's own context.
func (p *Proxy) await(ctx context.Context, nodeID, relPath string, call *inflightCall) (string, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return "", call.err
		}
		return call.localPath, nil
	case <-ctx.Done():
		return "", &FileFetchError{NodeID: nodeID, Path: relPath, Err: ctx.Err()}
	}
}

// fetch performs the single network download for a key. It runs detached
// from any one caller's context so a cancelled waiter cannot poison the
// cache for the others; the fetch timeout bounds it instead.
func (p *Proxy) fetch(key cacheKey, call *inflightCall) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
		close(call.done)
	}()

	node, err := p.registry.Get(key.nodeID)
	if err != nil {
		call.err = &FileFetchError{NodeID: key.nodeID, Path: key.relPath, Err: err}
		p.metrics.RecordCacheEvent("error")
		return
	}

	timeout := p.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dst := filepath.Join(p.cfg.ProxyOutputDir, "nodes", key.nodeID, filepath.FromSlash(key.relPath))
	size, err := p.fetcher.Fetch(ctx, node, key.relPath, dst)
	if err != nil {
		call.err = &FileFetchError{NodeID: key.nodeID, Path: key.relPath, Err: err}
		p.metrics.RecordCacheEvent("error")
		return
	}

	p.mu.Lock()
	p.entries[key] = &cacheEntry{
		localPath: dst,
		fetchedAt: time.Now(),
		sizeBytes: size,
	}
	p.totalSize += size
	p.metrics.AddFetchBytes(size)
	p.evictLocked()
	p.mu.Unlock()

	call.localPath = dst
	log.Printf("[Proxy] Fetched %s from node %s (%d bytes)", key.relPath, key.nodeID, size)
}

// evictLocked drops oldest-fetched entries until total size fits the
// budget. Caller holds p.mu.
func (p *Proxy) evictLocked() {
	if p.cfg.MaxCacheSize <= 0 {
		return
	}
	for p.totalSize > p.cfg.MaxCacheSize && len(p.entries) > 0 {
		var oldestKey cacheKey
		var oldest *cacheEntry
		for k, e := range p.entries {
			if oldest == nil || e.fetchedAt.Before(oldest.fetchedAt) {
				oldestKey, oldest = k, e
			}
		}
		p.dropEntryLocked(oldestKey, oldest, true)
	}
}

// dropEntryLocked removes a cache entry and its file. Caller holds p.mu.
func (p *Proxy) dropEntryLocked(key cacheKey, entry *cacheEntry, evicted bool) {
	delete(p.entries, key)
	p.totalSize -= entry.sizeBytes
	if err := os.Remove(entry.localPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[Proxy] Failed to remove cached file %s: %v", entry.localPath, err)
	}
	if evicted {
		p.metrics.RecordCacheEvent("evict")
	}
}

// StartJanitor launches a background sweep that clears TTL-expired entries
// and enforces the size budget between requests.
func (p *Proxy) StartJanitor() {
	interval := p.cfg.CacheTTL / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	log.Printf("[Proxy] Cache janitor started (interval: %v, ttl: %v, budget: %d bytes)",
		interval, p.cfg.CacheTTL, p.cfg.MaxCacheSize)

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// StopJanitor terminates the background sweep.
func (p *Proxy) StopJanitor() {
	close(p.stopCh)
	<-p.doneCh
	log.Println("[Proxy] Cache janitor stopped")
}

func (p *Proxy) sweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, e := range p.entries {
		if now.Sub(e.fetchedAt) > p.cfg.CacheTTL {
			p.dropEntryLocked(k, e, true)
		}
	}
	p.evictLocked()
}

// Stats reports current cache occupancy.
func (p *Proxy) Stats() (entries int, totalBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), p.totalSize
}
