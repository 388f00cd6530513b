package fileproxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// fakeFetcher writes a fixed payload to dst and counts calls. With block set,
// every fetch waits on release, so tests can pile up concurrent callers.
type fakeFetcher struct {
	calls   int64
	payload []byte
	failErr error

	block   bool
	release chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, node *models.Node, relPath, dst string) (int64, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.failErr != nil {
		return 0, f.failErr
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dst, f.payload, 0644); err != nil {
		return 0, err
	}
	return int64(len(f.payload)), nil
}

func (f *fakeFetcher) callCount() int64 { return atomic.LoadInt64(&f.calls) }

func newProxyFixture(t *testing.T, fetcher Fetcher, cfg config.FileManagementConfig) (*cluster.Registry, *Proxy) {
	t.Helper()
	r := cluster.NewRegistry(20 * time.Second)
	err := r.Register(&models.Node{
		ID: "gpu-1", Host: "10.0.0.1", Port: 8188,
		Capabilities: []string{"text_to_image"}, MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if cfg.ProxyOutputDir == "" {
		cfg.ProxyOutputDir = t.TempDir()
	}
	return r, New(r, fetcher, cfg, nil)
}

func cacheConfig(dir string) config.FileManagementConfig {
	return config.FileManagementConfig{
		ProxyOutputDir:  dir,
		EnableFileCache: true,
		CacheTTL:        time.Minute,
		MaxCacheSize:    1 << 20,
		FetchTimeout:    2 * time.Second,
	}
}

func TestResolveCachesSecondRequest(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("png-bytes")}
	_, p := newProxyFixture(t, fetcher, cacheConfig(""))

	first, err := p.Resolve(context.Background(), "gpu-1", "sub/img.png")
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := p.Resolve(context.Background(), "gpu-1", "sub/img.png")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if first != second {
		t.Errorf("cache hit returned a different path: %q vs %q", first, second)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch count = %d, want 1 (second request served from cache)", fetcher.callCount())
	}
	if data, err := os.ReadFile(first); err != nil || string(data) != "png-bytes" {
		t.Errorf("cached file content wrong: %q, %v", data, err)
	}
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("x")}
	cfg := cacheConfig("")
	cfg.CacheTTL = 20 * time.Millisecond
	_, p := newProxyFixture(t, fetcher, cfg)

	if _, err := p.Resolve(context.Background(), "gpu-1", "img.png"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := p.Resolve(context.Background(), "gpu-1", "img.png"); err != nil {
		t.Fatalf("Resolve after expiry failed: %v", err)
	}

	if fetcher.callCount() != 2 {
		t.Errorf("fetch count = %d, want 2 (stale entry must never be served)", fetcher.callCount())
	}
}

func TestConcurrentResolveSharesOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		payload: []byte("shared"),
		block:   true,
		release: make(chan struct{}),
	}
	_, p := newProxyFixture(t, fetcher, cacheConfig(""))

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	paths := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = p.Resolve(context.Background(), "gpu-1", "img.png")
		}(i)
	}

	// let all callers attach to the in-flight call before completing it
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if fetcher.callCount() != 1 {
		t.Errorf("fetch count = %d, want exactly 1 for %d concurrent callers", fetcher.callCount(), callers)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d failed: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("caller %d got %q, want %q", i, paths[i], paths[0])
		}
	}
}

func TestCancelledWaiterDoesNotPoisonOthers(t *testing.T) {
	fetcher := &fakeFetcher{
		payload: []byte("late"),
		block:   true,
		release: make(chan struct{}),
	}
	_, p := newProxyFixture(t, fetcher, cacheConfig(""))

	cancelled, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var impatientErr error
	go func() {
		defer wg.Done()
		_, impatientErr = p.Resolve(cancelled, "gpu-1", "img.png")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
	if impatientErr == nil {
		t.Fatal("cancelled waiter should get an error")
	}
	var fetchErr *FileFetchError
	if !errors.As(impatientErr, &fetchErr) {
		t.Fatalf("expected *FileFetchError, got %T", impatientErr)
	}

	done := make(chan struct{})
	var patientPath string
	var patientErr error
	go func() {
		defer close(done)
		patientPath, patientErr = p.Resolve(context.Background(), "gpu-1", "img.png")
	}()
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	<-done

	if patientErr != nil {
		t.Fatalf("patient waiter failed after another caller cancelled: %v", patientErr)
	}
	if patientPath == "" {
		t.Error("patient waiter got an empty path")
	}
}

func TestResolveFailureIsPerRequest(t *testing.T) {
	fetcher := &fakeFetcher{failErr: errors.New("connection reset")}
	r, p := newProxyFixture(t, fetcher, cacheConfig(""))

	_, err := p.Resolve(context.Background(), "gpu-1", "img.png")
	var fetchErr *FileFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FileFetchError, got %v", err)
	}
	if fetchErr.NodeID != "gpu-1" {
		t.Errorf("error node id = %q, want gpu-1", fetchErr.NodeID)
	}

	// a fetch failure must not touch node health
	node, _ := r.Get("gpu-1")
	if node.ConsecutiveFailures != 0 {
		t.Errorf("fetch failure bumped consecutive failures to %d", node.ConsecutiveFailures)
	}

	// the failure is not cached: the next call tries again
	if _, err := p.Resolve(context.Background(), "gpu-1", "img.png"); err == nil {
		t.Error("second Resolve should have retried and failed again")
	}
	if fetcher.callCount() != 2 {
		t.Errorf("fetch count = %d, want 2", fetcher.callCount())
	}
}

func TestResolveUnknownNode(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("x")}
	_, p := newProxyFixture(t, fetcher, cacheConfig(""))

	_, err := p.Resolve(context.Background(), "no-such-node", "img.png")
	var fetchErr *FileFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FileFetchError, got %v", err)
	}
	if !errors.Is(err, cluster.ErrNodeNotFound) {
		t.Errorf("error should wrap ErrNodeNotFound, got %v", err)
	}
}

func TestResolveRejectsPathEscape(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("x")}
	_, p := newProxyFixture(t, fetcher, cacheConfig(""))

	for _, bad := range []string{"../etc/passwd", "a/../../etc/passwd", "/abs/path", "."} {
		if _, err := p.Resolve(context.Background(), "gpu-1", bad); err == nil {
			t.Errorf("path %q should be rejected", bad)
		}
	}
	if fetcher.callCount() != 0 {
		t.Errorf("invalid paths still triggered %d fetches", fetcher.callCount())
	}
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	fetcher := &fakeFetcher{payload: make([]byte, 100)}
	cfg := cacheConfig("")
	cfg.MaxCacheSize = 250 // room for two 100-byte entries, not three
	_, p := newProxyFixture(t, fetcher, cfg)

	oldPath, err := p.Resolve(context.Background(), "gpu-1", "old.png")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.Resolve(context.Background(), "gpu-1", "mid.png"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.Resolve(context.Background(), "gpu-1", "new.png"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	entries, totalBytes := p.Stats()
	if entries != 2 || totalBytes != 200 {
		t.Errorf("after eviction: %d entries / %d bytes, want 2 / 200", entries, totalBytes)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("oldest cached file should be deleted, stat err = %v", err)
	}

	// the evicted key refetches
	if _, err := p.Resolve(context.Background(), "gpu-1", "old.png"); err != nil {
		t.Fatalf("Resolve after eviction failed: %v", err)
	}
	if fetcher.callCount() != 4 {
		t.Errorf("fetch count = %d, want 4", fetcher.callCount())
	}
}

func TestJanitorSweepsExpiredEntries(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("x")}
	cfg := cacheConfig("")
	cfg.CacheTTL = 10 * time.Millisecond
	_, p := newProxyFixture(t, fetcher, cfg)

	if _, err := p.Resolve(context.Background(), "gpu-1", "img.png"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	p.sweep()

	if entries, totalBytes := p.Stats(); entries != 0 || totalBytes != 0 {
		t.Errorf("after sweep: %d entries / %d bytes, want empty cache", entries, totalBytes)
	}
}
