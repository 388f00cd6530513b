package filesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/fileproxy"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

type fakeLister struct {
	outputs map[string][]string
	err     error
}

func (l *fakeLister) ListOutputs(ctx context.Context, node *models.Node) ([]string, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.outputs[node.ID], nil
}

type countingFetcher struct {
	fetched []string
}

func (f *countingFetcher) Fetch(ctx context.Context, node *models.Node, relPath, dst string) (int64, error) {
	f.fetched = append(f.fetched, node.ID+"/"+relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dst, []byte("x"), 0644); err != nil {
		return 0, err
	}
	return 1, nil
}

func newSyncFixture(t *testing.T, lister Lister, patterns []string) (*cluster.Registry, *countingFetcher, *Manager) {
	t.Helper()
	registry := cluster.NewRegistry(20 * time.Second)
	fetcher := &countingFetcher{}
	proxyCfg := config.FileManagementConfig{
		ProxyOutputDir:  t.TempDir(),
		EnableFileCache: true,
		CacheTTL:        time.Minute,
		MaxCacheSize:    1 << 20,
		FetchTimeout:    time.Second,
	}
	proxy := fileproxy.New(registry, fetcher, proxyCfg, nil)
	mgr := NewManager(registry, proxy, lister, config.SyncConfig{
		EnableFileSync: true,
		SyncInterval:   time.Second,
		SyncPatterns:   patterns,
	})
	return registry, fetcher, mgr
}

func addNode(t *testing.T, r *cluster.Registry, id string, healthy bool) {
	t.Helper()
	err := r.Register(&models.Node{
		ID: id, Host: "10.0.0.1", Port: 8188,
		Capabilities: []string{"text_to_image"}, MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if healthy {
		r.RecordProbeSuccess(id, time.Now())
	}
}

func TestSyncOncePrefetchesMatchingOutputs(t *testing.T) {
	lister := &fakeLister{outputs: map[string][]string{
		"gpu-1": {"a.png", "video/b.mp4", "notes.txt"},
	}}
	r, fetcher, mgr := newSyncFixture(t, lister, []string{"*.png", "*.mp4"})
	addNode(t, r, "gpu-1", true)

	mgr.SyncOnce(context.Background())

	want := map[string]bool{"gpu-1/a.png": true, "gpu-1/video/b.mp4": true}
	if len(fetcher.fetched) != 2 {
		t.Fatalf("fetched %v, want exactly the two pattern matches", fetcher.fetched)
	}
	for _, f := range fetcher.fetched {
		if !want[f] {
			t.Errorf("unexpected prefetch %s", f)
		}
	}
}

func TestSyncSkipsUnhealthyNodes(t *testing.T) {
	lister := &fakeLister{outputs: map[string][]string{
		"gpu-1": {"a.png"},
		"gpu-2": {"b.png"},
	}}
	r, fetcher, mgr := newSyncFixture(t, lister, nil)
	addNode(t, r, "gpu-1", true)
	addNode(t, r, "gpu-2", false)

	mgr.SyncOnce(context.Background())

	if len(fetcher.fetched) != 1 || fetcher.fetched[0] != "gpu-1/a.png" {
		t.Errorf("fetched %v, want only the healthy node's output", fetcher.fetched)
	}
}

func TestSyncListingFailureIsNotFatal(t *testing.T) {
	lister := &fakeLister{err: errors.New("agent down")}
	r, fetcher, mgr := newSyncFixture(t, lister, nil)
	addNode(t, r, "gpu-1", true)

	mgr.SyncOnce(context.Background())

	if len(fetcher.fetched) != 0 {
		t.Errorf("fetched %v, want none after listing failure", fetcher.fetched)
	}
}

func TestSyncEmptyPatternsMatchEverything(t *testing.T) {
	lister := &fakeLister{outputs: map[string][]string{
		"gpu-1": {"a.png", "notes.txt"},
	}}
	r, fetcher, mgr := newSyncFixture(t, lister, nil)
	addNode(t, r, "gpu-1", true)

	mgr.SyncOnce(context.Background())

	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %v, want everything with no patterns configured", fetcher.fetched)
	}
}
