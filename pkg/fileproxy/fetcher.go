package fileproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Fetcher pulls one output file from a worker node onto local disk.
type Fetcher interface {
	Fetch(ctx context.Context, node *models.Node, relPath, dst string) (int64, error)
}

// HTTPFetcher downloads output assets through ComfyUI's /view endpoint.
// Its timeout is independent of task-execution timeouts.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. timeout bounds a whole download.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch streams the remote file into dst, writing through a temp file so a
// failed download never leaves a partial asset behind.
func (f *HTTPFetcher) Fetch(ctx context.Context, node *models.Node, relPath, dst string) (int64, error) {
	q := url.Values{}
	q.Set("filename", path.Base(relPath))
	if dir := path.Dir(relPath); dir != "." && dir != "/" {
		q.Set("subfolder", dir)
	}
	q.Set("type", "output")
	fileURL := node.URL() + "/view?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("node returned HTTP %d for %s", resp.StatusCode, relPath)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
