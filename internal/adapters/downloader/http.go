package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"ytclip/internal/core/ports"
)

// HTTPDownloader streams a remote media URL to a local file.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a new HTTPDownloader. A zero timeout keeps the 30 minute default.
func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	if timeout <= 0 {
		timeout = 30 * time.Minute // Videos can be large
	}
	return &HTTPDownloader{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch writes the body of mediaURL to dest, reporting cumulative bytes through onProgress.
// expected is used as the total when the server does not send a Content-Length.
// A failed transfer leaves no file behind.
func (d *HTTPDownloader) Fetch(ctx context.Context, mediaURL, dest string, expected int64, onProgress ports.ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = expected
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Base(dest), err)
	}

	cw := &countingWriter{w: file, total: total, onProgress: onProgress}
	n, copyErr := io.Copy(cw, resp.Body)
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dest)
		return n, fmt.Errorf("failed to download media: %w", copyErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		_ = os.Remove(dest)
		return n, fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

type countingWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress ports.ProgressFunc
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	if c.onProgress != nil && n > 0 {
		c.onProgress(ports.DownloadProgress{Downloaded: c.written, Total: c.total})
	}
	return n, err
}
