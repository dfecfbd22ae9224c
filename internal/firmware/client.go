package firmware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

// ErrNoUpdateInfo is returned when the update service does not answer 200.
var ErrNoUpdateInfo = errors.New("firmware: no update information available")

// maxFirmwareSize bounds the downloaded image.
const maxFirmwareSize = 16 << 20

// Info is the update service's description of the latest firmware.
type Info struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// ProgressFunc receives cumulative bytes and the expected total (-1 if unknown).
type ProgressFunc func(done, total int64)

// Client talks to the remote update service. Requests carry the module's
// stable identifier in the authorization header.
type Client struct {
	baseURL string
	http    *http.Client
	log     logr.Logger
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, log logr.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log,
	}
}

func (c *Client) get(ctx context.Context, url, deviceID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", deviceID)
	return c.http.Do(req)
}

// Latest asks the service which firmware the module should run.
func (c *Client) Latest(ctx context.Context, deviceID string) (Info, error) {
	resp, err := c.get(ctx, c.baseURL, deviceID)
	if err != nil {
		return Info{}, fmt.Errorf("firmware: querying update service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.V(1).Info("[FW] update service declined", "status", resp.StatusCode)
		return Info{}, ErrNoUpdateInfo
	}

	var info Info
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("firmware: decoding update info: %w", err)
	}
	if info.Version == "" {
		return Info{}, fmt.Errorf("firmware: update info has no version")
	}
	return info, nil
}

// Download fetches the full firmware image. The whole body is buffered so
// the upload can declare its length.
func (c *Client) Download(ctx context.Context, deviceID string, progress ProgressFunc) ([]byte, error) {
	resp, err := c.get(ctx, c.baseURL+"/firmware", deviceID)
	if err != nil {
		return nil, fmt.Errorf("firmware: downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("firmware: download failed: HTTP %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && resp.ContentLength <= maxFirmwareSize {
		buf.Grow(int(resp.ContentLength))
	}
	pw := &progressWriter{
		writer: &buf,
		total:  resp.ContentLength,
		report: progress,
	}

	written, err := io.Copy(pw, io.LimitReader(resp.Body, maxFirmwareSize+1))
	if err != nil {
		return nil, fmt.Errorf("firmware: reading image: %w", err)
	}
	if written > maxFirmwareSize {
		return nil, fmt.Errorf("firmware: image exceeds %d bytes", maxFirmwareSize)
	}
	if written == 0 {
		return nil, fmt.Errorf("firmware: empty image")
	}

	c.log.Info("[FW] downloaded firmware", "bytes", written)
	return buf.Bytes(), nil
}

// progressWriter wraps an io.Writer and reports download progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	report  ProgressFunc
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.report != nil {
		pw.report(pw.written, pw.total)
	}
	return n, err
}
