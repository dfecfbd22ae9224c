package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/winkctl/internal/server"
)

// apiClient talks to the daemon's local HTTP API.
type apiClient struct {
	addr string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "ws://")
	return &apiClient{
		addr: addr,
		// Scans and button programming take a few seconds; installs are
		// followed over the event stream instead.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon: %s (HTTP %d)", e.Message, e.Status)
}

// do sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s (is `winkctl run` running?): %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
			if eb.Error == "" {
				eb.Error = http.StatusText(resp.StatusCode)
			}
		}
		return &apiError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}
	return nil
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) status(ctx context.Context) (server.Status, error) {
	var st server.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// watch streams status events to fn until fn returns false, ctx ends or
// the stream fails.
func (c *apiClient) watch(ctx context.Context, fn func(server.Status) bool) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+c.addr+"/events", nil)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var st server.Status
		if err := ws.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if !fn(st) {
			return nil
		}
	}
}

func isUnreachable(err error) bool {
	var ae *apiError
	return err != nil && !errors.As(err, &ae)
}
