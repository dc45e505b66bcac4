package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keel/pkg/model"
)

// client 控制面的 HTTP 客户端
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *client) SetVersion(ctx context.Context, version string) (string, error) {
	data, err := c.do(ctx, http.MethodPut, "/v1/version", strings.NewReader(version))
	return string(data), err
}

func (c *client) Version(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/version", nil)
	return string(data), err
}

func (c *client) State(ctx context.Context) (*model.Snapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/state", nil)
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &snap, nil
}

func (c *client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	return err
}
