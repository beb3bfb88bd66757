// Package client talks to a running devherd control API over HTTP. It is
// used by the CLI subcommands that operate on an already-running session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devherd/devherd"
)

// Config holds client configuration.
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:7070
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:7070", Timeout: 10 * time.Second}
}

// Client is a thin HTTP wrapper over the control API.
type Client struct {
	baseURL string
	hc      *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		hc:      &http.Client{Timeout: cfg.Timeout},
	}
}

// IsReachable reports whether a control API answers at the configured URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the state of every managed process.
func (c *Client) Status(ctx context.Context) ([]devherd.Status, error) {
	var sts []devherd.Status
	if err := c.get(ctx, "/status", &sts); err != nil {
		return nil, err
	}
	return sts, nil
}

// Stop asks the supervisor to stop one process.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.post(ctx, "/stop", name)
}

// Restart asks the supervisor to restart one process, resetting its
// automatic restart counter.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.post(ctx, "/restart", name)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path, name string) error {
	u := c.baseURL + path + "?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("api: %s", e.Error)
	}
	return fmt.Errorf("api: unexpected status %d", resp.StatusCode)
}
