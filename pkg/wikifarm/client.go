// Package wikifarm talks to the wiki provisioning backend that creates new
// wiki sites in the background and reports their progress as server-sent
// events.
package wikifarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pubwiki/wikidesigner/pkg/httpclient"
)

var ErrMissingField = errors.New("missing slug, language or name")

// Client is an HTTP client for the provisioning backend.
type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a client for the backend rooted at endpoint.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid wikifarm endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid wikifarm endpoint %q: scheme and host are required", endpoint)
	}

	c := &Client{
		endpoint:   u,
		httpClient: httpclient.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateRequest describes the wiki to provision.
type CreateRequest struct {
	Slug     string `json:"slug"`
	Language string `json:"language"`
	Name     string `json:"name"`
}

func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Slug) == "" || strings.TrimSpace(r.Language) == "" || strings.TrimSpace(r.Name) == "" {
		return ErrMissingField
	}
	return nil
}

type createResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// CreateWiki starts provisioning a wiki and returns the backend task id.
// cookie is the user's session cookie, forwarded as is.
func (c *Client) CreateWiki(ctx context.Context, req CreateRequest, cookie string) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.JoinPath("provisioner", "v1", "wikis").String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	slog.Debug("Create wiki response", "status", resp.StatusCode, "slug", req.Slug)

	var out createResponse
	if resp.StatusCode >= 400 {
		if err := json.Unmarshal(respBody, &out); err == nil && out.Error != "" {
			return "", fmt.Errorf("wikifarm error (%d): %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("wikifarm HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshaling response: %w", err)
	}
	if out.TaskID == "" {
		return "", errors.New("wikifarm response has no task_id")
	}
	return out.TaskID, nil
}

// TaskEvents opens the backend's event stream for a provisioning task. The
// caller must close the returned body.
func (c *Client) TaskEvents(ctx context.Context, taskID string) (io.ReadCloser, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.New("task id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.JoinPath("tasks", taskID, "events").String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to task events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("task events returned HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}
