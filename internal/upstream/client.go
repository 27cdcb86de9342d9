// Package upstream is the read-only client for the control-plane REST
// API. The sync worker mirrors its entities into local state; nothing
// here mutates the control plane.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// pageSize is the user pagination size.
const pageSize = 100

// Client talks to the control plane.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a Client. client may be nil.
func New(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// envelope is the control plane's standard response wrapper.
type envelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &APIError{Code: CodeValidation, Status: resp.StatusCode, Message: "bad envelope: " + err.Error()}
	}
	payload := env.Response
	if payload == nil {
		// Some endpoints answer without the wrapper.
		payload = body
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &APIError{Code: CodeValidation, Status: resp.StatusCode, Message: "bad payload: " + err.Error()}
	}
	return nil
}

// usersPage is one page of the paginated users listing.
type usersPage struct {
	Users []json.RawMessage `json:"users"`
	Total int               `json:"total"`
}

// FetchUsers pulls all users, page by page.
func (c *Client) FetchUsers(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for start := 0; ; start += pageSize {
		var page usersPage
		path := fmt.Sprintf("/api/users?size=%d&start=%d", pageSize, start)
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Users...)
		if len(page.Users) < pageSize || len(out) >= page.Total && page.Total > 0 {
			return out, nil
		}
		if len(page.Users) == 0 {
			return out, nil
		}
	}
}

// FetchNodes pulls all nodes in one call.
func (c *Client) FetchNodes(ctx context.Context) ([]json.RawMessage, error) {
	var nodes []json.RawMessage
	if err := c.get(ctx, "/api/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// FetchHosts pulls all hosts in one call.
func (c *Client) FetchHosts(ctx context.Context) ([]json.RawMessage, error) {
	var hosts []json.RawMessage
	if err := c.get(ctx, "/api/hosts", &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// FetchConfigProfiles pulls all config profiles in one call.
func (c *Client) FetchConfigProfiles(ctx context.Context) ([]json.RawMessage, error) {
	var page struct {
		ConfigProfiles []json.RawMessage `json:"configProfiles"`
	}
	if err := c.get(ctx, "/api/config-profiles", &page); err != nil {
		return nil, err
	}
	return page.ConfigProfiles, nil
}
