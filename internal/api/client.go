package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a thin HTTP client for the awgctl API.
type Client struct {
	baseURL   string
	principal string
	http      *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port)
// acting as principal.
func NewClient(baseURL, principal string) *Client {
	return &Client{
		baseURL:   NormalizeBaseURL(baseURL),
		principal: principal,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NormalizeBaseURL adds http:// to a bare host:port.
func NormalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Status  string
	Kind    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// CreatePeer registers a peer and returns its one-time client config.
func (c *Client) CreatePeer(ctx context.Context, name string) (CreatePeerResponse, error) {
	var resp CreatePeerResponse
	err := c.do(ctx, http.MethodPost, "/peers", CreatePeerRequest{Name: name}, &resp)
	return resp, err
}

// DeletePeer removes a peer.
func (c *Client) DeletePeer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/peers/"+url.PathEscape(name), nil, nil)
}

// GetPeer fetches one peer.
func (c *Client) GetPeer(ctx context.Context, name string) (Peer, error) {
	var resp Peer
	err := c.do(ctx, http.MethodGet, "/peers/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// ListPeers fetches every peer.
func (c *Client) ListPeers(ctx context.Context) (ListPeersResponse, error) {
	var resp ListPeersResponse
	err := c.do(ctx, http.MethodGet, "/peers", nil, &resp)
	return resp, err
}

// SetEnabled enables or disables a peer.
func (c *Client) SetEnabled(ctx context.Context, name string, enabled bool) (Peer, error) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var resp Peer
	err := c.do(ctx, http.MethodPost, "/peers/"+url.PathEscape(name)+"/"+verb, nil, &resp)
	return resp, err
}

// PeerStats fetches stored samples of one peer since the given time.
func (c *Client) PeerStats(ctx context.Context, name string, since time.Time) (StatsResponse, error) {
	var resp StatsResponse
	err := c.do(ctx, http.MethodGet, "/peers/"+url.PathEscape(name)+"/stats"+sinceQuery(since), nil, &resp)
	return resp, err
}

// Totals fetches per-peer traffic totals since the given time.
func (c *Client) Totals(ctx context.Context, since time.Time) (TotalsResponse, error) {
	var resp TotalsResponse
	err := c.do(ctx, http.MethodGet, "/stats"+sinceQuery(since), nil, &resp)
	return resp, err
}

// Status fetches interface state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

func sinceQuery(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(PrincipalHeader, c.principal)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(res.Body)
		se := &StatusError{Code: res.StatusCode, Status: res.Status}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			se.Message, se.Kind = er.Error, er.Kind
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		return se
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
