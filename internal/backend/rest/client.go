// Package rest is a backend.Backend client for a remote time-series service.
//
// Requests are JSON over HTTP. Structural calls and property reads and
// writes are retried with exponential backoff by go-retryablehttp when the
// connection fails or the service answers 429 or 5xx. Sample and interval
// writes are sent once: the ingestion pipeline owns their retry budget.
//
// Failures that may clear on their own are returned as errkind.Transient.
// Any other 4xx is permanent.
//
// Endpoints:
//
//	POST /nodes                         []backend.Node -> []backend.Ref
//	POST /leaves                        []backend.Leaf -> []backend.Ref
//	GET  /leaves?data_id={data_id}      -> backend.Ref, 404 when unknown
//	POST /relationships                 []backend.Relationship
//	GET  /items/{id}/properties/{name}  -> {"value": "..."}, 404 when unset
//	PUT  /items/{id}/properties/{name}  {"value": "..."}
//	POST /leaves/{id}/samples           []backend.Sample
//	POST /leaves/{id}/intervals         []backend.Interval
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// Ensure Client implements backend.Backend.
var _ backend.Backend = (*Client)(nil)

// Config holds client configuration.
type Config struct {
	// BaseURL is the service root, e.g. https://ts.example.com/api
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout bounds one HTTP attempt (default: 30s)
	Timeout time.Duration

	// RetryMax is how many times a failed structural or property request is
	// retried (default: 4). Sample and interval writes are never retried here.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// PageSize is the largest batch a single call accepts (default: 1000)
	PageSize int

	// Logger for request retries (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		RetryMax:     4,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 10 * time.Second,
		PageSize:     backend.DefaultPageSize,
		Logger:       log.New(os.Stderr, "[rest] ", log.LstdFlags),
	}
}

// Client talks to the remote service.
type Client struct {
	base     string
	token    string
	pageSize int
	http     *retryablehttp.Client
	write    *retryablehttp.Client
}

// New creates a client for the service at config.BaseURL. config is not
// modified.
func New(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}

	c := *config
	defaults := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = defaults.RetryMax
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = defaults.RetryWaitMin
	}
	if c.RetryWaitMax <= 0 {
		c.RetryWaitMax = defaults.RetryWaitMax
	}
	if c.PageSize <= 0 {
		c.PageSize = defaults.PageSize
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	return &Client{
		base:     strings.TrimRight(c.BaseURL, "/"),
		token:    c.Token,
		pageSize: c.PageSize,
		http:     newHTTPClient(&c, c.RetryMax),
		write:    newHTTPClient(&c, 0),
	}, nil
}

// newHTTPClient hands the final response back on exhausted retries so do
// can classify the status.
func newHTTPClient(c *Config, retryMax int) *retryablehttp.Client {
	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = c.Timeout
	hc.RetryMax = retryMax
	hc.RetryWaitMin = c.RetryWaitMin
	hc.RetryWaitMax = c.RetryWaitMax
	hc.Logger = c.Logger
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return hc
}

// PageSize returns the largest batch a single call accepts.
func (c *Client) PageSize() int {
	return c.pageSize
}

func (c *Client) checkPage(n int) error {
	if n > c.pageSize {
		return fmt.Errorf("%w: %d > %d", backend.ErrPageTooLarge, n, c.pageSize)
	}
	return nil
}

// UpsertNodes implements backend.Backend.UpsertNodes.
func (c *Client) UpsertNodes(ctx context.Context, nodes []backend.Node) ([]backend.Ref, error) {
	if err := c.checkPage(len(nodes)); err != nil {
		return nil, err
	}
	var refs []backend.Ref
	if err := c.do(ctx, c.http, http.MethodPost, "/nodes", nodes, &refs); err != nil {
		return nil, fmt.Errorf("failed to upsert nodes: %w", err)
	}
	return refs, nil
}

// UpsertLeaves implements backend.Backend.UpsertLeaves.
func (c *Client) UpsertLeaves(ctx context.Context, leaves []backend.Leaf) ([]backend.Ref, error) {
	if err := c.checkPage(len(leaves)); err != nil {
		return nil, err
	}
	var refs []backend.Ref
	if err := c.do(ctx, c.http, http.MethodPost, "/leaves", leaves, &refs); err != nil {
		return nil, fmt.Errorf("failed to upsert leaves: %w", err)
	}
	return refs, nil
}

// ResolveLeaf implements backend.Backend.ResolveLeaf.
func (c *Client) ResolveLeaf(ctx context.Context, dataID string) (backend.Ref, error) {
	var ref backend.Ref
	err := c.do(ctx, c.http, http.MethodGet, "/leaves?data_id="+url.QueryEscape(dataID), nil, &ref)
	if err == backend.ErrNotFound {
		return backend.Ref{}, fmt.Errorf("leaf %s: %w", dataID, backend.ErrNotFound)
	}
	if err != nil {
		return backend.Ref{}, fmt.Errorf("failed to resolve leaf %s: %w", dataID, err)
	}
	if ref.DataID == "" {
		ref.DataID = dataID
	}
	return ref, nil
}

// UpsertRelationships implements backend.Backend.UpsertRelationships.
func (c *Client) UpsertRelationships(ctx context.Context, rels []backend.Relationship) error {
	if err := c.checkPage(len(rels)); err != nil {
		return err
	}
	if err := c.do(ctx, c.http, http.MethodPost, "/relationships", rels, nil); err != nil {
		return fmt.Errorf("failed to upsert relationships: %w", err)
	}
	return nil
}

type propertyValue struct {
	Value string `json:"value"`
}

func propertyPath(id, name string) string {
	return "/items/" + url.PathEscape(id) + "/properties/" + url.PathEscape(name)
}

// GetProperty implements backend.Backend.GetProperty.
func (c *Client) GetProperty(ctx context.Context, id, name string) (string, bool, error) {
	var pv propertyValue
	err := c.do(ctx, c.http, http.MethodGet, propertyPath(id, name), nil, &pv)
	if err == backend.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read property %s of %s: %w", name, id, err)
	}
	return pv.Value, true, nil
}

// SetProperty implements backend.Backend.SetProperty.
func (c *Client) SetProperty(ctx context.Context, id, name, value string) error {
	if err := c.do(ctx, c.http, http.MethodPut, propertyPath(id, name), propertyValue{Value: value}, nil); err != nil {
		return fmt.Errorf("failed to set property %s of %s: %w", name, id, err)
	}
	return nil
}

// WriteSamples implements backend.Backend.WriteSamples.
func (c *Client) WriteSamples(ctx context.Context, id string, samples []backend.Sample) error {
	if err := c.checkPage(len(samples)); err != nil {
		return err
	}
	if err := c.do(ctx, c.write, http.MethodPost, "/leaves/"+url.PathEscape(id)+"/samples", samples, nil); err != nil {
		return fmt.Errorf("failed to write samples to %s: %w", id, err)
	}
	return nil
}

// WriteIntervals implements backend.Backend.WriteIntervals.
func (c *Client) WriteIntervals(ctx context.Context, id string, intervals []backend.Interval) error {
	if err := c.checkPage(len(intervals)); err != nil {
		return err
	}
	if err := c.do(ctx, c.write, http.MethodPost, "/leaves/"+url.PathEscape(id)+"/intervals", intervals, nil); err != nil {
		return fmt.Errorf("failed to write intervals to %s: %w", id, err)
	}
	return nil
}

// do sends one JSON request through hc and decodes the response into out.
// A 404 is returned as backend.ErrNotFound, unwrapped.
func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, bodyOrNil(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// With the passthrough handler a final 5xx arrives as both a response
	// and an error. The status decides.
	resp, err := hc.Do(req)
	if resp == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.New(errkind.Transient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return backend.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
		if transientStatus(resp.StatusCode) {
			return errkind.New(errkind.Transient, method, path, err)
		}
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// transientStatus reports whether a response status may clear on retry.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code != http.StatusNotImplemented)
}

func bodyOrNil(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}
