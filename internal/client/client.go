// Package client talks to a running cobalt API server. The CLI instance
// commands go through it.
package client

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

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/cobalt/internal/api"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/log"
)

const applicationJSON = "application/json"

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

// Client calls the instance routes. Reads are retried; writes are sent once
// because bless, launch and discard are not idempotent.
type Client struct {
	baseURL string
	apiKey  string
	reads   *retryablehttp.Client
	writes  *retryablehttp.Client
}

func New(baseURL, apiKey string) *Client {
	reads := retryablehttp.NewClient()
	reads.RetryMax = 3
	reads.RetryWaitMin = 200 * time.Millisecond
	reads.RetryWaitMax = 2 * time.Second
	reads.Logger = log.WithComponent("client")
	// Hand the final response back so API error bodies can be decoded.
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler

	writes := retryablehttp.NewClient()
	writes.RetryMax = 0
	writes.Logger = reads.Logger
	writes.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// pause/unpause block on the host worker
	writes.HTTPClient.Timeout = 5 * time.Minute

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		reads:   reads,
		writes:  writes,
	}
}

func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Instance(ctx context.Context, uuid string) (*instance.Instance, error) {
	var out instance.Instance
	if err := c.get(ctx, "/instances/"+uuid+"/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListLaunched(ctx context.Context, uuid string) ([]*instance.Instance, error) {
	var out []*instance.Instance
	err := c.get(ctx, "/instances/"+uuid+"/launched", &out)
	return out, err
}

func (c *Client) ListBlessed(ctx context.Context, uuid string) ([]*instance.Instance, error) {
	var out []*instance.Instance
	err := c.get(ctx, "/instances/"+uuid+"/blessed", &out)
	return out, err
}

// Register records a VM already running on a host.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*instance.Instance, error) {
	var out instance.Instance
	if err := c.post(ctx, "/instances", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Bless(ctx context.Context, uuid string) (*api.AcceptedResponse, error) {
	var out api.AcceptedResponse
	if err := c.post(ctx, "/instances/"+uuid+"/bless", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Discard(ctx context.Context, uuid string) (*api.AcceptedResponse, error) {
	var out api.AcceptedResponse
	if err := c.post(ctx, "/instances/"+uuid+"/discard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Launch(ctx context.Context, uuid string, req api.LaunchRequest) (*api.AcceptedResponse, error) {
	var out api.AcceptedResponse
	if err := c.post(ctx, "/instances/"+uuid+"/launch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pause(ctx context.Context, uuid string) (*api.ReplyResponse, error) {
	var out api.ReplyResponse
	if err := c.post(ctx, "/instances/"+uuid+"/pause", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unpause(ctx context.Context, uuid string) (*api.ReplyResponse, error) {
	var out api.ReplyResponse
	if err := c.post(ctx, "/instances/"+uuid+"/unpause", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, c.reads, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, c.writes, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", applicationJSON)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e api.ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: e.Error, Code: e.Code}
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
