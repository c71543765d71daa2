// Package rest implements the HTTP client used by a node session to talk to
// one remote audio server's REST control plane. It owns request
// construction, authorization, JSON (de)serialization, and the >299 error
// mapping — matching the teacher's own choice of plain net/http over a REST
// framework.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwc-audio/jwc/proto"
)

// Error is returned for any response with status > 299. Callers may
// errors.As it to inspect Status, e.g. to distinguish a missing player
// (404) from a genuine failure.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rest: status %d: %s", e.Status, e.Message)
}

// Codec abstracts JSON (de)serialization so it can be injected at
// construction and swapped in tests, avoiding a shared global json mapper —
// one of the "global-state traps" called out in the project's design notes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// StdCodec is the default Codec, backed by encoding/json.
type StdCodec struct{}

func (StdCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (StdCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Client issues authenticated REST calls against one remote audio server.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
	codec      Codec
	observe    func(method string, duration time.Duration, err error)
}

// New returns a Client for baseURL (e.g. "https://host:port"), attaching
// Authorization: password to every request, and enforcing timeout as the
// per-call wall-clock budget.
func New(baseURL, password string, timeout time.Duration, codec Codec) *Client {
	if codec == nil {
		codec = StdCodec{}
	}
	return &Client{
		baseURL:  baseURL,
		password: password,
		codec:    codec,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport,
		},
	}
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// SetObserver registers fn to be called once per completed request with the
// HTTP method, call duration, and any error, letting a caller instrument
// every REST call this client makes without this package depending on a
// particular metrics backend.
func (c *Client) SetObserver(fn func(method string, duration time.Duration, err error)) {
	c.observe = fn
}

// Get issues a GET request and decodes a 2xx JSON body into out. out may be
// nil to discard the body (e.g. a 204 response).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Patch issues a PATCH with a JSON-encoded body and decodes a 2xx JSON
// response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, body, out)
}

// Delete issues a DELETE request, expecting 204.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (err error) {
	if c.observe != nil {
		start := time.Now()
		defer func() { c.observe(method, time.Since(start), err) }()
	}

	var reader io.Reader
	if body != nil {
		var encoded []byte
		encoded, err = c.codec.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode > 299 {
		var apiErr proto.Error
		if uerr := c.codec.Unmarshal(data, &apiErr); uerr == nil && apiErr.Message != "" {
			return &Error{Status: resp.StatusCode, Message: apiErr.Message}
		}
		return &Error{Status: resp.StatusCode, Message: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := c.codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}

// TransportError wraps an underlying IO failure: connect failure, timeout,
// EOF. The root package re-exports it as jwc.TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rest: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
