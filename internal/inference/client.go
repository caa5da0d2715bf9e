// Package inference provides the RPC client for the upstream
// vector-embedding inference service.
//
// The client is stateless beyond its configured URL, timeout, and
// optional rate limiter: it is safe to call concurrently from many
// goroutines, which is exactly how the dispatcher uses it (one call per
// in-flight batch).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Kind identifies the category of a failed upstream call.
type Kind int

const (
	// KindNetwork is a transport-level failure: DNS, connect, timeout, reset.
	KindNetwork Kind = iota
	// KindHTTP is a non-2xx response from the upstream service.
	KindHTTP
	// KindParse is a response body that is not a valid array of number arrays.
	KindParse
)

// Error is the typed failure returned by Client.Call.
type Error struct {
	Kind   Kind
	Status int    // set only when Kind == KindHTTP
	Body   string // set only when Kind == KindHTTP
	Err    error  // underlying error, set for KindNetwork and KindParse
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("Network error: %v", e.Err)
	case KindHTTP:
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
	case KindParse:
		return fmt.Sprintf("Parse error: %v", e.Err)
	default:
		return "unknown inference error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error to the HTTP status the dispatcher should
// surface to every client in the affected batch.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindHTTP:
		switch {
		case e.Status >= 400 && e.Status <= 499:
			return http.StatusBadRequest
		case e.Status >= 500 && e.Status <= 599:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	case KindParse:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// request is the wire shape POSTed to the upstream service.
type request struct {
	Inputs []string `json:"inputs"`
}

// Client calls the upstream inference service.
type Client struct {
	httpClient *http.Client
	url        string
	limiter    *rate.Limiter // nil when unlimited
}

// Config configures a Client.
type Config struct {
	URL          string
	Timeout      time.Duration
	RateLimitRPS float64      // 0 disables the limiter
	HTTPClient   *http.Client // optional, for tests
}

// New creates a Client. A nil HTTPClient in cfg is replaced with one
// scoped to cfg.Timeout, matching shipper.NewShipper's "supply your own
// or get a sane default" pattern.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	return &Client{
		httpClient: httpClient,
		url:        cfg.URL,
		limiter:    limiter,
	}
}

// Call sends inputs to the upstream service and returns the flat list of
// embeddings, one per input, in the same order. The returned slice's
// length may not equal len(inputs) if the upstream misbehaves; callers
// must handle that defensively.
func (c *Client) Call(ctx context.Context, inputs []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindNetwork, Err: err}
		}
	}

	body, err := json.Marshal(request{Inputs: inputs})
	if err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Body: string(respBody)}
	}

	var embeddings [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}

	return embeddings, nil
}
