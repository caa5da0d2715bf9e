// Package gateway is the submission gateway: it takes embedding requests
// already validated by the HTTP surface, hands a pending request to the
// dispatcher over its submission channel, and waits for the one-shot reply
// with an overall timeout that absorbs both batching wait time and
// upstream latency.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilot-net/embedbatch/internal/dispatcher"
)

// requestTimeoutSlack is the extra time given to a request beyond the
// configured max wait time, to absorb upstream latency on top of
// batching delay. Not currently exposed as a flag.
const requestTimeoutSlack = 30 * time.Second

// Submitter is the subset of *dispatcher.Dispatcher the gateway depends
// on.
type Submitter interface {
	Submit(ctx context.Context, req *dispatcher.PendingRequest) error
}

// ErrQueueingFailed is returned when the request could not be handed to
// the dispatcher (e.g. it has shut down).
var ErrQueueingFailed = errors.New("failed to queue request")

// ErrTimedOut is returned when no reply arrived within the overall
// timeout.
var ErrTimedOut = errors.New("request timed out")

// ErrChannelClosed is returned if the reply channel is closed without a
// value; it should not happen given dispatcher.PendingRequest's
// single-write contract, but is handled defensively.
var ErrChannelClosed = errors.New("response channel closed")

// Gateway submits validated requests to a dispatcher and awaits replies.
type Gateway struct {
	dispatcher  Submitter
	maxWaitTime time.Duration
}

// New creates a Gateway. maxWaitTime is the configured
// max_wait_time_ms, used to size the overall per-request timeout
// (maxWaitTime + requestTimeoutSlack).
func New(d Submitter, maxWaitTime time.Duration) *Gateway {
	return &Gateway{dispatcher: d, maxWaitTime: maxWaitTime}
}

// Submit builds a PendingRequest from inputs, enqueues it with the
// dispatcher, and waits for its reply. requestID is attached for
// correlation in logs and the X-Request-Id response header; it never
// affects batching. Validation of inputs (non-empty, input-count cap) is
// the HTTP surface's job. Submit assumes its caller already validated.
func (g *Gateway) Submit(ctx context.Context, requestID string, inputs []string) (dispatcher.Result, error) {
	req := dispatcher.NewPendingRequest(requestID, inputs)

	timeout := g.maxWaitTime + requestTimeoutSlack
	submitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.dispatcher.Submit(submitCtx, req); err != nil {
		return dispatcher.Result{}, fmt.Errorf("%w: %v", ErrQueueingFailed, err)
	}

	select {
	case res, ok := <-req.Reply():
		if !ok {
			return dispatcher.Result{}, ErrChannelClosed
		}
		return res, nil

	case <-submitCtx.Done():
		req.Abandon()
		return dispatcher.Result{}, ErrTimedOut
	}
}
