package dispatcher

import (
	"sync/atomic"
	"time"
)

// BatchType identifies which trigger caused a batch to be emitted.
type BatchType string

const (
	// MaxBatchSize means the batch was emitted because the queue reached
	// the configured size cap.
	MaxBatchSize BatchType = "max_batch_size"
	// MaxWaitTimeMs means the batch was emitted because the oldest
	// pending request's age reached the configured wait-time cap.
	MaxWaitTimeMs BatchType = "max_wait_time_ms"
)

// BatchInfo is optional per-batch diagnostic metadata attached to each
// response in a batch when include_batch_info is enabled.
type BatchInfo struct {
	BatchID          uint64    `json:"batch_id"`
	BatchType        BatchType `json:"batch_type"`
	BatchSize        int       `json:"batch_size"`
	BatchWaitTimeMs  *uint64   `json:"batch_wait_time_ms,omitempty"`
	InferenceTimeMs  float64   `json:"inference_time_ms"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// clone returns a shallow copy so each delivered response gets its own
// BatchInfo value (ProcessingTimeMs differs per request).
func (b *BatchInfo) clone() *BatchInfo {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// Result is what the dispatcher delivers to a waiter: either a set of
// embeddings (one per submitted input, in order) or a client-facing
// error with the HTTP status it should be surfaced as.
type Result struct {
	Embeddings [][]float32
	BatchInfo  *BatchInfo
	Err        error
	StatusCode int // meaningful only when Err != nil
}

// PendingRequest is the unit of work held in the dispatcher's queue.
type PendingRequest struct {
	RequestID  string
	Inputs     []string
	ReceivedAt time.Time
	reply      chan Result
	abandoned  atomic.Bool
}

// NewPendingRequest builds a PendingRequest with a ready-to-receive reply
// channel. The channel is buffered by 1 so the dispatcher's delivery
// write never blocks on an abandoned waiter.
func NewPendingRequest(requestID string, inputs []string) *PendingRequest {
	return &PendingRequest{
		RequestID:  requestID,
		Inputs:     inputs,
		ReceivedAt: time.Now(),
		reply:      make(chan Result, 1),
	}
}

// Reply returns the receive side of the single-shot reply channel.
func (p *PendingRequest) Reply() <-chan Result {
	return p.reply
}

// Abandon marks the request as given up on by its waiter (e.g. the
// gateway's overall timeout fired first). It does not cancel anything
// in flight: the upstream call, if any, still runs to completion. It
// only lets deliver distinguish a wasted delivery from a useful one for
// logging.
func (p *PendingRequest) Abandon() {
	p.abandoned.Store(true)
}

// deliver writes the result exactly once and reports whether the waiter
// had already abandoned the request. It never blocks: the channel is
// always buffered by 1, so even an abandoned waiter absorbs the write.
func (p *PendingRequest) deliver(r Result) (wasAbandoned bool) {
	p.reply <- r
	return p.abandoned.Load()
}
