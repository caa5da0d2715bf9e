// Package dispatcher implements the batching dispatcher: the single
// goroutine that owns the pending-request queue, decides when a batch is
// ready under two independent triggers (queue size, oldest-request age),
// assembles batches that respect the upstream's input-count limit, and
// demultiplexes each batch's flat upstream response back to the waiters
// that contributed to it.
//
// The pending queue is never shared: it is mutated only inside Run's
// loop, which is the sole consumer of the submission channel. All other
// communication in and out of the dispatcher is by channel, not by lock,
// the same "single owner task, message passing only" shape used
// throughout this codebase's other background loops.
package dispatcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pilot-net/embedbatch/internal/inference"
)

// InferenceClient is the subset of *inference.Client the dispatcher
// depends on, so tests can substitute a stub.
type InferenceClient interface {
	Call(ctx context.Context, inputs []string) ([][]float32, error)
}

// Config configures a Dispatcher. All fields are required except
// IncludeBatchInfo. The logger is passed to New separately and may be nil.
type Config struct {
	MaxBatchSize       int
	MaxInferenceInputs int
	MaxWaitTime        time.Duration
	BatchCheckInterval time.Duration
	IncludeBatchInfo   bool
}

// Dispatcher owns the pending queue and drives the two-trigger batching
// decision: a size trigger evaluated on arrival and an age trigger
// evaluated after every loop iteration.
type Dispatcher struct {
	cfg    Config
	client InferenceClient
	logger *slog.Logger

	submissions chan *PendingRequest
	queue       []*PendingRequest

	batchCounter atomic.Uint64
	queueDepth   atomic.Int64
}

// New creates a Dispatcher. The submission channel is buffered
// (4x MaxBatchSize) purely to absorb momentary bursts without parking
// producer goroutines; it does not change the dispatcher's unbounded-
// admission semantics since nothing ever rejects on a full channel.
func New(cfg Config, client InferenceClient, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:         cfg,
		client:      client,
		logger:      logger.With("component", "dispatcher"),
		submissions: make(chan *PendingRequest, cfg.MaxBatchSize*4),
	}
	d.batchCounter.Store(0)
	return d
}

// Submit hands a PendingRequest to the dispatcher. It returns an error
// only if ctx is done before the request could be enqueued. Callers
// treat that the same as "dispatcher gone".
func (d *Dispatcher) Submit(ctx context.Context, req *PendingRequest) error {
	select {
	case d.submissions <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the dispatcher's main loop. It blocks until ctx is cancelled.
// Only this goroutine ever touches d.queue.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.BatchCheckInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"max_batch_size", d.cfg.MaxBatchSize,
		"max_wait_time", d.cfg.MaxWaitTime,
		"batch_check_interval", d.cfg.BatchCheckInterval,
		"max_inference_inputs", d.cfg.MaxInferenceInputs,
	)

	for {
		select {
		case req := <-d.submissions:
			d.queue = append(d.queue, req)
			d.queueDepth.Store(int64(len(d.queue)))
			d.logger.Debug("request enqueued", "request_id", req.RequestID, "inputs", len(req.Inputs), "queue_depth", len(d.queue))
			if len(d.queue) >= d.cfg.MaxBatchSize {
				d.processPending(MaxBatchSize)
			}

		case <-ticker.C:
			// strictly a wakeup; the decision below is solely age-based.

		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "queue_depth", len(d.queue))
			return
		}

		// Runs after every branch above, so a single straggler whose
		// deadline has passed is drained on the next tick without
		// needing another arrival.
		d.checkAgeTrigger()
	}
}

// QueueDepth reports the pending queue length as of the last enqueue or
// drain. Safe to call from any goroutine: it reads an atomic counter kept
// in step with d.queue rather than the slice itself, so internal/
// diagnostics can poll it from the HTTP goroutine without synchronizing
// with the dispatcher loop.
func (d *Dispatcher) QueueDepth() int {
	return int(d.queueDepth.Load())
}

// BatchesEmitted returns the number of batches emitted so far.
func (d *Dispatcher) BatchesEmitted() uint64 {
	return d.batchCounter.Load()
}

func (d *Dispatcher) checkAgeTrigger() {
	if len(d.queue) == 0 {
		return
	}
	oldest := d.queue[0]
	if time.Since(oldest.ReceivedAt) >= d.cfg.MaxWaitTime {
		d.processPending(MaxWaitTimeMs)
	}
}

// processPending drains the queue by emitting as many safe batches as
// possible for this trigger. Each batch's upstream call runs in its own
// goroutine; processPending does not wait for them, so successive
// batches may be in flight concurrently.
func (d *Dispatcher) processPending(trigger BatchType) {
	for len(d.queue) > 0 {
		batch := d.buildSafeBatch()
		if len(batch) == 0 {
			// The only way this happens is a head request alone
			// exceeding MaxInferenceInputs, which the edge layer is
			// supposed to prevent. Don't spin: log and leave the head
			// in place until external action (a deploy, a restart)
			// clears it.
			d.logger.Error("build_safe_batch returned empty with requests pending",
				"queue_depth", len(d.queue),
				"head_inputs", len(d.queue[0].Inputs),
			)
			return
		}

		batchID := d.batchCounter.Add(1)
		var info *BatchInfo
		if d.cfg.IncludeBatchInfo {
			info = &BatchInfo{
				BatchID:   batchID,
				BatchType: trigger,
				BatchSize: len(batch),
			}
			if trigger == MaxWaitTimeMs {
				waitMs := uint64(d.cfg.MaxWaitTime / time.Millisecond)
				info.BatchWaitTimeMs = &waitMs
			}
		}

		d.logger.Info("batch emitted", "batch_id", batchID, "batch_type", trigger, "batch_size", len(batch))
		go d.processBatch(batch, info)
	}
}

// buildSafeBatch greedily takes a prefix of the queue that satisfies both
// MaxBatchSize and MaxInferenceInputs, removes it from the queue, and
// returns it in submission order.
func (d *Dispatcher) buildSafeBatch() []*PendingRequest {
	count := 0
	inputsSum := 0

	for _, req := range d.queue {
		if count+1 > d.cfg.MaxBatchSize || inputsSum+len(req.Inputs) > d.cfg.MaxInferenceInputs {
			break
		}
		count++
		inputsSum += len(req.Inputs)
	}

	batch := d.queue[:count]
	d.queue = d.queue[count:]
	d.queueDepth.Store(int64(len(d.queue)))
	return batch
}

// processBatch issues the upstream call for batch and demultiplexes the
// flat result back to each request's reply channel.
func (d *Dispatcher) processBatch(batch []*PendingRequest, info *BatchInfo) {
	start := time.Now()

	flat := make([]string, 0, d.cfg.MaxInferenceInputs)
	for _, req := range batch {
		flat = append(flat, req.Inputs...)
	}

	ctx := context.Background()
	embeddings, err := d.client.Call(ctx, flat)
	inferenceTimeMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		d.deliverError(batch, err)
		return
	}

	if info != nil {
		info.InferenceTimeMs = inferenceTimeMs
	}

	offset := 0
	for _, req := range batch {
		n := len(req.Inputs)
		var embedding [][]float32
		if offset+n <= len(embeddings) {
			embedding = embeddings[offset : offset+n]
		} else {
			// Upstream returned fewer rows than declared; keep the
			// alignment of the requests behind this one intact and
			// give this one an empty result.
			embedding = [][]float32{}
		}
		offset += n

		result := Result{Embeddings: embedding, BatchInfo: info.clone()}
		if result.BatchInfo != nil {
			result.BatchInfo.ProcessingTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
		}

		if abandoned := req.deliver(result); abandoned {
			d.logger.Warn("delivery to abandoned waiter", "request_id", req.RequestID)
		}
	}
}

func (d *Dispatcher) deliverError(batch []*PendingRequest, err error) {
	d.logger.Error("batch processing failed", "error", err, "batch_size", len(batch))

	statusCode := 500
	if ierr, ok := err.(*inference.Error); ok {
		statusCode = ierr.StatusCode()
	}

	for _, req := range batch {
		result := Result{Err: err, StatusCode: statusCode}
		if abandoned := req.deliver(result); abandoned {
			d.logger.Warn("error delivery to abandoned waiter", "request_id", req.RequestID)
		}
	}
}
