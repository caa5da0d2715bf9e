package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/embedbatch/internal/dispatcher"
)

// fakeDispatcher lets tests control exactly what the waiting gateway
// sees, without spinning up a real Dispatcher goroutine.
type fakeDispatcher struct {
	submitErr error
	onSubmit  func(req *dispatcher.PendingRequest)
}

func (f *fakeDispatcher) Submit(ctx context.Context, req *dispatcher.PendingRequest) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	if f.onSubmit != nil {
		f.onSubmit(req)
	}
	return nil
}

func TestSubmitDeliversSuccess(t *testing.T) {
	d := &fakeDispatcher{
		onSubmit: func(req *dispatcher.PendingRequest) {
			go func() {
				// Simulate the dispatcher's async delivery.
				result := dispatcher.Result{Embeddings: [][]float32{{1, 2}}}
				deliver(req, result)
			}()
		},
	}

	g := New(d, 500*time.Millisecond)
	res, err := g.Submit(context.Background(), "req-1", []string{"hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Embeddings) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(res.Embeddings))
	}
}

func TestSubmitQueueingFailure(t *testing.T) {
	d := &fakeDispatcher{submitErr: errors.New("dispatcher gone")}
	g := New(d, 500*time.Millisecond)

	_, err := g.Submit(context.Background(), "req-1", []string{"hi"})
	if !errors.Is(err, ErrQueueingFailed) {
		t.Fatalf("err = %v, want ErrQueueingFailed", err)
	}
}

func TestSubmitTimesOut(t *testing.T) {
	d := &fakeDispatcher{} // never delivers
	g := New(d, 10*time.Millisecond)

	_, err := g.Submit(context.Background(), "req-1", []string{"hi"})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
}

// deliver is a test-only helper that reaches into the unexported reply
// channel via the package's own exported Reply()/deliver semantics by
// going through a real dispatcher batch-of-one. Since dispatcher.Result
// delivery is unexported, tests drive it through a tiny local dispatcher
// instead of reflection.
func deliver(req *dispatcher.PendingRequest, result dispatcher.Result) {
	stub := &stubInferenceClient{result: result.Embeddings}
	disp := dispatcher.New(dispatcher.Config{
		MaxBatchSize:       1,
		MaxInferenceInputs: 32,
		MaxWaitTime:        time.Millisecond,
		BatchCheckInterval: time.Millisecond,
	}, stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	if err := disp.Submit(context.Background(), req); err != nil {
		return
	}
	// Wait until the batch has been emitted; its delivery runs in its own
	// goroutine and does not depend on ctx. Reading req.Reply() here would
	// compete with the gateway for the single reply value.
	for disp.BatchesEmitted() == 0 {
		time.Sleep(time.Millisecond)
	}
}

type stubInferenceClient struct {
	result [][]float32
}

func (s *stubInferenceClient) Call(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		if i < len(s.result) {
			out[i] = s.result[i]
		} else {
			out[i] = []float32{0}
		}
	}
	return out, nil
}
