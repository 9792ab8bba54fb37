package worker

import (
	"context"
	"testing"
	"time"

	"github.com/streamhive/backend/pkg/queue"
)

// blockingQueue mimics BLPop: it blocks until the context is cancelled and
// then surfaces the context error.
type blockingQueue struct{}

func (q *blockingQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func (q *blockingQueue) Retry(context.Context, *queue.Job) error { return nil }

func TestRunStopsPromptlyOnShutdown(t *testing.T) {
	p := NewVodProcessor(nil, nil, nil, &blockingQueue{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation, still in retry backoff")
	}
}
