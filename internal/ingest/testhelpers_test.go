package ingest

import (
	"context"
	"testing"
	"time"
)

func testContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// waitForQueueDrain polls until the ingest queue has been fully
// consumed or fails the test after a short deadline. The consumer
// runs on its own goroutine in these tests, so there is no other
// synchronous signal to wait on.
func waitForQueueDrain(t *testing.T, in *Ingest) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if in.QueueLen() == 0 {
			time.Sleep(5 * time.Millisecond) // let dispatch finish after dequeue
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for ingest queue to drain")
}
