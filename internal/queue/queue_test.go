package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestCompletesTask(t *testing.T) {
	q := New(2, 16, fastPolicy(3), zerolog.Nop())

	var got atomic.Int64
	q.Register("add", func(ctx context.Context, payload json.RawMessage) error {
		var n int64
		if err := json.Unmarshal(payload, &n); err != nil {
			return Terminal(err)
		}
		got.Add(n)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue("add", 2); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return q.Stats().Completed == 5 })
	if got.Load() != 10 {
		t.Errorf("sum=%d, want 10", got.Load())
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	q := New(1, 4, fastPolicy(1), zerolog.Nop())
	if _, err := q.Enqueue("nope", nil); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("want ErrUnknownTaskType, got %v", err)
	}
}

func TestBoundedBuffer(t *testing.T) {
	q := New(1, 2, fastPolicy(1), zerolog.Nop())
	q.Register("noop", func(ctx context.Context, _ json.RawMessage) error { return nil })

	// Not started: tasks pile up in the buffer.
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue("noop", nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue("noop", nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("want ErrQueueFull, got %v", err)
	}
}

// TestBoundedRetry verifies an always-failing handler is retried exactly
// MaxRetries times, then moved to FAILED with the last error retained.
func TestEnqueueReturnsDetachedCopy(t *testing.T) {
	q := New(2, 16, fastPolicy(3), zerolog.Nop())

	var calls atomic.Int64
	q.Register("flaky", func(ctx context.Context, _ json.RawMessage) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	task, err := q.Enqueue("flaky", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Read the returned task concurrently with the workers' retry mutations;
	// a shared pointer would race here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for calls.Load() < 3 {
			if _, err := json.Marshal(task); err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
		}
	}()

	waitFor(t, time.Second, func() bool { return q.Stats().Completed == 1 })
	<-done

	// The copy reflects the task as accepted, not the worker's progress.
	if task.Status != StatusPending {
		t.Errorf("returned task status = %s, want %s", task.Status, StatusPending)
	}
	if task.RetryCount != 0 {
		t.Errorf("returned task retry count = %d, want 0", task.RetryCount)
	}
}

func TestFailedReturnsCopies(t *testing.T) {
	q := New(1, 4, fastPolicy(0), zerolog.Nop())
	q.Register("doomed", func(ctx context.Context, _ json.RawMessage) error {
		return errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue("doomed", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Stats().Failed == 1 })

	first := q.Failed()
	first[0].Error = "mutated by caller"

	if got := q.Failed()[0].Error; got != "always fails" {
		t.Errorf("retained error = %q, want %q", got, "always fails")
	}
}

func TestBoundedRetry(t *testing.T) {
	const maxRetries = 3
	q := New(1, 16, fastPolicy(maxRetries), zerolog.Nop())

	var calls atomic.Int64
	q.Register("explode", func(ctx context.Context, _ json.RawMessage) error {
		calls.Add(1)
		return errors.New("venue unreachable")
	})

	var failed atomic.Int64
	q.OnFailure(func(*Task) { failed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	task, err := q.Enqueue("explode", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Failed == 1 })

	if n := calls.Load(); n != maxRetries+1 {
		t.Errorf("handler called %d times, want %d (1 initial + %d retries)", n, maxRetries+1, maxRetries)
	}
	if failed.Load() != 1 {
		t.Errorf("failure callback fired %d times, want 1", failed.Load())
	}

	failedTasks := q.Failed()
	if len(failedTasks) != 1 {
		t.Fatalf("failed list len=%d, want 1", len(failedTasks))
	}
	ft := failedTasks[0]
	if ft.ID != task.ID || ft.Status != StatusFailed {
		t.Errorf("failed task id=%s status=%s", ft.ID, ft.Status)
	}
	if ft.Error != "venue unreachable" {
		t.Errorf("retained error=%q, want last handler error", ft.Error)
	}
	if ft.RetryCount != maxRetries {
		t.Errorf("retry_count=%d, want %d", ft.RetryCount, maxRetries)
	}
}

func TestTerminalErrorSkipsRetry(t *testing.T) {
	q := New(1, 16, fastPolicy(5), zerolog.Nop())

	var calls atomic.Int64
	q.Register("bad-input", func(ctx context.Context, _ json.RawMessage) error {
		calls.Add(1)
		return Terminal(errors.New("quantity must be positive"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue("bad-input", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return q.Stats().Failed == 1 })
	if calls.Load() != 1 {
		t.Errorf("terminal error retried: %d calls", calls.Load())
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d)=%v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestGracefulStop(t *testing.T) {
	q := New(2, 16, fastPolicy(1), zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	q.Register("slow", func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	if _, err := q.Enqueue("slow", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	// Cancel while the handler is in flight; Stop must wait for it.
	cancel()
	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after handler finished")
	}

	if q.Stats().Completed != 1 {
		t.Errorf("in-flight task not completed before shutdown")
	}
}
