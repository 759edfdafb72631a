package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentHive/internal/errors"
)

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []*Task
}

func (n *recordingNotifier) Notify(_ context.Context, snapshot *Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, snapshot)
}

func (n *recordingNotifier) statuses() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Status, len(n.snapshots))
	for i, s := range n.snapshots {
		out[i] = s.Status
	}
	return out
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceCreateAssignsID(t *testing.T) {
	service := NewService(NewMemoryStore(), nil, nil)

	sample := &Task{Command: "post a tweet about ai"}
	if err := service.Create(context.Background(), sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sample.ID == "" {
		t.Fatal("expected generated task id")
	}

	if err := service.Create(context.Background(), &Task{Command: "   "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error for empty command, got %v", err)
	}
}

func TestServiceNotifiesInUpdateOrder(t *testing.T) {
	notifier := &recordingNotifier{}
	service := NewService(NewMemoryStore(), nil, notifier)
	ctx := context.Background()

	sample := &Task{Command: "demo"}
	if err := service.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, status := range []Status{StatusIntentParsed, StatusPlanCreated, StatusExecuting} {
		if _, err := service.Apply(ctx, sample.ID, Update{Status: status}); err != nil {
			t.Fatalf("apply %s: %v", status, err)
		}
	}
	if _, err := service.Apply(ctx, sample.ID, Update{
		Status: StatusCompleted,
		Result: &Result{Summary: "done", Verified: true},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := []Status{StatusReceived, StatusIntentParsed, StatusPlanCreated, StatusExecuting, StatusCompleted}
	got := notifier.statuses()
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestServiceEnqueueWrapsProducerError(t *testing.T) {
	service := NewService(NewMemoryStore(), failingProducer{}, nil)

	err := service.Enqueue(context.Background(), "task-1")
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error code, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("publish failures should be retryable")
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	service := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	sample := &Task{Command: "demo"}
	if err := service.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = service.Apply(context.Background(), sample.ID, Update{
			Status:  StatusFailed,
			Failure: &Failure{Kind: "PLANNING_ERROR", Message: "boom"},
		})
	}()

	got, err := service.WaitUntilCompleted(ctx, sample.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", got.Status)
	}

	t.Run("caller timeout", func(t *testing.T) {
		pending := &Task{Command: "slow"}
		if err := service.Create(ctx, pending); err != nil {
			t.Fatalf("create: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := service.WaitUntilCompleted(waitCtx, pending.ID, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})
}
