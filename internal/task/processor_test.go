package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	executed atomic.Int32
	latency  time.Duration
	run      func(ctx context.Context, t *Task) error
}

func (f *fakeRunner) Run(ctx context.Context, t *Task) error {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.executed.Add(1)
	if f.run != nil {
		return f.run(ctx, t)
	}
	return nil
}

func startProcessor(t *testing.T, runner Runner, service *Service, queue *MemoryQueue, opts ...ProcessorOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	processor := NewProcessor(runner, service, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func waitForTerminal(t *testing.T, service *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("task %s did not reach terminal state: %v", id, err)
	}
	return got
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	queue := NewMemoryQueue(256)
	service := NewService(NewMemoryStore(), queue, nil)
	runner := &fakeRunner{latency: 5 * time.Millisecond}
	runner.run = func(ctx context.Context, task *Task) error {
		_, err := service.Apply(ctx, task.ID, Update{
			Status: StatusCompleted,
			Result: &Result{Summary: "ok", Verified: true},
		})
		return err
	}
	startProcessor(t, runner, service, queue, WithWorkerCount(8))

	ctx := context.Background()
	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		sample := &Task{Command: fmt.Sprintf("command-%d", i)}
		if err := service.Create(ctx, sample); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		if err := service.Enqueue(ctx, sample.ID); err != nil {
			t.Fatalf("任务入队失败: %v", err)
		}
		ids = append(ids, sample.ID)
	}

	for _, id := range ids {
		if got := waitForTerminal(t, service, id); got.Status != StatusCompleted {
			t.Fatalf("task %s: unexpected status %s", id, got.Status)
		}
	}
	if int(runner.executed.Load()) != total {
		t.Fatalf("expected %d executions, got %d", total, runner.executed.Load())
	}
}

func TestProcessorRecoversPanicAsInternalError(t *testing.T) {
	queue := NewMemoryQueue(16)
	service := NewService(NewMemoryStore(), queue, nil)
	runner := &fakeRunner{run: func(context.Context, *Task) error {
		panic("plan exploded")
	}}
	startProcessor(t, runner, service, queue)

	ctx := context.Background()
	sample := &Task{Command: "demo"}
	if err := service.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.Enqueue(ctx, sample.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForTerminal(t, service, sample.ID)
	if got.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "INTERNAL_ERROR" {
		t.Fatalf("unexpected failure: %+v", got.Error)
	}
}

func TestProcessorFailsTaskWhenRunnerLeavesItUnmarked(t *testing.T) {
	queue := NewMemoryQueue(16)
	service := NewService(NewMemoryStore(), queue, nil)
	runner := &fakeRunner{run: func(context.Context, *Task) error {
		return errors.New("runner gave up before marking the task")
	}}
	startProcessor(t, runner, service, queue)

	ctx := context.Background()
	sample := &Task{Command: "demo"}
	if err := service.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.Enqueue(ctx, sample.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForTerminal(t, service, sample.ID)
	if got.Status != StatusFailed || got.Error == nil || got.Error.Kind != "INTERNAL_ERROR" {
		t.Fatalf("unexpected terminal state: %+v", got)
	}
}

func TestProcessorSkipsTerminalTasks(t *testing.T) {
	queue := NewMemoryQueue(16)
	service := NewService(NewMemoryStore(), queue, nil)
	runner := &fakeRunner{}
	startProcessor(t, runner, service, queue)

	ctx := context.Background()
	sample := &Task{Command: "demo"}
	if err := service.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Apply(ctx, sample.ID, Update{
		Status:  StatusFailed,
		Failure: &Failure{Kind: "PLANNING_ERROR", Message: "no agent"},
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := service.Enqueue(ctx, sample.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if runner.executed.Load() != 0 {
		t.Fatalf("terminal task should not be executed, ran %d times", runner.executed.Load())
	}
}
