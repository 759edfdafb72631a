package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/task"
)

func TestMemoryBusPreservesOrderPerSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	total := 10
	for i := 0; i < total; i++ {
		if err := b.Publish(context.Background(), Event{
			Type:   EventTaskUpdate,
			TaskID: fmt.Sprintf("task-%d", i),
		}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < total; i++ {
		select {
		case event := <-sub.C():
			if want := fmt.Sprintf("task-%d", i); event.TaskID != want {
				t.Fatalf("event %d: got %s want %s", i, event.TaskID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMemoryBusDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewMemoryBus(WithSubscriberBuffer(2))
	defer b.Close()

	slow, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer slow.Close()

	// 发布方不因慢订阅者阻塞，超出缓冲的事件被丢弃。
	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), Event{TaskID: fmt.Sprintf("task-%d", i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	received := 0
	for {
		select {
		case <-slow.C():
			received++
		default:
			if received != 2 {
				t.Fatalf("expected 2 buffered events, got %d", received)
			}
			return
		}
	}
}

func TestMemoryBusCloseEndsSubscriptions(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription channel should be closed")
	}
	if err := b.Publish(context.Background(), Event{}); xerrors.CodeOf(err) != CodeBusClosed {
		t.Fatalf("expected bus closed error, got %v", err)
	}
	if _, err := b.Subscribe(context.Background()); xerrors.CodeOf(err) != CodeBusClosed {
		t.Fatalf("expected bus closed error, got %v", err)
	}

	// 关闭后再取消订阅不应 panic。
	sub.Close()
}

func TestTaskNotifierPublishesSnapshots(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	notifier := NewTaskNotifier(b)
	notifier.Notify(context.Background(), &task.Task{
		ID:        "task-1",
		AgentName: "social",
		Status:    task.StatusExecuting,
	})

	select {
	case event := <-sub.C():
		if event.Type != EventTaskUpdate || event.TaskID != "task-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Agent != "social" || event.Status != string(task.StatusExecuting) {
			t.Fatalf("unexpected event fields: %+v", event)
		}
		snapshot, ok := event.Snapshot.(*task.Task)
		if !ok || snapshot.ID != "task-1" {
			t.Fatalf("unexpected snapshot: %+v", event.Snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTaskNotifierToleratesClosedBus(t *testing.T) {
	b := NewMemoryBus()
	_ = b.Close()

	notifier := NewTaskNotifier(b)
	// 发布失败只记录日志，不得影响任务主流程。
	notifier.Notify(context.Background(), &task.Task{ID: "task-1"})
}
