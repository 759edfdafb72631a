package task

import (
	"context"
	"sync"

	xerrors "AgentHive/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内任务队列，用于测试与单机运行。
type MemoryQueue struct {
	ch chan string

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。size 为缓冲大小。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将任务 ID 投递到队列。缓冲已满时阻塞，直到有空位或 ctx 取消。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(CodeTaskPublish, "内存队列已关闭")
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个工作协程消费队列，阻塞直到 ctx 取消。
// 单条任务的处理错误由 handler 自行消化，不会中断消费循环。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-q.ch:
			if !ok {
				return
			}
			_ = handler(ctx, taskID)
		}
	}
}

// Close 关闭队列。已在缓冲中的任务仍会被消费完。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
