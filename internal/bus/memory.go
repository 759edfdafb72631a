package bus

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AgentHive/internal/errors"
	"AgentHive/pkg/logger"
)

const defaultSubscriberBuffer = 64

// MemoryBus 是基于内存的事件总线，适用于单进程部署与测试。
// 每路订阅持有独立的缓冲通道，同一路订阅内的事件保持发布顺序；
// 缓冲写满时丢弃最新事件并记录日志，不阻塞发布方。
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// MemoryBusOption 配置 MemoryBus。
type MemoryBusOption func(*MemoryBus)

// WithSubscriberBuffer 设置每路订阅的缓冲大小。
func WithSubscriberBuffer(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewMemoryBus 创建内存事件总线。
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish 将事件广播给所有订阅者。
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return xerrors.New(CodeBusClosed, "memory bus 已关闭")
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			logger.L().Warn("订阅者缓冲已满，丢弃事件",
				slog.String("type", string(event.Type)),
				slog.String("task_id", event.TaskID),
			)
		}
	}
	return nil
}

// Subscribe 注册一路新订阅。
func (b *MemoryBus) Subscribe(_ context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xerrors.New(CodeBusClosed, "memory bus 已关闭")
	}
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close 关闭总线并结束所有订阅。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}

type memorySubscription struct {
	bus  *MemoryBus
	ch   chan Event
	once sync.Once
}

func (s *memorySubscription) C() <-chan Event { return s.ch }

// Close 取消订阅并关闭通道。
func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}

var _ Bus = (*MemoryBus)(nil)
