package surface

import (
	"context"
	"sync"
)

// KeyedLock 提供按键互斥。同一个键上同一时刻只有一个持有者，
// Acquire 支持在等待期间响应 ctx 取消。
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedLock 创建键锁。
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[string]chan struct{})}
}

// Acquire 获取指定键的锁，返回释放函数。ctx 取消时放弃等待。
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockKey 组合互斥键。同一个智能体在同一个平台上的操作串行化，
// 不同组合互不阻塞。
func LockKey(agent, surface string) string {
	return agent + "/" + surface
}
