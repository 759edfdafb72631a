package surface

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(ctx, LockKey("hannah", "x"))
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected at most 1 concurrent holder, observed %d", got)
	}
}

func TestKeyedLockDistinctKeysDoNotBlock(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	releaseA, err := lock.Acquire(ctx, LockKey("hannah", "x"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		defer close(done)
		releaseB, err := lock.Acquire(ctx, LockKey("allisson", "x"))
		if err != nil {
			t.Errorf("acquire failed: %v", err)
			return
		}
		releaseB()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("distinct key acquisition blocked")
	}
}

func TestKeyedLockAcquireHonorsContext(t *testing.T) {
	lock := NewKeyedLock()
	release, err := lock.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx, "k"); err == nil {
		t.Fatalf("expected context error while lock is held")
	}
}
