package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocker_ExclusivePerKey(t *testing.T) {
	l := New[string]()

	var inside atomic.Int32
	var maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), "entity-1", func() error {
				cur := inside.Add(1)
				for {
					max := maxInside.Load()
					if cur <= max || maxInside.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder per key, saw %d", maxInside.Load())
	}
}

func TestLocker_ParallelAcrossKeys(t *testing.T) {
	l := New[string]()

	var running atomic.Int32
	var maxRunning atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), key, func() error {
				cur := running.Add(1)
				for {
					max := maxRunning.Load()
					if cur <= max || maxRunning.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	// Should have run at least 2 concurrently (different keys).
	if maxRunning.Load() < 2 {
		t.Errorf("expected concurrent execution across keys, max running was %d", maxRunning.Load())
	}
}

func TestLocker_ErrorPropagation(t *testing.T) {
	l := New[string]()

	expectedErr := errors.New("task error")
	err := l.Do(context.Background(), "key", func() error {
		return expectedErr
	})
	if err != expectedErr {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}
}

func TestLocker_Lock_Cancelled(t *testing.T) {
	l := New[string]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Lock(ctx, "key")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("expected no entries after cancelled lock, got %d", l.Len())
	}
}

func TestLocker_Lock_Timeout(t *testing.T) {
	l := New[string]()

	unlock, err := l.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "key")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	unlock()

	// The key is free again once the holder released it.
	unlock, err = l.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
}

func TestLocker_UnlockIdempotent(t *testing.T) {
	l := New[string]()

	unlock, err := l.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	unlock() // Should not block or panic.

	if l.Len() != 0 {
		t.Errorf("expected no entries, got %d", l.Len())
	}
}

func TestLocker_EntriesReleased(t *testing.T) {
	l := New[int]()

	var wg sync.WaitGroup
	var total atomic.Int32

	for i := 0; i < 100; i++ {
		key := i % 10
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), key, func() error {
				total.Add(1)
				return nil
			})
		}()
	}

	wg.Wait()

	if total.Load() != 100 {
		t.Errorf("expected 100 executions, got %d", total.Load())
	}
	if l.Len() != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", l.Len())
	}
}
