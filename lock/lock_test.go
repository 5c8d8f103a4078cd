package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockID_DeterministicAndPositive(t *testing.T) {
	a := LockID("module:users")
	b := LockID("module:users")
	c := LockID("module:orders")

	if a != b {
		t.Errorf("same key produced different ids: %d vs %d", a, b)
	}
	if a == c {
		t.Errorf("distinct keys should not collide: %d", a)
	}
	if a < 0 || c < 0 {
		t.Errorf("lock ids must be non-negative: %d, %d", a, c)
	}
}

func TestInProcessLock_MutualExclusion(t *testing.T) {
	l := NewInProcessLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := l.Acquire(ctx, "k")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestInProcessLock_IndependentKeys(t *testing.T) {
	l := NewInProcessLock()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := l.Acquire(ctx, "b")
		if err != nil {
			t.Errorf("acquire b: %v", err)
		} else {
			r2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind another key's lock")
	}
}

func TestInProcessLock_ContextCancellation(t *testing.T) {
	l := NewInProcessLock()

	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx, "k"); err == nil {
		t.Fatal("expected context error while lock is held")
	}
}

func TestInProcessLock_SerializesCounter(t *testing.T) {
	l := NewInProcessLock()
	ctx := context.Background()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "counter")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Errorf("expected 20 serialized increments, got %d", counter)
	}
}

func TestInProcessLock_ReleaseIdempotent(t *testing.T) {
	l := NewInProcessLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second call must be a no-op

	r2, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("reacquire after double release: %v", err)
	}
	r2()
}

func TestNoopLock(t *testing.T) {
	var l NoopLock

	release, err := l.Acquire(context.Background(), "anything")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "anything"); err == nil {
		t.Error("expected error from cancelled context")
	}
}
