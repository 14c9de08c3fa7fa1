package convert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func() error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("pool allowed %d concurrent executions, want <= 2", got)
	}
}

func TestWorkerPoolRunCancel(t *testing.T) {
	pool := NewWorkerPool(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Run(ctx, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error while pool is full, got %v", err)
	}
	close(release)
}

func TestWorkerPoolPropagatesError(t *testing.T) {
	pool := NewWorkerPool(1)
	wantErr := errors.New("conversion failed")
	if err := pool.Run(context.Background(), func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWorkerPoolMinimumSize(t *testing.T) {
	if size := NewWorkerPool(0).Size(); size != 1 {
		t.Fatalf("unexpected minimum size: %d", size)
	}
	if size := NewWorkerPool(5).Size(); size != 5 {
		t.Fatalf("unexpected size: %d", size)
	}
}
