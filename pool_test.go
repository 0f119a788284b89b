package herald

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestNotificationPoolRunsSubmittedTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newNotificationPool(3)

	var count int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all submitted tasks ran")
	}
	if atomic.LoadInt32(&count) != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", count)
	}

	p.Stop()
}

func TestNotificationPoolDropsSubmissionsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newNotificationPool(1)
	p.Stop()

	var ran int32
	p.Submit(func() { atomic.AddInt32(&ran, 1) })

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected a post-Stop submission to be dropped, got ran=%d", ran)
	}
}

func TestNotificationPoolSizeReportsConfiguredWorkerCount(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newNotificationPool(4)
	defer p.Stop()
	if p.Size() != 4 {
		t.Fatalf("expected size 4, got %d", p.Size())
	}
}

func TestNotificationPoolDefaultsSizeWhenNonPositive(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newNotificationPool(0)
	defer p.Stop()
	if p.Size() != DefaultPoolSize {
		t.Fatalf("expected default size %d, got %d", DefaultPoolSize, p.Size())
	}
}
