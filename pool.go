package herald

import (
	"sync"

	"github.com/gammazero/workerpool"
)

// DefaultPoolSize is the default listener-notification worker count.
const DefaultPoolSize = 5

// notificationPool runs listener callbacks and post onReply/onError
// callbacks off the transport receive thread. On Stop, in-flight tasks
// finish but the queue is drained without running anything still waiting,
// so blocked waiters are released quickly on shutdown.
type notificationPool struct {
	wp *workerpool.WorkerPool

	mu       sync.Mutex
	draining bool
}

func newNotificationPool(size int) *notificationPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &notificationPool{wp: workerpool.New(size)}
}

// Submit enqueues task unless the pool is already draining.
func (p *notificationPool) Submit(task func()) {
	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()

	if draining {
		return
	}
	p.wp.Submit(task)
}

// Stop drains the pool: queued-but-not-started tasks are discarded, tasks
// already running are allowed to finish.
func (p *notificationPool) Stop() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	p.wp.Stop()
}

// Size reports the configured worker count.
func (p *notificationPool) Size() int {
	return p.wp.Size()
}
