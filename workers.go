package portmon

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// workerPool runs deferred publishes off the I/O path. Each worker owns one
// bounded queue and tasks are routed by key, so tasks sharing a key run in
// submission order.
type workerPool struct {
	mu     sync.RWMutex
	queues []chan func()
	closed bool
	group  errgroup.Group
}

func newWorkerPool(workers, backlog int) *workerPool {
	p := &workerPool{queues: make([]chan func(), workers)}
	for i := range p.queues {
		tasks := make(chan func(), backlog)
		p.queues[i] = tasks
		p.group.Go(func() error {
			for task := range tasks {
				task()
			}
			return nil
		})
	}
	return p
}

// submit queues task on the worker owning key. It never blocks: a full
// backlog yields ErrBacklogFull.
func (p *workerPool) submit(key uint32, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrMonitorClosed
	}
	select {
	case p.queues[int(key%uint32(len(p.queues)))] <- task:
		return nil
	default:
		return ErrBacklogFull
	}
}

// close stops accepting tasks, runs what is already queued and waits for the
// workers to exit.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.group.Wait()
}
