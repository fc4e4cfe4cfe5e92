package notify

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of delivery work executed by the pool.
type Task func()

// Pool is a fixed set of worker goroutines used by bulk sends so one large
// campaign cannot spawn an unbounded number of goroutines. Unlike a
// drop-on-full queue, Submit blocks: bulk deliveries are counted, so work
// must run rather than disappear.
type Pool struct {
	queue  chan Task
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		queue:  make(chan Task, queueSize),
		logger: logger.With().Str("component", "notify_pool").Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("Delivery task panic recovered")
				}
			}()
			task()
		}()
	}
}

// Submit enqueues a task, blocking while the queue is full. Returns false
// once the context is done.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	select {
	case p.queue <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close drains the queue and stops the workers.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}
