// Package blockingpool implements a bounded worker pool: a fixed
// number of goroutines drain closures submitted over a channel, so a
// caller dispatching store mutation or I/O (replication fetches, hook
// subprocess hand-offs) cannot starve the scheduler driving other
// sessions. It satisfies the single-method Spawner capability
// internal/replication defines, with an OpenTelemetry span around each
// dispatched closure (internal/obslog).
package blockingpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberlink/ember/internal/obslog"
)

// job couples a closure with the channel its result is delivered on,
// so Spawn can block the caller's goroutine without blocking the pool.
type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan<- error
}

// Pool is a fixed-size goroutine pool implementing
// replication.Spawner (and any other single-method "run this blocking
// closure elsewhere" capability in this codebase).
type Pool struct {
	jobs chan job

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New starts a Pool with size worker goroutines. size <= 0 is treated
// as 1; a pool with zero workers would deadlock every Spawn.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j.result <- p.run(id, j)
		}
	}
}

func (p *Pool) run(id int, j job) (err error) {
	ctx, end := obslog.Span(j.ctx, "blockingpool.task", obslog.Int("pool.worker", id))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("blockingpool: worker %d panicked: %v", id, r)
		}
		end(err)
	}()
	return j.fn(ctx)
}

// Spawn submits fn to run on a pool worker and blocks until it
// completes, satisfying replication.Spawner. Cancelling ctx before a
// worker picks up the job returns ctx.Err() without ever running fn;
// cancelling after dispatch relies on fn observing ctx itself.
func (p *Pool) Spawn(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := make(chan error, 1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("blockingpool: pool closed")
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight jobs to
// finish. It is safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
