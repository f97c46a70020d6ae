package sched

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Pool fans identical work across a fixed set of tasks sharing one
// behavior factory, selecting a worker round-robin per send. The runtime
// uses one to offload blocking RPC handlers off the channel dispatch path.
type Pool[M Message, R any] struct {
	id      string
	workers []Ref[M, R]
	next    atomic.Uint64
}

// NewPool spawns size workers on s, each running a behavior produced by
// newBehavior (one instance per worker, so behaviors may hold worker-local
// state).
func NewPool[M Message, R any](
	s *Scheduler, id string, size int,
	newBehavior func(worker int) Behavior[M, R],
	mailboxSize int,
) *Pool[M, R] {

	if size <= 0 {
		size = 1
	}

	workers := make([]Ref[M, R], size)
	for i := range workers {
		workers[i] = Spawn(
			s, fmt.Sprintf("%s-%d", id, i), newBehavior(i),
			mailboxSize,
		)
	}

	return &Pool[M, R]{id: id, workers: workers}
}

// ID returns the pool's identifier.
func (p *Pool[M, R]) ID() string { return p.id }

// Size returns the worker count.
func (p *Pool[M, R]) Size() int { return len(p.workers) }

// Tell sends msg to the next worker round-robin.
func (p *Pool[M, R]) Tell(ctx context.Context, msg M) {
	p.pick().Tell(ctx, msg)
}

// Ask sends msg to the next worker round-robin and returns its Future.
func (p *Pool[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	return p.pick().Ask(ctx, msg)
}

func (p *Pool[M, R]) pick() Ref[M, R] {
	n := p.next.Add(1)
	return p.workers[int(n-1)%len(p.workers)]
}
