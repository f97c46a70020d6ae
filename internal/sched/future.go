package sched

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future is the read side of an asynchronous result.
type Future[T any] interface {
	// Await blocks until the result is available or ctx is done.
	Await(ctx context.Context) fn.Result[T]
}

// promise is the single-completion write side backing a Future. The first
// complete wins; later completions are dropped.
type promise[T any] struct {
	done chan struct{}
	once sync.Once

	res fn.Result[T]
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

func (p *promise[T]) complete(res fn.Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.res = res
		close(p.done)
		won = true
	})
	return won
}

func (p *promise[T]) future() Future[T] { return p }

// Await implements Future.
func (p *promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.res
	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// AskAwait sends an Ask and blocks for the reply, unpacking the Result
// into a plain (value, error) pair.
func AskAwait[M Message, R any](
	ctx context.Context, ref Ref[M, R], msg M,
) (R, error) {

	return ref.Ask(ctx, msg).Await(ctx).Unpack()
}
