package sched

import (
	"context"
	"iter"
	"sync"
)

// envelope pairs a message with the asking caller's promise (nil for
// tells) and context.
type envelope[M Message, R any] struct {
	msg       M
	promise   *promise[R]
	callerCtx context.Context
}

// mailbox is a bounded FIFO queue feeding a single drain goroutine. Sends
// may race from any goroutine; receive and flush belong to the owning
// task only.
type mailbox[M Message, R any] struct {
	ch     chan envelope[M, R]
	ctx    context.Context
	closed chan struct{}
	once   sync.Once
}

func newMailbox[M Message, R any](
	ctx context.Context, size int,
) *mailbox[M, R] {

	if size < 0 {
		size = 0
	}
	return &mailbox[M, R]{
		ch:     make(chan envelope[M, R], size),
		ctx:    ctx,
		closed: make(chan struct{}),
	}
}

// send enqueues env, blocking until accepted, the caller's ctx is done, or
// the mailbox closes. Reports whether the envelope was accepted.
func (m *mailbox[M, R]) send(ctx context.Context, env envelope[M, R]) bool {
	select {
	case <-m.closed:
		return false
	default:
	}

	select {
	case m.ch <- env:
		return true
	case <-m.closed:
		return false
	case <-m.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// receive iterates queued envelopes until the mailbox closes or the task
// context cancels.
func (m *mailbox[M, R]) receive() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		for {
			select {
			case env := <-m.ch:
				if !yield(env) {
					return
				}
			case <-m.closed:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// flush drains whatever is still queued after close, so pending asks can
// be failed rather than abandoned.
func (m *mailbox[M, R]) flush() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		for {
			select {
			case env := <-m.ch:
				if !yield(env) {
					return
				}
			default:
				return
			}
		}
	}
}

func (m *mailbox[M, R]) close() {
	m.once.Do(func() { close(m.closed) })
}
