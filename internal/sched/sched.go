// Package sched is the in-process cooperative scheduler every actor
// process runs on. Each scheduled task owns a bounded mailbox and a single
// goroutine that drains it, so all state a task guards is mutated from
// exactly one goroutine — the runtime's statespace, the arbiter's registry
// table, and the debug mutex queue all lean on that discipline instead of
// raw mutexes.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrTaskStopped indicates an operation failed because the target task was
// already stopped or the scheduler is shutting down.
var ErrTaskStopped = errTaskStopped{}

type errTaskStopped struct{}

func (errTaskStopped) Error() string { return "sched: task stopped" }

// BaseMessage can be embedded in message types defined outside this
// package to satisfy the sealed Message interface.
type BaseMessage struct{}

func (BaseMessage) messageMarker() {}

// Message is the sealed interface every mailbox message implements, by
// embedding BaseMessage. MessageType names the message for log output.
type Message interface {
	messageMarker()

	// MessageType returns a short routing name for the message.
	MessageType() string
}

// Behavior is the strategy a task runs for each dequeued message. Receive
// is never invoked concurrently with itself for the same task: the mailbox
// serialises. The context cancels when either the scheduler shuts down or
// the asking caller's deadline expires.
type Behavior[M Message, R any] interface {
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// BehaviorFunc adapts a plain function into a Behavior.
type BehaviorFunc[M Message, R any] func(context.Context, M) fn.Result[R]

// Receive implements Behavior.
func (f BehaviorFunc[M, R]) Receive(
	ctx context.Context, msg M,
) fn.Result[R] {

	return f(ctx, msg)
}

// Stoppable is an optional interface a Behavior can implement to release
// resources when its task stops. OnStop runs after the drain loop exits,
// bounded by a cleanup deadline.
type Stoppable interface {
	OnStop(ctx context.Context) error
}

// Ref is a handle to a scheduled task supporting fire-and-forget sends and
// request-response asks.
type Ref[M Message, R any] interface {
	// ID returns the task's unique identifier within its scheduler.
	ID() string

	// Tell enqueues msg without waiting for a response. The message may
	// be dropped if ctx is done or the task has stopped.
	Tell(ctx context.Context, msg M)

	// Ask enqueues msg and returns a Future completed with the task's
	// reply, or with an error if the task stops first.
	Ask(ctx context.Context, msg M) Future[R]
}

// Scheduler owns a set of tasks and their lifecycle. Shutdown cancels
// every task's drain loop and blocks until all task goroutines exit.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	stops []func()

	wg sync.WaitGroup
}

// NewScheduler constructs an empty scheduler ready to spawn tasks on.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Shutdown stops every task and waits for their goroutines to exit.
// Idempotent.
func (s *Scheduler) Shutdown() {
	s.cancel()

	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	s.wg.Wait()
}

// Done reports a channel closed once the scheduler begins shutting down.
func (s *Scheduler) Done() <-chan struct{} {
	return s.ctx.Done()
}

const defaultCleanupTimeout = 5 * time.Second

// Spawn starts a new task with the given id and behavior, returning its
// Ref. mailboxSize <= 0 selects an unbuffered mailbox.
func Spawn[M Message, R any](
	s *Scheduler, id string, b Behavior[M, R], mailboxSize int,
) Ref[M, R] {

	taskCtx, taskCancel := context.WithCancel(s.ctx)

	t := &task[M, R]{
		id:       id,
		behavior: b,
		mailbox:  newMailbox[M, R](taskCtx, mailboxSize),
		ctx:      taskCtx,
		cancel:   taskCancel,
	}

	s.mu.Lock()
	s.stops = append(s.stops, t.stop)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.drain()
	}()

	return t
}

// task is a single scheduled unit: one mailbox, one drain goroutine.
type task[M Message, R any] struct {
	id       string
	behavior Behavior[M, R]
	mailbox  *mailbox[M, R]

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
}

// ID implements Ref.
func (t *task[M, R]) ID() string { return t.id }

// Tell implements Ref.
func (t *task[M, R]) Tell(ctx context.Context, msg M) {
	t.mailbox.send(ctx, envelope[M, R]{msg: msg, callerCtx: ctx})
}

// Ask implements Ref.
func (t *task[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	p := newPromise[R]()

	ok := t.mailbox.send(ctx, envelope[M, R]{
		msg:       msg,
		promise:   p,
		callerCtx: ctx,
	})
	if !ok {
		p.complete(fn.Err[R](ErrTaskStopped))
	}

	return p.future()
}

func (t *task[M, R]) stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		t.mailbox.close()
	})
}

// drain is the task's event loop: dequeue, dispatch, complete the promise
// if the sender asked. Undelivered asks left in the mailbox at shutdown
// complete with ErrTaskStopped so no caller blocks forever.
func (t *task[M, R]) drain() {
	for env := range t.mailbox.receive() {
		t.dispatch(env)
	}

	for env := range t.mailbox.flush() {
		if env.promise != nil {
			env.promise.complete(fn.Err[R](ErrTaskStopped))
		}
	}

	if s, ok := t.behavior.(Stoppable); ok {
		ctx, cancel := context.WithTimeout(
			context.Background(), defaultCleanupTimeout,
		)
		defer cancel()
		_ = s.OnStop(ctx)
	}
}

func (t *task[M, R]) dispatch(env envelope[M, R]) {
	ctx, cancel := mergeContexts(t.ctx, env.callerCtx)
	defer cancel()

	res := t.behavior.Receive(ctx, env.msg)
	if env.promise != nil {
		env.promise.complete(res)
	}
}

// mergeContexts derives a context that cancels when either parent does,
// preserving the earlier of the two deadlines. The watcher goroutine exits
// as soon as any cancellation fires.
func mergeContexts(
	ctx1, ctx2 context.Context,
) (context.Context, context.CancelFunc) {

	base := ctx1
	d1, ok1 := ctx1.Deadline()
	d2, ok2 := ctx2.Deadline()
	if ok2 && (!ok1 || d2.Before(d1)) {
		base = ctx2
	}

	merged, cancel := context.WithCancel(base)

	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-merged.Done():
		}
	}()

	return merged, cancel
}
