package runtime

import (
	"context"
	"runtime"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/sched"
)

// workMsg carries one offloaded synchronous handler invocation to the
// actor's worker pool.
type workMsg struct {
	sched.BaseMessage

	fn     SingleFunc
	kwargs map[string]any
}

func (workMsg) MessageType() string { return "rpc.blocking" }

// workerBehavior executes offloaded handlers. Workers hold no state; the
// pool exists purely so blocking callables never stall the channel
// dispatch path or the statespace scheduler.
type workerBehavior struct{}

func (workerBehavior) Receive(
	ctx context.Context, msg workMsg,
) fn.Result[any] {

	v, err := msg.fn(ctx, msg.kwargs)
	if err != nil {
		return fn.Err[any](err)
	}
	return fn.Ok(v)
}

func newWorkerPool(s *sched.Scheduler, ownerID string) *sched.Pool[workMsg, any] {
	return sched.NewPool[workMsg, any](
		s, ownerID+".workers", runtime.NumCPU(),
		func(int) sched.Behavior[workMsg, any] {
			return workerBehavior{}
		}, 8,
	)
}

// offload runs fn on the worker pool, blocking the calling goroutine until
// the worker replies.
func (a *Actor) offload(
	ctx context.Context, fn SingleFunc, kwargs map[string]any,
) (any, error) {

	msg := workMsg{fn: fn, kwargs: kwargs}
	return a.workers.Ask(ctx, msg).Await(ctx).Unpack()
}
