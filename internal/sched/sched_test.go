package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

type echoMsg struct {
	BaseMessage

	val int
}

func (echoMsg) MessageType() string { return "test.echo" }

type echoBehavior struct{}

func (echoBehavior) Receive(_ context.Context, msg echoMsg) fn.Result[int] {
	return fn.Ok(msg.val * 2)
}

func TestAskAwaitRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Shutdown()

	ref := Spawn[echoMsg, int](s, "echo", echoBehavior{}, 4)

	got, err := AskAwait(context.Background(), ref, echoMsg{val: 21})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestMailboxPreservesSendOrder(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Shutdown()

	var (
		mu   sync.Mutex
		seen []int
	)
	ref := Spawn[echoMsg, int](s, "order", BehaviorFunc[echoMsg, int](
		func(_ context.Context, msg echoMsg) fn.Result[int] {
			mu.Lock()
			seen = append(seen, msg.val)
			mu.Unlock()
			return fn.Ok(msg.val)
		},
	), 64)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ref.Tell(ctx, echoMsg{val: i})
	}

	// A final ask acts as a barrier: mailboxes are FIFO, so once it
	// answers, every prior tell has been dispatched.
	_, err := AskAwait(ctx, ref, echoMsg{val: -1})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 51)
	for i := 0; i < 50; i++ {
		require.Equal(t, i, seen[i])
	}
}

func TestAskAfterShutdownFails(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	ref := Spawn[echoMsg, int](s, "stopped", echoBehavior{}, 1)
	s.Shutdown()

	_, err := AskAwait(context.Background(), ref, echoMsg{val: 1})
	require.ErrorIs(t, err, ErrTaskStopped)
}

type stoppableBehavior struct {
	echoBehavior

	stopped chan struct{}
}

func (b *stoppableBehavior) OnStop(context.Context) error {
	close(b.stopped)
	return nil
}

func TestShutdownRunsOnStop(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	b := &stoppableBehavior{stopped: make(chan struct{})}
	Spawn[echoMsg, int](s, "cleanup", b, 1)

	s.Shutdown()

	select {
	case <-b.stopped:
	case <-time.After(time.Second):
		t.Fatal("OnStop never ran")
	}
}

func TestCallerDeadlineCancelsReceive(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Shutdown()

	ref := Spawn[echoMsg, int](s, "slow", BehaviorFunc[echoMsg, int](
		func(ctx context.Context, _ echoMsg) fn.Result[int] {
			select {
			case <-ctx.Done():
				return fn.Err[int](ctx.Err())
			case <-time.After(10 * time.Second):
				return fn.Ok(0)
			}
		},
	), 1)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := AskAwait(ctx, ref, echoMsg{})
	require.Error(t, err)
}

func TestPoolDistributesAcrossWorkers(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Shutdown()

	pool := NewPool[echoMsg, int](s, "workers", 4,
		func(worker int) Behavior[echoMsg, int] {
			return BehaviorFunc[echoMsg, int](
				func(context.Context, echoMsg) fn.Result[int] {
					return fn.Ok(worker)
				},
			)
		}, 1,
	)
	require.Equal(t, 4, pool.Size())

	ctx := context.Background()
	hit := make(map[int]struct{})
	for i := 0; i < 8; i++ {
		w, err := AskAwait[echoMsg, int](ctx, pool.pick(), echoMsg{})
		require.NoError(t, err)
		hit[w] = struct{}{}
	}
	require.Len(t, hit, 4)
}
