package runtime

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/sched"
)

// stateMsg is the message type accepted by the statespace task. Every
// mutation or read of an actor's statespace is funnelled through this
// single-goroutine scheduler task, so concurrent RPC handler goroutines
// never need a raw mutex to touch shared state.
type stateMsg struct {
	sched.BaseMessage

	op  stateOp
	key string
	val any
}

func (stateMsg) MessageType() string { return "statespace.op" }

type stateOp int

const (
	opGet stateOp = iota
	opSet
	opDelete
	opSnapshot
)

type stateResult struct {
	val  any
	ok   bool
	snap map[string]any
}

type stateBehavior struct {
	data map[string]any
}

func newStateBehavior() *stateBehavior {
	return &stateBehavior{data: make(map[string]any)}
}

func (b *stateBehavior) Receive(
	_ context.Context, msg stateMsg,
) fn.Result[stateResult] {

	switch msg.op {
	case opGet:
		v, ok := b.data[msg.key]
		return fn.Ok(stateResult{val: v, ok: ok})

	case opSet:
		b.data[msg.key] = msg.val
		return fn.Ok(stateResult{})

	case opDelete:
		delete(b.data, msg.key)
		return fn.Ok(stateResult{})

	case opSnapshot:
		snap := make(map[string]any, len(b.data))
		for k, v := range b.data {
			snap[k] = v
		}
		return fn.Ok(stateResult{snap: snap})

	default:
		return fn.Err[stateResult](fmt.Errorf(
			"statespace: unknown op %v", msg.op,
		))
	}
}

// Statespace is the opaque user key→value mapping shared by every task
// running inside one actor. All access is an ask against a dedicated
// single-goroutine scheduler task, so callers never need to take a lock
// themselves.
type Statespace struct {
	ref sched.Ref[stateMsg, stateResult]
}

func newStatespace(s *sched.Scheduler, ownerID string) *Statespace {
	ref := sched.Spawn[stateMsg, stateResult](
		s, ownerID+".statespace", newStateBehavior(), 16,
	)
	return &Statespace{ref: ref}
}

// Get returns the value stored under key, if any.
func (s *Statespace) Get(ctx context.Context, key string) (any, bool, error) {
	res, err := sched.AskAwait(ctx, s.ref, stateMsg{op: opGet, key: key})
	if err != nil {
		return nil, false, err
	}
	return res.val, res.ok, nil
}

// Set stores value under key, overwriting any previous entry.
func (s *Statespace) Set(ctx context.Context, key string, value any) error {
	_, err := sched.AskAwait(ctx, s.ref, stateMsg{
		op: opSet, key: key, val: value,
	})
	return err
}

// Delete removes key, a no-op if absent.
func (s *Statespace) Delete(ctx context.Context, key string) error {
	_, err := sched.AskAwait(ctx, s.ref, stateMsg{op: opDelete, key: key})
	return err
}

// Snapshot returns a shallow copy of the entire statespace, useful for the
// status dashboard and introspection tools.
func (s *Statespace) Snapshot(ctx context.Context) (map[string]any, error) {
	res, err := sched.AskAwait(ctx, s.ref, stateMsg{op: opSnapshot})
	if err != nil {
		return nil, err
	}
	return res.snap, nil
}
