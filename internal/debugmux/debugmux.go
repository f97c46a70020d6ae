// Package debugmux implements the cross-actor debug mutex: a strict FIFO
// lock living in the root actor that serialises interactive debugger
// sessions against the shared terminal. A child acquires it by invoking a
// streaming RPC on its parent channel; the single "locked" yield is the
// grant, and closing the stream releases the lock for the next waiter.
package debugmux

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/sched"
)

var log = btclog.Disabled

// UseLogger installs a logger for debug mutex events.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// NS and AcquireFunc name the RPC any implementer of a debugger frontend
// invokes to gate tty access.
const (
	NS          = "debugmux"
	AcquireFunc = "Acquire"
)

// LockedValue is the single yield sent the moment a waiter holds the lock.
const LockedValue = "locked"

// lockMsg drives the FIFO lock task.
type lockMsg struct {
	sched.BaseMessage

	op lockOp

	// waiter is closed when the acquire at the head of the queue is
	// granted the lock.
	waiter chan struct{}
}

func (lockMsg) MessageType() string { return "debugmux.lock" }

type lockOp int

const (
	opAcquire lockOp = iota
	opRelease
)

// lockBehavior is the FIFO queue. All transitions run on one scheduler
// task, so ordering is exactly arrival order of the acquire messages.
type lockBehavior struct {
	held    bool
	waiters []chan struct{}
}

func (b *lockBehavior) Receive(
	_ context.Context, msg lockMsg,
) fn.Result[struct{}] {

	switch msg.op {
	case opAcquire:
		if !b.held {
			b.held = true
			close(msg.waiter)
		} else {
			b.waiters = append(b.waiters, msg.waiter)
		}
		return fn.Ok(struct{}{})

	case opRelease:
		if len(b.waiters) == 0 {
			b.held = false
			return fn.Ok(struct{}{})
		}
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		close(next)
		return fn.Ok(struct{}{})

	default:
		return fn.Err[struct{}](fmt.Errorf(
			"debugmux: unknown op %v", msg.op,
		))
	}
}

// Mutex is the root-side lock service.
type Mutex struct {
	ref sched.Ref[lockMsg, struct{}]
}

// HostOnRoot installs the FIFO lock on the root actor and registers the
// Acquire streaming RPC. The handler is shielded: a cancelling nursery
// does not abort a held or queued debugger session — only the acquiring
// side closing its stream (or its channel dying) does.
func HostOnRoot(a *runtime.Actor) *Mutex {
	m := &Mutex{
		ref: sched.Spawn[lockMsg, struct{}](
			a.Scheduler(), "debugmux.lock", &lockBehavior{}, 32,
		),
	}

	a.Registry.RegisterStreamShielded(NS, AcquireFunc,
		func(ctx context.Context, _ map[string]any,
			yield func(any) bool) error {

			return m.serveAcquire(ctx, yield)
		},
	)
	a.Registry.Expose(NS)

	return m
}

// serveAcquire queues the caller, yields the grant once the lock is held,
// then suspends until the caller closes its end of the stream. Returning
// releases the lock to the next waiter.
func (m *Mutex) serveAcquire(
	ctx context.Context, yield func(any) bool,
) error {

	waiter := make(chan struct{})
	m.ref.Tell(ctx, lockMsg{op: opAcquire, waiter: waiter})

	granted := false
	defer func() {
		if granted {
			m.ref.Tell(context.Background(), lockMsg{op: opRelease})
		}
	}()

	select {
	case <-waiter:
		granted = true
	case <-ctx.Done():
		// Abandoned before the grant: consume the eventual grant so
		// the queue doesn't wedge on a dead waiter.
		go func() {
			<-waiter
			m.ref.Tell(context.Background(), lockMsg{op: opRelease})
		}()
		return nil
	}

	if !yield(LockedValue) {
		return nil
	}

	log.Debugf("debugmux: lock granted")

	// Held: suspend until the debugger session ends. The stream context
	// cancels when the caller sends {cancel} or its channel closes.
	<-ctx.Done()

	log.Debugf("debugmux: lock released")

	return nil
}

// inDebugKey is the statespace key marking an actor as already holding (or
// awaiting) the debug lock, making re-entry a no-op.
const inDebugKey = "_debug_lock_held"

// Session is a granted debugger slot. Release ends it.
type Session struct {
	release func()
	once    sync.Once
}

// Release closes the acquiring side of the stream, waking the next waiter
// in the root's queue. Idempotent.
func (s *Session) Release() {
	s.once.Do(s.release)
}

// Acquire blocks until this actor holds the tree-wide debug lock, taken
// via parentPortal against the root's FIFO queue. A second acquire from
// the same actor while one is outstanding returns None without queueing.
// The stream-side wait is shielded at the serving end, so a cancelling
// nursery cannot steal the tty mid-session.
func Acquire(
	ctx context.Context, a *runtime.Actor, parentPortal Peer,
) (fn.Option[*Session], error) {

	_, held, err := a.State.Get(ctx, inDebugKey)
	if err != nil {
		return fn.None[*Session](), err
	}
	if held {
		return fn.None[*Session](), nil
	}
	if err := a.State.Set(ctx, inDebugKey, true); err != nil {
		return fn.None[*Session](), err
	}

	_, seq, err := parentPortal.Run(ctx, NS, AcquireFunc, nil)
	if err != nil {
		a.State.Delete(ctx, inDebugKey)
		return fn.None[*Session](), err
	}
	if seq == nil {
		a.State.Delete(ctx, inDebugKey)
		return fn.None[*Session](), fmt.Errorf(
			"debugmux: acquire did not stream",
		)
	}

	// Pull exactly the grant value, then park the iterator; stopping it
	// later sends {cancel}, which is our release.
	grantCh := make(chan error, 1)
	releaseCh := make(chan struct{})
	go func() {
		got := false
		for v, err := range seq {
			if err != nil {
				grantCh <- err
				return
			}
			if !got {
				got = true
				if s, ok := v.(string); !ok || s != LockedValue {
					grantCh <- fmt.Errorf(
						"debugmux: unexpected grant %v", v,
					)
					return
				}
				grantCh <- nil

				// Hold the stream open until released.
				<-releaseCh
				return
			}
		}
		if !got {
			grantCh <- fmt.Errorf("debugmux: stream ended " +
				"before grant")
		}
	}()

	select {
	case err := <-grantCh:
		if err != nil {
			a.State.Delete(context.WithoutCancel(ctx), inDebugKey)
			return fn.None[*Session](), err
		}
	case <-ctx.Done():
		close(releaseCh)
		a.State.Delete(context.WithoutCancel(ctx), inDebugKey)
		return fn.None[*Session](), ctx.Err()
	}

	sess := &Session{release: func() {
		close(releaseCh)
		bg := context.Background()
		a.State.Delete(bg, inDebugKey)
	}}

	return fn.Some(sess), nil
}

// Peer is the slice of the portal surface Acquire needs, kept narrow so
// tests can stub it.
type Peer interface {
	Run(ctx context.Context, ns, fn string, kwargs map[string]any) (
		any, iter.Seq2[any, error], error)
}
