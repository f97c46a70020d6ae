// Package runtime implements the process-local Actor: the listening
// endpoint, peer table, RPC registry, message loop, and the root/service
// cancellation scopes every other component (Portal, Nursery, Arbiter,
// debug mutex) builds on.
package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/sched"
	"github.com/roasbeef/nursery/internal/wire"
)

// outboundMailboxSize bounds a Portal-issued RPC's reply mailbox. A slow
// consumer applies backpressure all the way down to the transport read.
const outboundMailboxSize = 32

var log = btclog.Disabled

// UseLogger installs a logger for runtime-level lifecycle events (peer
// connect/disconnect, RPC dispatch, cancellation).
func UseLogger(logger btclog.Logger) {
	log = logger
}

// pendingCall is an outbound RPC context: the mailbox frames destined for
// the awaiting Portal task are delivered to.
type pendingCall struct {
	mailbox chan wire.EnvelopeOrErr
	channel *Channel
}

// inflightEntry tracks a serving-side RPC task: its cancel func plus the
// channel its caller lives on, so the task can be torn down either by an
// explicit {cancel} frame or by that channel closing (which matters for
// shielded handlers that ignore scope cancellation).
type inflightEntry struct {
	cancel  context.CancelFunc
	channel *Channel
}

// Actor is a process-local entity hosting a local cooperative scheduler
// (the statespace), a peer table, and an RPC registry. One actor runs per
// OS process; it is the unit of isolation and fault containment.
type Actor struct {
	UID rtid.UID

	Registry *Registry
	State    *Statespace

	sys     *sched.Scheduler
	workers *sched.Pool[workMsg, any]

	mu          sync.Mutex
	peers       map[rtid.UID][]*Channel
	peerWaiters map[rtid.UID]chan *Channel

	pendingMu sync.Mutex
	pending   map[rtid.CID]*pendingCall

	inflightMu sync.Mutex
	inflight   map[rtid.CID]inflightEntry

	rootCtx    context.Context
	rootCancel context.CancelFunc

	serviceCtx    context.Context
	serviceCancel context.CancelFunc

	listenerMu sync.Mutex
	listeners  []net.Listener

	mainOnce sync.Once
	mainDone chan struct{}
	mainErr  error

	wg sync.WaitGroup
}

// New constructs an Actor identified by uid. The root scope bounds the
// actor's process lifetime; the service scope (nested under root) bounds
// background work that must outlive any one RPC.
func New(uid rtid.UID) *Actor {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	serviceCtx, serviceCancel := context.WithCancel(rootCtx)

	sys := sched.NewScheduler()

	a := &Actor{
		UID:           uid,
		Registry:      newRegistry(),
		sys:           sys,
		peers:         make(map[rtid.UID][]*Channel),
		pending:       make(map[rtid.CID]*pendingCall),
		inflight:      make(map[rtid.CID]inflightEntry),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
		mainDone:      make(chan struct{}),
	}
	a.State = newStatespace(sys, uid.String())
	a.workers = newWorkerPool(sys, uid.String())
	a.registerBuiltins()
	return a
}

// registerBuiltins wires the handful of RPCs every actor serves regardless
// of its domain-specific registry: CancelRoot backs Portal.CancelActor,
// Functions answers module introspection with the exposed "ns.func"
// names (sent as an ordinary {return} frame, not a {functions} one), and
// Expose/SeedState let a spawning parent configure a fresh child (which
// modules it serves, and its initial statespace) over the wire instead of
// through argv.
func (a *Actor) registerBuiltins() {
	a.Registry.RegisterFunc("actor", "CancelRoot",
		func(context.Context, map[string]any) (any, error) {
			// Cancel asynchronously: this handler is itself
			// running as a tracked goroutine in a.wg, so calling
			// Cancel (which waits on a.wg) synchronously here
			// would deadlock against its own completion.
			go a.Cancel()
			return "cancelling", nil
		},
	)

	a.Registry.RegisterFunc("actor", "Functions",
		func(context.Context, map[string]any) (any, error) {
			return a.Registry.Names(), nil
		},
	)

	a.Registry.RegisterFunc("actor", "Expose",
		func(_ context.Context, kwargs map[string]any) (any, error) {
			mods, _ := kwargs["modules"].([]any)
			for _, m := range mods {
				if ns, ok := m.(string); ok {
					a.Registry.Expose(ns)
				}
			}
			return len(mods), nil
		},
	)

	a.Registry.RegisterFunc("actor", "SeedState",
		func(ctx context.Context, kwargs map[string]any) (any, error) {
			for k, v := range kwargs {
				if err := a.State.Set(ctx, k, v); err != nil {
					return nil, err
				}
			}
			return len(kwargs), nil
		},
	)

	a.Registry.Expose("actor")
}

// RootContext returns the actor's root scope, cancelled only by Cancel.
func (a *Actor) RootContext() context.Context { return a.rootCtx }

// Scheduler returns the actor's local cooperative scheduler, for packages
// (arbiter registry, debug mutex) that serialize their own state the same
// way the statespace does.
func (a *Actor) Scheduler() *sched.Scheduler { return a.sys }

// ServiceContext returns the actor's service scope, a child of the root
// scope used for background work (e.g. nursery bookkeeping, streaming RPC
// producers) that must outlive any single RPC invocation.
func (a *Actor) ServiceContext() context.Context { return a.serviceCtx }

// Listen binds addr and accepts peer connections until the root scope
// cancels. An actor may listen on several endpoints — e.g. its own plus
// the well-known arbiter endpoint when it hosts the arbiter.
func (a *Actor) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("runtime: listen %s: %w", addr, err)
	}

	a.listenerMu.Lock()
	a.listeners = append(a.listeners, lis)
	a.listenerMu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(lis)

	return lis.Addr(), nil
}

func (a *Actor) acceptLoop(lis net.Listener) {
	defer a.wg.Done()

	go func() {
		<-a.rootCtx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if a.rootCtx.Err() != nil {
				return
			}
			log.Errorf("runtime: accept: %v", err)
			return
		}

		ch, err := newChannel(conn, a.UID, rtid.UID{})
		if err != nil {
			log.Warnf("runtime: handshake on accept failed: %v", err)
			continue
		}

		a.RegisterPeer(ch)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.runMessageLoop(ch); err != nil {
				log.Debugf("runtime: message loop for %s ended: %v",
					ch.PeerUID(), err)
			}
		}()
	}
}

// Connect dials addr and completes the handshake, registering the
// resulting channel as a peer.
func (a *Actor) Connect(addr string, expectPeer rtid.UID) (*Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, rterr.Wrap(
			rterr.KindTransportClosed,
			"connect "+addr, err,
		)
	}

	ch, err := newChannel(conn, a.UID, expectPeer)
	if err != nil {
		return nil, rterr.Wrap(rterr.KindHandshakeFailed, addr, err)
	}

	a.RegisterPeer(ch)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.runMessageLoop(ch); err != nil {
			log.Debugf("runtime: message loop for %s ended: %v",
				ch.PeerUID(), err)
		}
	}()

	return ch, nil
}

// RegisterPeer records ch under its (already handshaked) peer uid. An
// actor may hold more than one channel to the same peer.
func (a *Actor) RegisterPeer(ch *Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uid := ch.PeerUID()
	a.peers[uid] = append(a.peers[uid], ch)

	if waiter, ok := a.peerWaiters[uid]; ok {
		delete(a.peerWaiters, uid)
		waiter <- ch
	}
}

// WaitForPeer blocks until uid connects back and completes its handshake
// (or ctx is done), returning its channel. Used by the nursery to wait for
// a just-spawned child to connect to the parent's listener.
func (a *Actor) WaitForPeer(ctx context.Context, uid rtid.UID) (*Channel, error) {
	a.mu.Lock()
	if chans, ok := a.peers[uid]; ok && len(chans) > 0 {
		ch := chans[len(chans)-1]
		a.mu.Unlock()
		return ch, nil
	}

	if a.peerWaiters == nil {
		a.peerWaiters = make(map[rtid.UID]chan *Channel)
	}
	waitCh := make(chan *Channel, 1)
	a.peerWaiters[uid] = waitCh
	a.mu.Unlock()

	select {
	case ch := <-waitCh:
		return ch, nil
	case <-ctx.Done():
		return nil, rterr.Wrap(rterr.KindTimeout, "wait for peer "+uid.String(), ctx.Err())
	}
}

// Peers returns every open channel to uid.
func (a *Actor) Peers(uid rtid.UID) []*Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Channel, len(a.peers[uid]))
	copy(out, a.peers[uid])
	return out
}

// MainDone reports a channel closed once this actor has finished serving
// its "main" context — the task a parent's run_in_actor enqueued. A child
// process watches it to know when to exit; MainErr reports whether the
// main task failed, deciding the child's exit status.
func (a *Actor) MainDone() <-chan struct{} {
	return a.mainDone
}

// MainErr returns the main task's terminal error, if any. Only meaningful
// after MainDone is closed.
func (a *Actor) MainErr() error {
	return a.mainErr
}

func (a *Actor) signalMainDone(err error) {
	a.mainOnce.Do(func() {
		a.mainErr = err
		close(a.mainDone)
	})
}

// SendMain sends this actor's main-task terminal result to the parent over
// ch, using the well-known main CID both sides agree on without a
// handshake round trip. Exactly one of
// value/err should be meaningful; err takes precedence.
func (a *Actor) SendMain(ch *Channel, value any, err error) error {
	cid := rtid.MainCID(a.UID)
	if err != nil {
		kind, msg := classifyError(err)
		return ch.Send(wire.TagError, wire.Error{
			CID: cid,
			Payload: wire.ErrorPayload{
				Kind:      kind,
				Message:   msg,
				Traceback: fmt.Sprintf("%+v", err),
			},
		})
	}
	return ch.Send(wire.TagReturn, wire.Return{CID: cid, Value: value})
}

// Cancel cancels the root scope, which cancels the service scope, which
// cancels every in-flight RPC task, which cancels every message loop,
// which closes every channel.
func (a *Actor) Cancel() {
	a.rootCancel()

	a.mu.Lock()
	var chans []*Channel
	for _, cs := range a.peers {
		chans = append(chans, cs...)
	}
	a.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}

	a.listenerMu.Lock()
	for _, lis := range a.listeners {
		lis.Close()
	}
	a.listenerMu.Unlock()

	a.wg.Wait()
	a.sys.Shutdown()
}
