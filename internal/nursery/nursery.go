// Package nursery implements the structured-concurrency supervision scope:
// spawning sub-actor processes, waiting for every child to reach a
// terminal state, and enforcing the sole supervision strategy — one child
// fails, all siblings cancel, the aggregated error surfaces on scope exit.
package nursery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/nursery/internal/portal"
	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

var log = btclog.Disabled

// UseLogger installs a logger for nursery lifecycle events.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// connectTimeout bounds how long a freshly spawned child gets to dial back
// to the parent's listener and complete its handshake.
const connectTimeout = 30 * time.Second

// ChildState tracks a child's progress through its lifecycle. Transitions
// only ever move forward: Spawned → Connected → Running → terminal.
type ChildState int

const (
	StateSpawned ChildState = iota
	StateConnected
	StateRunning
	StateCompleted
	StateErrored
	StateCancelled
)

func (s ChildState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// child is one supervised entry in the nursery's table.
type child struct {
	uid    rtid.UID
	state  ChildState
	handle ProcessHandle
	portal *portal.Portal
}

// ChildInfo is a read-only snapshot of one supervised child, surfaced to
// the status dashboard and introspection tools.
type ChildInfo struct {
	UID   rtid.UID
	State ChildState
	PID   int
}

// Config carries the collaborators a nursery needs.
type Config struct {
	// Actor is the owning actor; children connect back to its listener
	// and the nursery's scope nests under its service scope.
	Actor *runtime.Actor

	// Launcher spawns child processes.
	Launcher ProcessLauncher

	// Command is the runtime-entry binary children are invoked as.
	Command string

	// ListenAddr is the parent endpoint children dial back to.
	ListenAddr string

	// ArbiterAddr is passed through to every child.
	ArbiterAddr string
}

// Nursery is a lexically-scoped supervisor. Open it, spawn children, then
// Close — Close blocks until every child reached a terminal state and
// raises the aggregated failure, if any.
type Nursery struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	children  map[rtid.UID]*child
	results   map[rtid.UID]error
	errs      []error
	cancelled bool

	wg sync.WaitGroup
}

// Open acquires a new nursery scope nested under both the caller's ctx and
// the owning actor's service scope.
func Open(ctx context.Context, cfg Config) (*Nursery, error) {
	if cfg.Actor == nil {
		return nil, fmt.Errorf("nursery: config needs an actor")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("nursery: config needs a launcher")
	}

	scope, cancel := context.WithCancel(ctx)

	n := &Nursery{
		cfg:      cfg,
		ctx:      scope,
		cancel:   cancel,
		children: make(map[rtid.UID]*child),
		results:  make(map[rtid.UID]error),
	}

	// The owning actor cancelling takes the nursery down with it.
	go func() {
		select {
		case <-cfg.Actor.ServiceContext().Done():
			cancel()
		case <-scope.Done():
		}
	}()

	return n, nil
}

// SpawnArgs renders the runtime-entry argv for a child, the shape every
// launcher implementation (including the in-process one used in tests)
// parses back out.
func SpawnArgs(uid rtid.UID, parentAddr, arbiterAddr string) []string {
	args := []string{
		"--uid", uid.Name, uid.InstanceID,
		"--parent", parentAddr,
	}
	if arbiterAddr != "" {
		args = append(args, "--arbiter", arbiterAddr)
	}
	return args
}

// StartActor spawns a child process named name, waits for it to connect
// back and handshake, instructs it to expose the given RPC module
// namespaces, seeds its statespace, and returns a portal to it.
func (n *Nursery) StartActor(
	ctx context.Context, name string, modules []string,
	statespace map[string]any,
) (*portal.Portal, error) {

	uid := rtid.NewUID(name)

	handle, err := n.cfg.Launcher.Spawn(
		n.ctx, n.cfg.Command,
		SpawnArgs(uid, n.cfg.ListenAddr, n.cfg.ArbiterAddr), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("nursery: spawn %s: %w", uid, err)
	}

	c := &child{uid: uid, state: StateSpawned, handle: handle}
	n.mu.Lock()
	n.children[uid] = c
	n.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ch, err := n.cfg.Actor.WaitForPeer(connectCtx, uid)
	if err != nil {
		handle.Kill()
		n.settle(uid, StateErrored, err)
		return nil, err
	}

	p := portal.New(n.cfg.Actor, ch)

	n.mu.Lock()
	c.state = StateConnected
	c.portal = p
	n.mu.Unlock()

	mods := make([]any, len(modules))
	for i, m := range modules {
		mods[i] = m
	}
	if _, _, err := p.Run(ctx, "actor", "Expose", map[string]any{
		"modules": mods,
	}); err != nil {
		handle.Kill()
		n.settle(uid, StateErrored, err)
		return nil, err
	}

	if len(statespace) > 0 {
		_, _, err := p.Run(ctx, "actor", "SeedState", statespace)
		if err != nil {
			handle.Kill()
			n.settle(uid, StateErrored, err)
			return nil, err
		}
	}

	n.mu.Lock()
	c.state = StateRunning
	n.mu.Unlock()

	n.wg.Add(1)
	go n.watch(c)

	log.Infof("nursery: started actor %s (pid=%d)", uid, handle.PID())

	return p, nil
}

// RunInActor spawns a child like StartActor and additionally enqueues
// ns.func(kwargs) as the child's main task. The child runs it to
// completion, reports the result over the parent channel on the main
// context, and exits cleanly. Portal.Result awaits that value.
func (n *Nursery) RunInActor(
	ctx context.Context, name, ns, fnName string, kwargs map[string]any,
) (*portal.Portal, error) {

	p, err := n.StartActor(ctx, name, []string{ns}, nil)
	if err != nil {
		return nil, err
	}

	if err := p.StartMain(ns, fnName, kwargs); err != nil {
		return nil, err
	}

	return p, nil
}

// Children snapshots the live child table.
func (n *Nursery) Children() []ChildInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]ChildInfo, 0, len(n.children))
	for _, c := range n.children {
		info := ChildInfo{UID: c.uid, State: c.state}
		if c.handle != nil {
			info.PID = c.handle.PID()
		}
		out = append(out, info)
	}
	return out
}

// Cancelled reports whether the nursery has been cancelled, either
// explicitly or because a child failed.
func (n *Nursery) Cancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

// watch waits for one child's process to exit and records its terminal
// state. A non-clean exit of a child that wasn't being cancelled trips the
// supervision rule.
func (n *Nursery) watch(c *child) {
	defer n.wg.Done()

	err := c.handle.Wait()

	n.mu.Lock()
	wasCancelled := n.cancelled
	n.mu.Unlock()

	switch {
	case err == nil:
		n.settle(c.uid, StateCompleted, nil)

	case wasCancelled:
		// Requested cancellation surfaces as silent completion, not
		// an error.
		n.settle(c.uid, StateCancelled, nil)

	default:
		remote := &rterr.RemoteError{
			OriginUID:  c.uid,
			OriginKind: "process_exit",
			Message:    err.Error(),
		}
		n.settle(c.uid, StateErrored, remote)
		n.failFast(c.uid)
	}
}

// settle records a child's terminal state in the results table. Exactly
// one entry lands per child; later signals for the same uid (e.g. a main
// context error followed by a non-zero exit) are deduplicated here.
func (n *Nursery) settle(uid rtid.UID, state ChildState, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, done := n.results[uid]; done {
		return
	}
	n.results[uid] = err

	if c, ok := n.children[uid]; ok {
		c.state = state
	}
	if err != nil {
		n.errs = append(n.errs, err)
	}

	log.Debugf("nursery: child %s → %s", uid, state)
}

// failFast cancels every sibling of the failed child.
func (n *Nursery) failFast(failed rtid.UID) {
	n.mu.Lock()
	if n.cancelled {
		n.mu.Unlock()
		return
	}
	n.cancelled = true
	siblings := n.liveChildrenLocked(failed)
	n.mu.Unlock()

	log.Warnf("nursery: child %s failed, cancelling %d sibling(s)",
		failed, len(siblings))

	n.cancelChildren(siblings)
}

// Cancel cancels all children and the nursery scope. Children settled by
// an explicit Cancel count as cancelled, not errored.
func (n *Nursery) Cancel() {
	n.mu.Lock()
	already := n.cancelled
	n.cancelled = true
	targets := n.liveChildrenLocked(rtid.UID{})
	n.mu.Unlock()

	if !already {
		n.cancelChildren(targets)
	}
	n.cancel()
}

func (n *Nursery) liveChildrenLocked(skip rtid.UID) []*child {
	var out []*child
	for uid, c := range n.children {
		if uid == skip {
			continue
		}
		if _, done := n.results[uid]; done {
			continue
		}
		out = append(out, c)
	}
	return out
}

// cancelChildren asks each child to cancel its root scope over its portal,
// falling back to the launcher's SIGTERM-then-kill teardown if the polite
// route fails or the child has no portal yet.
func (n *Nursery) cancelChildren(targets []*child) {
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()

			if c.portal != nil {
				ctx, cancel := context.WithTimeout(
					context.Background(), 5*time.Second,
				)
				defer cancel()
				if err := c.portal.CancelActor(ctx); err == nil {
					return
				}
			}
			if c.handle != nil {
				c.handle.Kill()
			}
		}(c)
	}
	wg.Wait()
}

// Close waits for every child to reach a terminal state, then releases the
// scope. If any child failed, the survivors are cancelled first and Close
// returns the lone RemoteError, or a MultiError when several failed
// concurrently. A stuck child blocks Close until the enclosing scope
// fires, at which point the launcher tears the process down forcibly.
func (n *Nursery) Close() error {
	waited := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:

	case <-n.ctx.Done():
		// Enclosing cancel scope fired with children still live:
		// tear them down and wait out the grace period.
		n.mu.Lock()
		n.cancelled = true
		stuck := n.liveChildrenLocked(rtid.UID{})
		n.mu.Unlock()

		for _, c := range stuck {
			if c.handle != nil {
				c.handle.Kill()
			}
		}
		<-waited
	}

	n.cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	// The nursery never exits with a live child.
	n.children = make(map[rtid.UID]*child)

	switch len(n.errs) {
	case 0:
		return nil
	case 1:
		n.cancelled = true
		return n.errs[0]
	default:
		n.cancelled = true
		return &rterr.MultiError{Errors: n.errs}
	}
}
