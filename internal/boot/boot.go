// Package boot initialises the process-local actor: it binds the local
// endpoint, starts or joins the host arbiter, and runs either the user's
// entry task (root process) or the spawned-child lifecycle (child
// process). It owns the process-wide "current runtime" singleton — tasks
// reach it through the Runtime handle passed to the entry function, and
// touching it before initialisation is an error.
package boot

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/arbiter"
	"github.com/roasbeef/nursery/internal/debugmux"
	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/portal"
	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

var log = btclog.Disabled

// UseLogger installs a logger for bootstrap events.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DebugMode reports whether post-mortem debugging is requested via the
// DEBUG_MODE environment variable.
func DebugMode() bool {
	v := os.Getenv("DEBUG_MODE")
	return v != "" && v != "0" && v != "false"
}

// ArbiterAddr resolves the arbiter endpoint: the ARBITER_ADDR environment
// variable when set, the well-known default otherwise.
func ArbiterAddr() string {
	if addr := os.Getenv("ARBITER_ADDR"); addr != "" {
		return addr
	}
	return arbiter.DefaultAddr
}

// moduleSetups is the process-wide RPC module table. Modules register
// here (normally from init funcs) and every actor booted in this process
// carries all of them; which namespaces a given actor exposes is decided
// by its spawning parent. Setups receive the booted actor so handlers can
// close over it (and reach the actor's runtime via RuntimeFor).
var (
	modulesMu    sync.Mutex
	moduleSetups = make(map[string]func(*runtime.Actor))
)

// RegisterModule records the setup function for one RPC module namespace.
// Registering the same namespace twice keeps the last setup.
func RegisterModule(ns string, setup func(*runtime.Actor)) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	moduleSetups[ns] = setup
}

func applyModules(a *runtime.Actor) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	for _, setup := range moduleSetups {
		setup(a)
	}
}

// Runtime is the initialise-once process handle: the local actor plus the
// host-wide collaborators everything else reaches through it.
type Runtime struct {
	// Actor is the process-local actor.
	Actor *runtime.Actor

	// ListenAddr is the endpoint the actor accepts peers on.
	ListenAddr string

	// Arbiter is the connected registry client.
	Arbiter *arbiter.Client

	// ArbiterAddr is the endpoint the arbiter lives at.
	ArbiterAddr string

	// ArbiterService is non-nil when this process hosts the arbiter.
	ArbiterService *arbiter.Service

	// DebugMutex is non-nil on the root actor, which hosts the
	// tree-wide tty lock.
	DebugMutex *debugmux.Mutex

	launcher nursery.ProcessLauncher
	command  string

	nurseryMu sync.Mutex
	nurseries []*nursery.Nursery
}

var (
	currentMu sync.Mutex
	current   *Runtime

	// runtimes maps every live actor in this process to its runtime
	// handle. A normal deployment has exactly one; in-process test
	// launchers host several.
	runtimes sync.Map
)

// Current returns the process runtime handle. It is an error to call it
// before Run or ChildMain has initialised the process.
func Current() (*Runtime, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		return nil, fmt.Errorf("boot: runtime not initialised")
	}
	return current, nil
}

// RuntimeFor returns the runtime handle owning a. RPC handlers that close
// over their actor use this to reach nurseries, the arbiter client, and
// the launcher.
func RuntimeFor(a *runtime.Actor) (*Runtime, error) {
	if v, ok := runtimes.Load(a); ok {
		return v.(*Runtime), nil
	}
	return nil, fmt.Errorf("boot: no runtime for actor %s", a.UID)
}

func setCurrent(rt *Runtime) {
	currentMu.Lock()
	current = rt
	currentMu.Unlock()
	if rt != nil {
		runtimes.Store(rt.Actor, rt)
	}
}

func clearRuntime(rt *Runtime) {
	currentMu.Lock()
	if current == rt {
		current = nil
	}
	currentMu.Unlock()
	runtimes.Delete(rt.Actor)
}

// OpenNursery opens a supervision scope owned by this runtime's actor.
func (rt *Runtime) OpenNursery(ctx context.Context) (*nursery.Nursery, error) {
	n, err := nursery.Open(ctx, nursery.Config{
		Actor:       rt.Actor,
		Launcher:    rt.launcher,
		Command:     rt.command,
		ListenAddr:  rt.ListenAddr,
		ArbiterAddr: rt.ArbiterAddr,
	})
	if err != nil {
		return nil, err
	}

	rt.nurseryMu.Lock()
	rt.nurseries = append(rt.nurseries, n)
	rt.nurseryMu.Unlock()

	return n, nil
}

// Nurseries snapshots every nursery this runtime has opened, live or
// drained, for the status dashboard and introspection tools.
func (rt *Runtime) Nurseries() []*nursery.Nursery {
	rt.nurseryMu.Lock()
	defer rt.nurseryMu.Unlock()
	out := make([]*nursery.Nursery, len(rt.nurseries))
	copy(out, rt.nurseries)
	return out
}

// FindActor resolves name through the arbiter and returns a portal to it,
// or None when unregistered.
func (rt *Runtime) FindActor(ctx context.Context, name string) (
	fn.Option[*portal.Portal], error) {

	return arbiter.FindActor(ctx, rt.Actor, rt.Arbiter, name)
}

// Options tunes Run and ChildMain.
type Options struct {
	// ListenAddr the local actor binds; defaults to an ephemeral
	// loopback port.
	ListenAddr string

	// ArbiterAddr overrides the resolved arbiter endpoint.
	ArbiterAddr string

	// ArbiterDBPath, when non-empty, persists the arbiter registry (if
	// this process ends up hosting it) to on-disk SQLite.
	ArbiterDBPath string

	// Launcher spawns child processes; defaults to the os/exec
	// launcher.
	Launcher nursery.ProcessLauncher

	// Command is the runtime-entry binary children run; defaults to
	// this executable.
	Command string

	// SkipArbiter runs without any arbiter, for tests exercising the
	// tree in isolation.
	SkipArbiter bool
}

func (o *Options) fill() error {
	if o.ListenAddr == "" {
		o.ListenAddr = "127.0.0.1:0"
	}
	if o.ArbiterAddr == "" {
		o.ArbiterAddr = ArbiterAddr()
	}
	if o.Launcher == nil {
		o.Launcher = nursery.NewExecLauncher()
	}
	if o.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("boot: resolve executable: %w", err)
		}
		o.Command = exe
	}
	return nil
}

// EntryFunc is the user's top-level task, run inside the root actor's root
// scope. Its return value is Run's return value.
type EntryFunc func(ctx context.Context, rt *Runtime) (any, error)

// Run boots the root actor and executes entry inside its root scope: bind
// the local endpoint, start or join the arbiter, register, run, then tear
// every nursery down and shut off.
func Run(
	ctx context.Context, name string, opts Options, entry EntryFunc,
) (any, error) {

	if err := opts.fill(); err != nil {
		return nil, err
	}

	uid := rtid.NewUID(name)
	a := runtime.New(uid)
	applyModules(a)
	a.Registry.ExposeAll()

	addr, err := a.Listen(opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	arbiterAddr := opts.ArbiterAddr
	if opts.SkipArbiter {
		arbiterAddr = ""
	}

	rt := &Runtime{
		Actor:       a,
		ListenAddr:  addr.String(),
		ArbiterAddr: arbiterAddr,
		DebugMutex:  debugmux.HostOnRoot(a),
		launcher:    opts.Launcher,
		command:     opts.Command,
	}

	if !opts.SkipArbiter {
		if err := rt.joinArbiter(ctx, a, opts); err != nil {
			a.Cancel()
			return nil, err
		}
	}

	setCurrent(rt)
	defer clearRuntime(rt)

	runCtx, cancel := context.WithCancel(a.RootContext())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	value, err := entry(runCtx, rt)

	// Any nursery the entry left open is torn down before the actor
	// goes away, so no child process outlives the root scope.
	for _, n := range rt.Nurseries() {
		n.Cancel()
	}

	if rt.Arbiter != nil {
		unregCtx := context.WithoutCancel(runCtx)
		if uerr := rt.Arbiter.Unregister(unregCtx, uid.Name); uerr != nil {
			log.Debugf("boot: unregister %s: %v", uid.Name, uerr)
		}
	}

	a.Cancel()

	if err != nil && rterr.IsCancelled(err) {
		err = nil
	}
	return value, err
}

// joinArbiter binds the well-known arbiter endpoint if free (this actor
// becomes the host arbiter), or connects to whoever already holds it.
// Either way the runtime ends up with a connected client and a completed
// self-registration.
func (rt *Runtime) joinArbiter(
	ctx context.Context, a *runtime.Actor, opts Options,
) error {

	if _, err := a.Listen(opts.ArbiterAddr); err == nil {
		log.Infof("boot: hosting arbiter at %s", opts.ArbiterAddr)

		var store *arbiter.Store
		if opts.ArbiterDBPath != "" {
			var serr error
			store, serr = arbiter.NewStore(opts.ArbiterDBPath, nil)
			if serr != nil {
				return serr
			}
		}

		svc, err := arbiter.Host(a, store)
		if err != nil {
			return err
		}
		rt.ArbiterService = svc
	} else {
		log.Debugf("boot: arbiter endpoint busy, joining: %v", err)
	}

	client, err := arbiter.Connect(a, opts.ArbiterAddr)
	if err != nil {
		return rterr.Wrap(
			rterr.KindTransportClosed, "join arbiter", err,
		)
	}
	rt.Arbiter = client

	ep, err := arbiter.ParseEndpoint(rt.ListenAddr)
	if err != nil {
		return err
	}
	return client.Register(ctx, a.UID.Name, ep)
}
