package boot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/roasbeef/nursery/internal/arbiter"
	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

// ChildOptions is everything a spawned child learns from its argv.
type ChildOptions struct {
	// UID is the identity the parent minted for this child.
	UID rtid.UID

	// ParentAddr is the parent's listener endpoint to dial back to.
	ParentAddr string

	// ArbiterAddr is the host arbiter endpoint, empty to skip
	// registration.
	ArbiterAddr string

	// LogLevel is the requested logging verbosity, passed through to
	// the binary's log setup.
	LogLevel string

	// Launcher is used for grandchildren this child spawns; defaults to
	// the os/exec launcher. An in-process launcher hands itself down so
	// nested spawns stay in-process.
	Launcher nursery.ProcessLauncher

	// Command is the runtime-entry binary for grandchildren; defaults
	// to this executable.
	Command string

	// observe, when set, hands the booted actor back to an in-process
	// launcher so its handle can cancel the child directly.
	observe func(*runtime.Actor)
}

// ParseChildArgs recovers ChildOptions from the runtime-entry argv shape
// produced by nursery.SpawnArgs: --uid <name> <instance> --parent
// <host:port> [--arbiter <host:port>] [--loglevel L].
func ParseChildArgs(args []string) (ChildOptions, error) {
	var opts ChildOptions

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--uid":
			if i+2 >= len(args) {
				return opts, fmt.Errorf(
					"boot: --uid needs name and instance",
				)
			}
			opts.UID = rtid.UID{
				Name:       args[i+1],
				InstanceID: args[i+2],
			}
			i += 2

		case "--parent":
			if i+1 >= len(args) {
				return opts, fmt.Errorf(
					"boot: --parent needs an endpoint",
				)
			}
			opts.ParentAddr = args[i+1]
			i++

		case "--arbiter":
			if i+1 >= len(args) {
				return opts, fmt.Errorf(
					"boot: --arbiter needs an endpoint",
				)
			}
			opts.ArbiterAddr = args[i+1]
			i++

		case "--loglevel":
			if i+1 >= len(args) {
				return opts, fmt.Errorf(
					"boot: --loglevel needs a level",
				)
			}
			opts.LogLevel = args[i+1]
			i++

		default:
			return opts, fmt.Errorf(
				"boot: unknown child arg %q", args[i],
			)
		}
	}

	if opts.UID.IsZero() {
		return opts, fmt.Errorf("boot: child needs --uid")
	}
	if opts.ParentAddr == "" {
		return opts, fmt.Errorf("boot: child needs --parent")
	}

	return opts, nil
}

// parentCloseGrace is how long a child waits after losing its parent
// channel for a root-scope cancel to land, so a polite cancel_actor (RPC
// then channel close) isn't misread as a parent crash.
const parentCloseGrace = time.Second

// ChildMain is the spawned-child lifecycle: boot the actor, dial the
// parent, register with the arbiter, then serve until the main task
// completes, the root scope cancels, or the parent disappears. The
// returned error decides the process exit status — a failed main task
// exits non-zero, giving the parent its second (deduplicated) failure
// signal.
func ChildMain(ctx context.Context, opts ChildOptions) error {
	a := runtime.New(opts.UID)
	applyModules(a)

	if opts.observe != nil {
		opts.observe(a)
	}

	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		return err
	}

	parentCh, err := a.Connect(opts.ParentAddr, rtid.UID{})
	if err != nil {
		a.Cancel()
		return err
	}

	var arbClient *arbiter.Client
	if opts.ArbiterAddr != "" {
		arbClient, err = arbiter.Connect(a, opts.ArbiterAddr)
		if err != nil {
			log.Warnf("boot: child %s: arbiter unreachable: %v",
				opts.UID, err)
		} else if ep, perr := arbiter.ParseEndpoint(
			addr.String(),
		); perr == nil {
			if rerr := arbClient.Register(
				ctx, opts.UID.Name, ep,
			); rerr != nil {
				log.Warnf("boot: child %s: register: %v",
					opts.UID, rerr)
			}
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = nursery.NewExecLauncher()
	}
	command := opts.Command
	if command == "" {
		if exe, exeErr := os.Executable(); exeErr == nil {
			command = exe
		}
	}

	rt := &Runtime{
		Actor:       a,
		ListenAddr:  addr.String(),
		Arbiter:     arbClient,
		ArbiterAddr: opts.ArbiterAddr,
		launcher:    launcher,
		command:     command,
	}
	setCurrent(rt)
	defer clearRuntime(rt)

	var exitErr error
	select {
	case <-a.MainDone():
		exitErr = a.MainErr()

	case <-a.RootContext().Done():
		// Cancellation requested by an ancestor: silent completion.

	case <-ctx.Done():

	case <-parentCh.Done():
		// The parent channel died. If a cancel_actor just landed the
		// root scope is about to fire; give it a beat before
		// declaring the parent lost.
		select {
		case <-a.RootContext().Done():
		case <-a.MainDone():
			exitErr = a.MainErr()
		case <-time.After(parentCloseGrace):
			exitErr = fmt.Errorf("boot: parent channel lost")
		}
	}

	if arbClient != nil {
		bg := context.WithoutCancel(ctx)
		if uerr := arbClient.Unregister(bg, opts.UID.Name); uerr != nil {
			log.Debugf("boot: child %s: unregister: %v",
				opts.UID, uerr)
		}
	}

	a.Cancel()
	return exitErr
}
