package boot

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/runtime"
)

// InProcLauncher satisfies the nursery's ProcessLauncher by running each
// "child process" as a goroutine executing the same ChildMain lifecycle a
// real spawned binary would, over real loopback TCP. Scenario tests use it
// to exercise the whole protocol without forking.
type InProcLauncher struct {
	pids atomic.Int64
}

// NewInProcLauncher returns a launcher running children in-process.
func NewInProcLauncher() *InProcLauncher {
	return &InProcLauncher{}
}

// Spawn parses the runtime-entry argv and starts ChildMain in a goroutine.
func (l *InProcLauncher) Spawn(
	ctx context.Context, _ string, args, _ []string,
) (nursery.ProcessHandle, error) {

	opts, err := ParseChildArgs(args)
	if err != nil {
		return nil, err
	}

	// Grandchildren spawned by this child stay in-process too.
	opts.Launcher = l
	opts.Command = "in-proc"

	h := &inProcHandle{
		pid:  int(l.pids.Add(1)),
		done: make(chan struct{}),
	}

	opts.observe = func(a *runtime.Actor) {
		h.mu.Lock()
		h.actor = a
		killed := h.killed
		h.mu.Unlock()

		// Kill raced ahead of boot: honor it now.
		if killed {
			a.Cancel()
		}
	}

	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	go func() {
		defer close(h.done)
		h.err = ChildMain(childCtx, opts)
	}()

	return h, nil
}

type inProcHandle struct {
	pid    int
	done   chan struct{}
	err    error
	cancel context.CancelFunc

	mu     sync.Mutex
	actor  *runtime.Actor
	killed bool
}

func (h *inProcHandle) PID() int { return h.pid }

// Stdio reports no streams: an in-process child shares the test binary's.
func (h *inProcHandle) Stdio() (io.WriteCloser, io.ReadCloser, io.ReadCloser) {
	return nil, nil, nil
}

func (h *inProcHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *inProcHandle) Signal(os.Signal) error {
	return h.Kill()
}

// Kill cancels the child's root scope, the in-process analogue of
// SIGTERM-then-kill.
func (h *inProcHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	a := h.actor
	h.mu.Unlock()

	if a != nil {
		go a.Cancel()
	}
	if h.cancel != nil {
		h.cancel()
	}

	select {
	case <-h.done:
		return nil
	default:
		return fmt.Errorf("boot: in-proc child still exiting")
	}
}
