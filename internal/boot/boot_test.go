package boot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/rtid"
)

func TestParseChildArgsRoundTrip(t *testing.T) {
	t.Parallel()

	uid := rtid.NewUID("worker")
	args := nursery.SpawnArgs(uid, "127.0.0.1:4000", "127.0.0.1:7627")

	opts, err := ParseChildArgs(args)
	require.NoError(t, err)
	require.Equal(t, uid, opts.UID)
	require.Equal(t, "127.0.0.1:4000", opts.ParentAddr)
	require.Equal(t, "127.0.0.1:7627", opts.ArbiterAddr)
}

func TestParseChildArgsOptionalArbiter(t *testing.T) {
	t.Parallel()

	uid := rtid.NewUID("worker")
	args := nursery.SpawnArgs(uid, "127.0.0.1:4000", "")

	opts, err := ParseChildArgs(args)
	require.NoError(t, err)
	require.Empty(t, opts.ArbiterAddr)
}

func TestParseChildArgsRejectsIncomplete(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{},
		{"--uid", "only-name"},
		{"--uid", "name", "inst"},
		{"--parent", "127.0.0.1:1"},
		{"--uid", "name", "inst", "--parent"},
		{"--bogus"},
	}
	for _, args := range cases {
		_, err := ParseChildArgs(args)
		require.Error(t, err, "args %v", args)
	}
}

func TestRunExecutesEntryAndReturnsValue(t *testing.T) {
	t.Parallel()

	val, err := Run(context.Background(), "root", Options{
		Launcher:    NewInProcLauncher(),
		Command:     "in-proc",
		SkipArbiter: true,
	}, func(ctx context.Context, rt *Runtime) (any, error) {
		require.NotNil(t, rt.Actor)
		require.NotEmpty(t, rt.ListenAddr)
		require.NotNil(t, rt.DebugMutex)

		// The process handle is reachable from inside the entry.
		cur, err := Current()
		require.NoError(t, err)
		require.Same(t, rt, cur)

		byActor, err := RuntimeFor(rt.Actor)
		require.NoError(t, err)
		require.Same(t, rt, byActor)

		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func TestRunStartsArbiterAndRegisters(t *testing.T) {
	t.Parallel()

	// An ephemeral arbiter endpoint so parallel tests don't fight over
	// the well-known port: bind a throwaway listener to learn a free
	// port, release it, and hand the address to Run.
	free := freeLoopbackAddr(t)

	_, err := Run(context.Background(), "root", Options{
		Launcher:    NewInProcLauncher(),
		Command:     "in-proc",
		ArbiterAddr: free,
	}, func(ctx context.Context, rt *Runtime) (any, error) {
		require.NotNil(t, rt.ArbiterService)
		require.NotNil(t, rt.Arbiter)

		// Run registered us under our own name.
		ep, err := rt.Arbiter.Find(ctx, "root")
		require.NoError(t, err)
		require.True(t, ep.IsSome())

		// find_actor resolves ourselves through the arbiter.
		p, err := rt.FindActor(ctx, "root")
		require.NoError(t, err)
		require.True(t, p.IsSome())

		return nil, nil
	})
	require.NoError(t, err)
}
