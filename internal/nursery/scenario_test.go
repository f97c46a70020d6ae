package nursery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/nursery/internal/boot"
	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/wire"
)

// The scenario suite runs whole actor trees in-process: every child is a
// goroutine executing the real child lifecycle over real loopback TCP, so
// the full protocol — spawn args, handshake, module exposure, main
// context, cancellation — is exercised without forking.

func init() {
	boot.RegisterModule("linguist", func(a *runtime.Actor) {
		a.Registry.RegisterFunc("linguist", "Speak",
			func(context.Context, map[string]any) (any, error) {
				return "Dang that's beautiful", nil
			},
		)
	})

	boot.RegisterModule("streamer", func(a *runtime.Actor) {
		a.Registry.RegisterStream("streamer", "StreamSeq",
			func(_ context.Context, kwargs map[string]any,
				yield func(any) bool) error {

				seq, _ := kwargs["sequence"].([]any)
				for _, v := range seq {
					if !yield(v) {
						return nil
					}
				}
				return nil
			},
		)
	})

	boot.RegisterModule("errmod", func(a *runtime.Actor) {
		a.Registry.RegisterFunc("errmod", "AssertErr",
			func(context.Context, map[string]any) (any, error) {
				return nil, errors.New(
					"assertion failed: false",
				)
			},
		)
	})

	boot.RegisterModule("sleeper", func(a *runtime.Actor) {
		a.Registry.RegisterFunc("sleeper", "Sleep",
			func(ctx context.Context, _ map[string]any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		)
	})

	boot.RegisterModule("inf", func(a *runtime.Actor) {
		a.Registry.RegisterStream("inf", "Stream",
			func(ctx context.Context, _ map[string]any,
				yield func(any) bool) error {

				for i := int64(0); ; i++ {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(10 * time.Millisecond):
					}
					if !yield(i) {
						return nil
					}
				}
			},
		)
	})

	boot.RegisterModule("agg", func(a *runtime.Actor) {
		a.Registry.RegisterStream("agg", "Aggregate",
			func(ctx context.Context, kwargs map[string]any,
				yield func(any) bool) error {

				return aggregate(ctx, a, kwargs, yield)
			},
		)
	})
}

// aggregate fans two streamer children in and merges their values into a
// unique-values stream terminated by a nil sentinel.
func aggregate(
	ctx context.Context, a *runtime.Actor, kwargs map[string]any,
	yield func(any) bool,
) error {

	n, ok := wire.AsInt64(kwargs["n"])
	if !ok {
		return errors.New("aggregate needs an integer n")
	}

	rt, err := boot.RuntimeFor(a)
	if err != nil {
		return err
	}

	nur, err := rt.OpenNursery(ctx)
	if err != nil {
		return err
	}
	defer nur.Close()

	seq := make([]any, n)
	for i := range seq {
		seq[i] = int64(i)
	}

	merged := make(chan any, int(n))
	consume := func(name string) error {
		p, err := nur.StartActor(
			ctx, name, []string{"streamer"}, nil,
		)
		if err != nil {
			return err
		}
		_, stream, err := p.Run(ctx, "streamer", "StreamSeq",
			map[string]any{"sequence": seq})
		if err != nil {
			return err
		}
		for v, err := range stream {
			if err != nil {
				return err
			}
			merged <- v
		}
		return nil
	}

	errCh := make(chan error, 2)
	for _, name := range []string{"streamer_0", "streamer_1"} {
		go func(name string) { errCh <- consume(name) }(name)
	}

	seen := make(map[int64]struct{})
	for done := 0; done < 2; {
		select {
		case v := <-merged:
			i, _ := wire.AsInt64(v)
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			if !yield(v) {
				return nil
			}
		case err := <-errCh:
			if err != nil {
				return err
			}
			done++
		case <-ctx.Done():
			return nil
		}
	}

	// Drain anything that landed between the last select rounds.
	for {
		select {
		case v := <-merged:
			i, _ := wire.AsInt64(v)
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			if !yield(v) {
				return nil
			}
		default:
			yield(nil)
			return nil
		}
	}
}

// runRoot boots a root runtime wired to the in-process launcher and hands
// it to f.
func runRoot(
	t *testing.T, f func(ctx context.Context, rt *boot.Runtime) error,
) {
	t.Helper()

	_, err := boot.Run(context.Background(), "root", boot.Options{
		Launcher:    boot.NewInProcLauncher(),
		Command:     "in-proc",
		SkipArbiter: true,
	}, func(ctx context.Context, rt *boot.Runtime) (any, error) {
		return nil, f(ctx, rt)
	})
	require.NoError(t, err)
}

// Scenario: single remote call through run_in_actor.
func TestRunInActorSingleResult(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		p, err := n.RunInActor(
			ctx, "some_linguist", "linguist", "Speak", nil,
		)
		require.NoError(t, err)

		val, err := p.Result(ctx)
		require.NoError(t, err)
		require.Equal(t, "Dang that's beautiful", val)

		require.NoError(t, n.Close())
		require.Empty(t, n.Children())
		require.False(t, n.Cancelled())
		return nil
	})
}

// Scenario: remote streamed sequence, then cancel_actor.
func TestStartActorStreamedSequence(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		p, err := n.StartActor(
			ctx, "streamerd", []string{"streamer"}, nil,
		)
		require.NoError(t, err)

		seq := make([]any, 10)
		for i := range seq {
			seq[i] = int64(i)
		}
		_, stream, err := p.Run(ctx, "streamer", "StreamSeq",
			map[string]any{"sequence": seq})
		require.NoError(t, err)

		var got []int64
		for v, err := range stream {
			require.NoError(t, err)
			i, ok := wire.AsInt64(v)
			require.True(t, ok, "got %T", v)
			got = append(got, i)
		}
		require.Equal(t,
			[]int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

		require.NoError(t, p.CancelActor(ctx))

		require.NoError(t, n.Close())
		require.Empty(t, n.Children())
		return nil
	})
}

// Scenario: remote error propagation from a failing main task.
func TestRunInActorErrorPropagates(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		p, err := n.RunInActor(
			ctx, "asserter", "errmod", "AssertErr", nil,
		)
		require.NoError(t, err)

		_, err = p.Result(ctx)
		var remote *rterr.RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, "asserter", remote.OriginUID.Name)
		require.Contains(t, remote.Message, "assertion failed")

		closeErr := n.Close()
		require.Error(t, closeErr)
		require.True(t, n.Cancelled())
		require.Empty(t, n.Children())
		return nil
	})
}

// Scenario: one child fails, every sibling cancels.
func TestOneFailsAllCancel(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		for _, name := range []string{"h0", "h1", "h2"} {
			_, err := n.StartActor(
				ctx, name, []string{"sleeper"}, nil,
			)
			require.NoError(t, err)
		}

		_, err = n.RunInActor(
			ctx, "extra", "errmod", "AssertErr", nil,
		)
		require.NoError(t, err)

		closeErr := n.Close()
		require.Error(t, closeErr)

		var remote *rterr.RemoteError
		require.ErrorAs(t, closeErr, &remote)

		require.True(t, n.Cancelled())
		require.Empty(t, n.Children())
		return nil
	})
}

// Scenario: a timeout around the nursery block cancels an infinite
// stream's producer.
func TestTimeoutCancelsInfiniteStream(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		scopeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		n, err := rt.OpenNursery(scopeCtx)
		require.NoError(t, err)

		p, err := n.StartActor(
			scopeCtx, "infd", []string{"inf"}, nil,
		)
		require.NoError(t, err)

		_, stream, err := p.Run(scopeCtx, "inf", "Stream", nil)
		require.NoError(t, err)

		// Consume until the deadline interrupts the stream.
		for _, err := range stream {
			if err != nil {
				break
			}
		}

		require.NoError(t, n.Close())
		require.True(t, n.Cancelled())
		require.Empty(t, n.Children())
		return nil
	})
}

// Scenario: fan-in through an aggregator child that runs its own nursery
// of streamers.
func TestAggregatorFanIn(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		const n = 12

		nur, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		p, err := nur.StartActor(ctx, "aggd", []string{"agg"}, nil)
		require.NoError(t, err)

		_, stream, err := p.Run(ctx, "agg", "Aggregate",
			map[string]any{"n": int64(n)})
		require.NoError(t, err)

		seen := make(map[int64]int)
		sawTerminator := false
		for v, err := range stream {
			require.NoError(t, err)
			if v == nil {
				sawTerminator = true
				break
			}
			i, ok := wire.AsInt64(v)
			require.True(t, ok, "got %T", v)
			seen[i]++
		}

		require.True(t, sawTerminator)
		require.Len(t, seen, n)
		for i := int64(0); i < n; i++ {
			require.Equal(t, 1, seen[i], "value %d", i)
		}

		require.NoError(t, p.CancelActor(ctx))
		require.NoError(t, nur.Close())
		return nil
	})
}

// Statespace seeded through start_actor is visible inside the child.
func TestStartActorSeedsStatespace(t *testing.T) {
	boot.RegisterModule("statereader", func(a *runtime.Actor) {
		a.Registry.RegisterFunc("statereader", "Get",
			func(ctx context.Context,
				kwargs map[string]any) (any, error) {

				key, _ := kwargs["key"].(string)
				v, _, err := a.State.Get(ctx, key)
				return v, err
			},
		)
	})

	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)
		defer n.Close()

		p, err := n.StartActor(ctx, "stateful",
			[]string{"statereader"},
			map[string]any{"color": "green"})
		require.NoError(t, err)

		val, _, err := p.Run(ctx, "statereader", "Get",
			map[string]any{"key": "color"})
		require.NoError(t, err)
		require.Equal(t, "green", val)

		require.NoError(t, p.CancelActor(ctx))
		return nil
	})
}

// Explicit nursery cancel settles children as cancelled, not errored.
func TestExplicitCancelIsSilent(t *testing.T) {
	runRoot(t, func(ctx context.Context, rt *boot.Runtime) error {
		n, err := rt.OpenNursery(ctx)
		require.NoError(t, err)

		_, err = n.StartActor(ctx, "victim", []string{"sleeper"}, nil)
		require.NoError(t, err)

		n.Cancel()

		require.NoError(t, n.Close())
		require.True(t, n.Cancelled())
		require.Empty(t, n.Children())
		return nil
	})
}

var _ nursery.ProcessLauncher = (*boot.InProcLauncher)(nil)
