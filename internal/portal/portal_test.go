package portal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/nursery/internal/portal"
	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/wire"
)

// newActorPair boots two actors over loopback TCP and returns a portal
// from caller to server.
func newActorPair(t *testing.T) (*runtime.Actor, *runtime.Actor, *portal.Portal) {
	t.Helper()

	server := runtime.New(rtid.NewUID("server"))
	caller := runtime.New(rtid.NewUID("caller"))
	t.Cleanup(func() {
		caller.Cancel()
		server.Cancel()
	})

	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ch, err := caller.Connect(addr.String(), server.UID)
	require.NoError(t, err)

	return server, caller, portal.New(caller, ch)
}

func TestRunSingleResult(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("greeter", "Hello",
		func(_ context.Context, kwargs map[string]any) (any, error) {
			name, _ := kwargs["name"].(string)
			return "hello " + name, nil
		},
	)
	server.Registry.Expose("greeter")

	val, seq, err := p.Run(context.Background(), "greeter", "Hello",
		map[string]any{"name": "world"})
	require.NoError(t, err)
	require.Nil(t, seq)
	require.Equal(t, "hello world", val)
}

func TestRunBlockingOffloaded(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterBlocking("work", "Sum",
		func(_ context.Context, kwargs map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return int64(41 + 1), nil
		}, false,
	)
	server.Registry.Expose("work")

	val, _, err := p.Run(context.Background(), "work", "Sum", nil)
	require.NoError(t, err)
	require.EqualValues(t, 42, val)
}

func TestRunStreamCollects(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterStream("seq", "Count",
		func(_ context.Context, kwargs map[string]any,
			yield func(any) bool) error {

			for i := 0; i < 10; i++ {
				if !yield(int64(i)) {
					return nil
				}
			}
			return nil
		},
	)
	server.Registry.Expose("seq")

	_, seq, err := p.Run(context.Background(), "seq", "Count", nil)
	require.NoError(t, err)
	require.NotNil(t, seq)

	var got []int64
	for v, err := range seq {
		require.NoError(t, err)
		n, ok := wire.AsInt64(v)
		require.True(t, ok, "got %T", v)
		got = append(got, n)
	}
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestStreamOrderPerContext(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	const n = 200
	server.Registry.RegisterStream("seq", "Burst",
		func(_ context.Context, _ map[string]any,
			yield func(any) bool) error {

			for i := 0; i < n; i++ {
				if !yield(int64(i)) {
					return nil
				}
			}
			return nil
		},
	)
	server.Registry.Expose("seq")

	// Frames within one cid must arrive in send order, even with a
	// bounded mailbox applying backpressure mid-stream.
	_, seq, err := p.Run(context.Background(), "seq", "Burst", nil)
	require.NoError(t, err)

	next := int64(0)
	for v, err := range seq {
		require.NoError(t, err)
		n, ok := wire.AsInt64(v)
		require.True(t, ok, "got %T", v)
		require.Equal(t, next, n)
		next++
	}
	require.EqualValues(t, n, next)
}

func TestStreamEarlyBreakCancelsProducer(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	producerStopped := make(chan struct{})
	server.Registry.RegisterStream("seq", "Infinite",
		func(ctx context.Context, _ map[string]any,
			yield func(any) bool) error {

			defer close(producerStopped)
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				if !yield(int64(i)) {
					return nil
				}
			}
		},
	)
	server.Registry.Expose("seq")

	_, seq, err := p.Run(context.Background(), "seq", "Infinite", nil)
	require.NoError(t, err)

	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
		if count == 5 {
			break
		}
	}

	select {
	case <-producerStopped:
	case <-time.After(5 * time.Second):
		t.Fatal("producer kept running after consumer broke out")
	}
}

func TestRunRemoteErrorKind(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("broken", "Fail",
		func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("assertion failed: false")
		},
	)
	server.Registry.Expose("broken")

	_, _, err := p.Run(context.Background(), "broken", "Fail", nil)
	require.Error(t, err)

	var remote *rterr.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, server.UID, remote.OriginUID)
	require.Contains(t, remote.Message, "assertion failed")
}

func TestRunModuleNotExposed(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	// Registered but never exposed.
	server.Registry.RegisterFunc("hidden", "Fn",
		func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	)

	_, _, err := p.Run(context.Background(), "hidden", "Fn", nil)
	var remote *rterr.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, string(rterr.KindModuleNotExposed), remote.OriginKind)
}

func TestRunFuncNotFound(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("mod", "Exists",
		func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	)
	server.Registry.Expose("mod")

	_, _, err := p.Run(context.Background(), "mod", "Missing", nil)
	var remote *rterr.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, string(rterr.KindFuncNotFound), remote.OriginKind)
}

func TestFunctionsIntrospection(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("mod", "A",
		func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	)
	server.Registry.Expose("mod")

	val, _, err := p.Run(context.Background(), "actor", "Functions", nil)
	require.NoError(t, err)

	names, ok := val.([]any)
	require.True(t, ok, "got %T", val)
	require.Contains(t, names, "mod.A")
	require.Contains(t, names, "actor.CancelRoot")
}

func TestMainTaskResult(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("appmod", "Main",
		func(context.Context, map[string]any) (any, error) {
			return "Dang that's beautiful", nil
		},
	)
	server.Registry.Expose("appmod")

	require.NoError(t, p.StartMain("appmod", "Main", nil))

	val, err := p.Result(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Dang that's beautiful", val)

	// The server side records main completion.
	select {
	case <-server.MainDone():
		require.NoError(t, server.MainErr())
	case <-time.After(time.Second):
		t.Fatal("main completion never signalled")
	}
}

func TestMainTaskError(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	server.Registry.RegisterFunc("appmod", "Main",
		func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	)
	server.Registry.Expose("appmod")

	require.NoError(t, p.StartMain("appmod", "Main", nil))

	_, err := p.Result(context.Background())
	var remote *rterr.RemoteError
	require.ErrorAs(t, err, &remote)

	<-server.MainDone()
	require.Error(t, server.MainErr())
}

func TestChannelCloseSurfacesToAwaiter(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	started := make(chan struct{})
	server.Registry.RegisterFunc("slow", "Forever",
		func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	server.Registry.Expose("slow")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := p.Run(context.Background(), "slow", "Forever", nil)
		errCh <- err
	}()

	<-started
	server.Cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("awaiter never observed channel close")
	}
}

func TestCancelActorStopsPeer(t *testing.T) {
	t.Parallel()

	server, _, p := newActorPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.CancelActor(ctx))

	select {
	case <-server.RootContext().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer root scope never cancelled")
	}
}
