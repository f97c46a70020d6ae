package arbiter_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/nursery/internal/arbiter"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

// newHost boots an actor hosting an arbiter (optionally persistent) on an
// ephemeral endpoint, returning its address.
func newHost(t *testing.T, store *arbiter.Store) (*runtime.Actor, string) {
	t.Helper()

	host := runtime.New(rtid.NewUID("arbiter_host"))
	t.Cleanup(host.Cancel)

	addr, err := host.Listen("127.0.0.1:0")
	require.NoError(t, err)

	_, err = arbiter.Host(host, store)
	require.NoError(t, err)

	return host, addr.String()
}

func newClient(t *testing.T, addr string) *arbiter.Client {
	t.Helper()

	a := runtime.New(rtid.NewUID("arbiter_client"))
	t.Cleanup(a.Cancel)

	c, err := arbiter.Connect(a, addr)
	require.NoError(t, err)

	return c
}

func TestRegisterFindUnregister(t *testing.T) {
	t.Parallel()

	_, addr := newHost(t, nil)
	c := newClient(t, addr)
	ctx := context.Background()

	ep := arbiter.Endpoint{Host: "127.0.0.1", Port: 4100}
	require.NoError(t, c.Register(ctx, "worker", ep))

	got, err := c.Find(ctx, "worker")
	require.NoError(t, err)
	require.True(t, got.IsSome())
	got.WhenSome(func(e arbiter.Endpoint) {
		require.Equal(t, ep, e)
	})

	// Re-registering is idempotent and last-writer-wins.
	ep2 := arbiter.Endpoint{Host: "127.0.0.1", Port: 4101}
	require.NoError(t, c.Register(ctx, "worker", ep2))

	got, err = c.Find(ctx, "worker")
	require.NoError(t, err)
	got.WhenSome(func(e arbiter.Endpoint) {
		require.Equal(t, ep2, e)
	})

	require.NoError(t, c.Unregister(ctx, "worker"))

	got, err = c.Find(ctx, "worker")
	require.NoError(t, err)
	require.True(t, got.IsNone())
}

func TestFindUnknownReturnsNone(t *testing.T) {
	t.Parallel()

	_, addr := newHost(t, nil)
	c := newClient(t, addr)

	got, err := c.Find(context.Background(), "nobody")
	require.NoError(t, err)
	require.True(t, got.IsNone())
}

func TestListSnapshotsTable(t *testing.T) {
	t.Parallel()

	_, addr := newHost(t, nil)
	c := newClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "a",
		arbiter.Endpoint{Host: "127.0.0.1", Port: 1}))
	require.NoError(t, c.Register(ctx, "b",
		arbiter.Endpoint{Host: "127.0.0.1", Port: 2}))

	table, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, table, 2)
	require.Equal(t, 1, table["a"].Port)
	require.Equal(t, 2, table["b"].Port)
}

func TestRecordDroppedWhenChannelCloses(t *testing.T) {
	t.Parallel()

	_, addr := newHost(t, nil)
	ctx := context.Background()

	ephemeral := runtime.New(rtid.NewUID("ephemeral"))
	c, err := arbiter.Connect(ephemeral, addr)
	require.NoError(t, err)

	require.NoError(t, c.Register(ctx, "ephemeral",
		arbiter.Endpoint{Host: "127.0.0.1", Port: 9}))

	// A second, surviving client observes the registration vanish once
	// the owner's channel goes away.
	observer := newClient(t, addr)

	got, err := observer.Find(ctx, "ephemeral")
	require.NoError(t, err)
	require.True(t, got.IsSome())

	ephemeral.Cancel()

	require.Eventually(t, func() bool {
		got, err := observer.Find(ctx, "ephemeral")
		return err == nil && got.IsNone()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPersistentRegistryRehydrates(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "arbiter.db")

	store, err := arbiter.NewStore(dbPath, nil)
	require.NoError(t, err)

	_, addr := newHost(t, store)
	c := newClient(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "durable",
		arbiter.Endpoint{Host: "127.0.0.1", Port: 4242}))

	require.NoError(t, store.Close())

	// A fresh arbiter process over the same database sees the record.
	store2, err := arbiter.NewStore(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	_, addr2 := newHost(t, store2)
	c2 := newClient(t, addr2)

	got, err := c2.Find(ctx, "durable")
	require.NoError(t, err)
	require.True(t, got.IsSome())
	got.WhenSome(func(e arbiter.Endpoint) {
		require.Equal(t, 4242, e.Port)
	})
}

func TestFindActorOpensPortal(t *testing.T) {
	t.Parallel()

	_, addr := newHost(t, nil)
	ctx := context.Background()

	// A target actor that registers itself and serves an RPC.
	target := runtime.New(rtid.NewUID("target"))
	t.Cleanup(target.Cancel)
	targetAddr, err := target.Listen("127.0.0.1:0")
	require.NoError(t, err)

	target.Registry.RegisterFunc("pingmod", "Ping",
		func(context.Context, map[string]any) (any, error) {
			return "pong", nil
		},
	)
	target.Registry.Expose("pingmod")

	targetClient, err := arbiter.Connect(target, addr)
	require.NoError(t, err)
	ep, err := arbiter.ParseEndpoint(targetAddr.String())
	require.NoError(t, err)
	require.NoError(t, targetClient.Register(ctx, "target", ep))

	// The seeker resolves the name and calls through the portal.
	seeker := runtime.New(rtid.NewUID("seeker"))
	t.Cleanup(seeker.Cancel)
	seekerClient, err := arbiter.Connect(seeker, addr)
	require.NoError(t, err)

	found, err := arbiter.FindActor(ctx, seeker, seekerClient, "target")
	require.NoError(t, err)
	require.True(t, found.IsSome())

	p := found.UnwrapOr(nil)
	require.NotNil(t, p)

	val, _, err := p.Run(ctx, "pingmod", "Ping", nil)
	require.NoError(t, err)
	require.Equal(t, "pong", val)

	// Unknown names stay None.
	missing, err := arbiter.FindActor(ctx, seeker, seekerClient, "nope")
	require.NoError(t, err)
	require.True(t, missing.IsNone())
}
