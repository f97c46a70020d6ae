package boot

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// freeLoopbackAddr reserves and releases an ephemeral loopback port,
// returning its address for a component that insists on binding a
// concrete endpoint.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	return addr
}
