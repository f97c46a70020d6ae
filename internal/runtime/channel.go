package runtime

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/wire"
)

// handshakeTimeout bounds every handshake; exceeding it is an error,
// never a silent hang.
const handshakeTimeout = 10 * time.Second

// Channel is a bidirectional framed message transport bound to a single
// peer. Channels are owned by the Actor; Portals only borrow them. Writes
// are serialised by writeMu so a single channel's frames are never
// interleaved even when multiple RPC handler goroutines reply on it
// concurrently.
type Channel struct {
	conn    net.Conn
	peerUID rtid.UID

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// newChannel wraps conn, performing the uid handshake. expectPeer, if
// non-zero, is validated against the peer's reported uid; a mismatch
// closes the channel.
func newChannel(
	conn net.Conn, self rtid.UID, expectPeer rtid.UID,
) (*Channel, error) {

	ch := &Channel{conn: conn, closed: make(chan struct{})}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("runtime: set handshake deadline: %w", err)
	}

	hsErrCh := make(chan error, 1)
	hsCh := make(chan wire.Handshake, 1)
	go func() {
		if err := wire.WriteHandshake(conn, wire.Handshake{UID: self}); err != nil {
			hsErrCh <- err
			return
		}
		hs, err := wire.ReadHandshake(conn)
		if err != nil {
			hsErrCh <- err
			return
		}
		hsCh <- hs
	}()

	select {
	case err := <-hsErrCh:
		conn.Close()
		return nil, fmt.Errorf("runtime: handshake failed: %w", err)
	case hs := <-hsCh:
		if !expectPeer.IsZero() && hs.UID != expectPeer {
			conn.Close()
			return nil, fmt.Errorf(
				"runtime: handshake peer mismatch: "+
					"expected %s, got %s",
				expectPeer, hs.UID,
			)
		}
		ch.peerUID = hs.UID
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("runtime: clear handshake deadline: %w", err)
	}

	return ch, nil
}

// PeerUID returns the peer's uid, populated once the handshake completes.
func (c *Channel) PeerUID() rtid.UID {
	return c.peerUID
}

// Send writes one frame, serialised against concurrent senders.
func (c *Channel) Send(tag wire.Tag, value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, tag, value)
}

// Close closes the underlying connection. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done reports a channel that is closed once the connection is torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}
