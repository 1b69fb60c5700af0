package endpoints

// Simple wrapper to make a logical connection look enough like a
// net.Conn to satisfy the socks5 server, which only takes
// net.Conn connections.

import (
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/connmux/pkg/muxconn"
	muxshare "github.com/sammck-go/connmux/share"
)

var _ muxshare.WriteHalfCloser = (*connWrapper)(nil)

type connWrapper struct {
	*muxconn.Connection
}

// NewNetConn thinly wraps a logical connection so it looks enough like net.Conn
// to fool a socks5 server. CloseWrite, which the socks5 server explicitly checks
// for, comes from the connection itself. Deadlines are not supported.
func NewNetConn(conn *muxconn.Connection) net.Conn {
	return &connWrapper{Connection: conn}
}

func (c *connWrapper) LocalAddr() net.Addr {
	return c
}

func (c *connWrapper) RemoteAddr() net.Addr {
	return c
}

func (c *connWrapper) Network() string {
	return "connmux"
}

func (c *connWrapper) String() string {
	if u := c.User(); u != "" {
		return fmt.Sprintf("%s@%s", c.ID(), u)
	}
	return c.ID()
}

func (c *connWrapper) SetDeadline(t time.Time) error {
	return nil //no-op
}

func (c *connWrapper) SetReadDeadline(t time.Time) error {
	return nil //no-op
}

func (c *connWrapper) SetWriteDeadline(t time.Time) error {
	return nil //no-op
}
