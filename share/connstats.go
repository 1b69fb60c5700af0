package muxshare

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps track of currently open and total session counts for an entity,
// and of the bytes carried by sessions that have closed
type ConnStats struct {
	count    atomic.Int32
	open     atomic.Int32
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// New adds one to the total session count
func (c *ConnStats) New() int32 {
	return c.count.Add(1)
}

// Open adds one to the current open session count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the open session count and adds the closed session's
// byte counts to the totals
func (c *ConnStats) Close(in, out int64) {
	c.open.Add(-1)
	c.bytesIn.Add(in)
	c.bytesOut.Add(out)
}

// NumOpen returns the number of sessions currently open
func (c *ConnStats) NumOpen() int32 {
	return c.open.Load()
}

// NumTotal returns the number of sessions ever started
func (c *ConnStats) NumTotal() int32 {
	return c.count.Load()
}

// BytesIn returns the bytes delivered to applications by closed sessions
func (c *ConnStats) BytesIn() int64 {
	return c.bytesIn.Load()
}

// BytesOut returns the bytes written by applications of closed sessions
func (c *ConnStats) BytesOut() int64 {
	return c.bytesOut.Load()
}

// Traffic formats the byte totals for logging
func (c *ConnStats) Traffic() string {
	return fmt.Sprintf("in %s out %s", sizestr.ToString(c.BytesIn()), sizestr.ToString(c.BytesOut()))
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.NumOpen(), c.NumTotal())
}
