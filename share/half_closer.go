package muxshare

// WriteHalfCloser is an interface for bidirectional io streams that implement CloseWrite()
type WriteHalfCloser interface {
	// CloseWrite shuts down the writing half of a bidirectional io stream (e.g., "socket").
	// Corresponds to net.TCPConn.CloseWrite(). This method is called by the writer to
	// indicate end-of-stream; no further writes are possible after this call. However, the
	// read half of the bidirectional stream remains active.
	CloseWrite() error
}
