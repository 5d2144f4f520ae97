package conn

import "errors"

// Common connection errors
var (
	// ErrConnectionFailed means the transport could not be established or the
	// reconnection policy was exhausted.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectTimeout is returned by WaitForConnection when the deadline
	// elapses before the connection reaches the connected state.
	ErrConnectTimeout = errors.New("timed out waiting for connection")
)
