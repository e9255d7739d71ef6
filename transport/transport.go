// Package transport provides byte-stream connections to a motion
// controller: a physical serial port, a raw TCP socket, or a websocket
// bridge. All backends present the same bounded-read contract so the
// protocol layer never blocks indefinitely.
package transport

import (
	"errors"
	"time"
)

// ErrNotOpen is returned by Write and ReadAvailable when the connection
// has not been opened, or has been closed locally.
var ErrNotOpen = errors.New("transport: not open")

// ErrClosed is returned once the remote end has closed the connection.
var ErrClosed = errors.New("transport: connection closed")

// Transport is a duplex byte stream to the controller.
//
// ReadAvailable returns whatever bytes arrived within the timeout; an
// empty result with a nil error means nothing arrived, which is normal
// and not a failure. The timeout is a lower bound: backends whose read
// timeout is fixed by the underlying device (Serial) round it up to one
// read cycle.
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) (n int, err error)
	ReadAvailable(timeout time.Duration) ([]byte, error)
	IsOpen() bool
}
