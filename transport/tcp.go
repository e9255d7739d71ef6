package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDialTimeout = 10 * time.Second

// TCP talks to a controller exposed on a network socket, such as an
// ESP32 board or a serial-to-ethernet bridge.
type TCP struct {
	Addr        string
	DialTimeout time.Duration

	mx   sync.Mutex
	conn net.Conn

	bytesSent     uint64
	bytesReceived uint64
}

func NewTCP(addr string) *TCP {
	return &TCP{Addr: addr, DialTimeout: defaultDialTimeout}
}

func (t *TCP) Open() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.Addr, t.DialTimeout)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *TCP) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) IsOpen() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.conn != nil
}

func (t *TCP) Write(p []byte) (int, error) {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return 0, ErrNotOpen
	}
	n, err := conn.Write(p)
	atomic.AddUint64(&t.bytesSent, uint64(n))
	return n, err
}

func (t *TCP) ReadAvailable(timeout time.Duration) ([]byte, error) {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return nil, ErrNotOpen
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if n > 0 {
		atomic.AddUint64(&t.bytesReceived, uint64(n))
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return buf[:n], nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Counters reports total bytes sent and received over the lifetime of
// the connection.
func (t *TCP) Counters() (sent, received uint64) {
	return atomic.LoadUint64(&t.bytesSent), atomic.LoadUint64(&t.bytesReceived)
}
