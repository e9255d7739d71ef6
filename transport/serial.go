package transport

import (
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the rate GRBL 1.1 boards ship with.
const DefaultBaud = 115200

const serialReadTimeout = 100 * time.Millisecond

// Serial talks to a controller over a local serial device.
type Serial struct {
	Device string
	Baud   int

	mx   sync.Mutex
	port *serial.Port
}

func NewSerial(device string, baud int) *Serial {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &Serial{Device: device, Baud: baud}
}

func (s *Serial) Open() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        s.Device,
		Baud:        s.Baud,
		ReadTimeout: serialReadTimeout,
	})
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

func (s *Serial) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) IsOpen() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.port != nil
}

func (s *Serial) Write(p []byte) (int, error) {
	s.mx.Lock()
	port := s.port
	s.mx.Unlock()
	if port == nil {
		return 0, ErrNotOpen
	}
	return port.Write(p)
}

// ReadAvailable reads whatever the device has buffered. The port's
// read timeout is fixed at open time; a requested timeout shorter than
// one read cycle still waits the full cycle.
func (s *Serial) ReadAvailable(timeout time.Duration) ([]byte, error) {
	s.mx.Lock()
	port := s.port
	s.mx.Unlock()
	if port == nil {
		return nil, ErrNotOpen
	}
	buf := make([]byte, 1024)
	n, err := port.Read(buf)
	if err == io.EOF {
		// timeout with no data
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
