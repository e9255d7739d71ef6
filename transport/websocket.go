package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket talks to a controller behind a websocket bridge (FluidNC's
// built-in web server, or a serial-port-JSON-server style gateway that
// forwards raw lines).
//
// Reads happen on a dedicated goroutine so that a quiet socket never
// wedges the connection; ReadAvailable just waits on the message channel.
type Websocket struct {
	URL string

	mx     sync.Mutex
	ws     *websocket.Conn
	msgs   chan []byte
	closed chan struct{}
}

func NewWebsocket(url string) *Websocket {
	return &Websocket{URL: url}
}

func (w *Websocket) Open() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.ws != nil {
		return nil
	}
	ws, _, err := websocket.DefaultDialer.Dial(w.URL, nil)
	if err != nil {
		return err
	}
	w.ws = ws
	w.msgs = make(chan []byte, 64)
	w.closed = make(chan struct{})
	go w.readLoop(ws, w.msgs, w.closed)
	return nil
}

func (w *Websocket) readLoop(ws *websocket.Conn, msgs chan []byte, closed chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			close(closed)
			return
		}
		select {
		case msgs <- data:
		case <-time.After(time.Second):
			// receiver stalled, drop the message
		}
	}
}

func (w *Websocket) Close() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.ws == nil {
		return nil
	}
	err := w.ws.Close()
	w.ws = nil
	return err
}

func (w *Websocket) IsOpen() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.ws == nil {
		return false
	}
	select {
	case <-w.closed:
		return false
	default:
		return true
	}
}

func (w *Websocket) Write(p []byte) (int, error) {
	w.mx.Lock()
	ws := w.ws
	w.mx.Unlock()
	if ws == nil {
		return 0, ErrNotOpen
	}
	if err := ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Websocket) ReadAvailable(timeout time.Duration) ([]byte, error) {
	w.mx.Lock()
	msgs, closed := w.msgs, w.closed
	w.mx.Unlock()
	if msgs == nil {
		return nil, ErrNotOpen
	}
	// deliver anything already buffered before reporting a dead socket
	select {
	case data := <-msgs:
		return data, nil
	default:
	}
	select {
	case data := <-msgs:
		return data, nil
	case <-closed:
		return nil, ErrClosed
	case <-time.After(timeout):
		return nil, nil
	}
}
