package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srvCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srvCh <- conn
	}()

	tr := NewTCP(ln.Addr().String())
	assert.False(t, tr.IsOpen())

	_, err = tr.Write([]byte("x"))
	assert.Equal(t, ErrNotOpen, err)

	require.NoError(t, tr.Open())
	assert.True(t, tr.IsOpen())
	srv := <-srvCh
	defer srv.Close()

	n, err := tr.Write([]byte("G0 X1\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 16)
	n, err = srv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "G0 X1\n", string(buf[:n]))

	// quiet socket: timeout is empty, not an error
	data, err := tr.ReadAvailable(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = srv.Write([]byte("ok\n"))
	require.NoError(t, err)
	data, err = tr.ReadAvailable(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))

	sent, received := tr.Counters()
	assert.Equal(t, uint64(6), sent)
	assert.Equal(t, uint64(3), received)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
}
