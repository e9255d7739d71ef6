package grbl

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted device: Write calls are recorded, and
// tests feed firmware lines through push.
type fakeTransport struct {
	mx       sync.Mutex
	open     bool
	opens    int
	writes   []string
	failNext error

	incoming chan []byte
}

func newFakeTransport(open bool) *fakeTransport {
	return &fakeTransport{open: open, incoming: make(chan []byte, 64)}
}

func (f *fakeTransport) Open() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.open = true
	f.opens++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.open
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeTransport) ReadAvailable(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeTransport) push(line string) {
	f.incoming <- []byte(line + "\n")
}

func (f *fakeTransport) openCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.opens
}

func (f *fakeTransport) written() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) wrote(s string) bool {
	for _, w := range f.written() {
		if w == s {
			return true
		}
	}
	return false
}

func startSession(t *testing.T, f *fakeTransport, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithStatusInterval(-1)}, opts...)
	s := New(f, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestSession_SubmitAndResponse(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	f.push("Grbl 1.1f ['$' for help]")

	id := s.Submit("$$")
	require.NotZero(t, id)

	_, ok := s.Response(id)
	assert.False(t, ok, "no response before the terminal line")

	require.Eventually(t, func() bool { return f.wrote("$$\n") }, time.Second, 10*time.Millisecond)

	f.push("$0=10")
	f.push("$1=25")
	f.push("ok")

	require.Eventually(t, func() bool {
		_, ok := s.Response(id)
		return ok
	}, time.Second, 10*time.Millisecond)

	lines, ok := s.Response(id)
	require.True(t, ok)
	assert.Equal(t, []string{"$0=10", "$1=25"}, lines)
	assert.False(t, s.Errored(id))

	// the returned list is stable
	again, _ := s.Response(id)
	assert.Equal(t, lines, again)
}

func TestSession_RealtimeUntracked(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	s.SubmitRealtime("?")

	require.Eventually(t, func() bool {
		n := 0
		for _, w := range f.written() {
			if w == "?" {
				n++
			}
		}
		return n == 2 // initial probe plus the submitted one
	}, time.Second, 10*time.Millisecond)

	stats := s.ConnectionStats()
	assert.Equal(t, DefaultBufferSize, stats["bufferRemaining"], "realtime bytes never charge the flow window")
	assert.Equal(t, 0, stats["tracked"])

	_, ok := s.Response(0)
	assert.False(t, ok)
}

func TestSession_FIFOAndSingleInFlight(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	a := s.Submit("G0 X1")
	b := s.Submit("G0 X2")

	require.Eventually(t, func() bool { return f.wrote("G0 X1\n") }, time.Second, 10*time.Millisecond)

	// second command holds until the first completes
	time.Sleep(150 * time.Millisecond)
	assert.False(t, f.wrote("G0 X2\n"))

	f.push("ok")
	require.Eventually(t, func() bool { return f.wrote("G0 X2\n") }, time.Second, 10*time.Millisecond)
	f.push("ok")

	require.Eventually(t, func() bool {
		_, okA := s.Response(a)
		_, okB := s.Response(b)
		return okA && okB
	}, time.Second, 10*time.Millisecond)

	var ia, ib int
	for i, w := range f.written() {
		switch w {
		case "G0 X1\n":
			ia = i
		case "G0 X2\n":
			ib = i
		}
	}
	assert.Less(t, ia, ib, "same-priority commands dispatch in submission order")
}

func TestSession_OversizedCommandNotDropped(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f, WithBufferSize(4))

	id := s.Submit("12345") // wire size 6 > capacity 4

	time.Sleep(300 * time.Millisecond)
	assert.False(t, f.wrote("12345\n"))

	_, ok := s.Response(id)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return s.ConnectionStats()["pending"].(int) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_ErrorFinalizesWithDescription(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	id := s.Submit("G1 X10")
	require.Eventually(t, func() bool { return f.wrote("G1 X10\n") }, time.Second, 10*time.Millisecond)

	f.push("error:9")

	require.Eventually(t, func() bool {
		_, ok := s.Response(id)
		return ok
	}, time.Second, 10*time.Millisecond)

	lines, _ := s.Response(id)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "locked out")
	assert.True(t, s.Errored(id))
}

func TestSession_AlarmHaltsSendingUntilReset(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	f.push("ALARM:1")
	require.Eventually(t, s.AlarmActive, time.Second, 10*time.Millisecond)

	id := s.Submit("G0 X1")
	time.Sleep(200 * time.Millisecond)
	assert.False(t, f.wrote("G0 X1\n"), "alarm latch blocks the sender")

	f.push("Restarting")
	require.Eventually(t, func() bool { return !s.AlarmActive() }, time.Second, 10*time.Millisecond)

	// the reset also voided the queued command
	_, ok := s.Response(id)
	assert.False(t, ok)
}

func TestSession_ResetClearsAllState(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	f.push("<Idle|MPos:0.000,0.000,0.000>")
	require.Eventually(t, func() bool {
		_, ok := s.CurrentStatus()
		return ok
	}, time.Second, 10*time.Millisecond)

	id := s.Submit("$H")
	require.Eventually(t, func() bool { return f.wrote("$H\n") }, time.Second, 10*time.Millisecond)

	f.push("rst")

	require.Eventually(t, func() bool {
		return s.ConnectionStats()["tracked"].(int) == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := s.Response(id)
	assert.False(t, ok, "records from before the reset are gone")
	_, ok = s.CurrentStatus()
	assert.False(t, ok, "telemetry snapshot cleared")
	assert.Equal(t, int64(1), s.ConnectionStats()["resets"])
}

func TestSession_StatusTelemetry(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	f.push("<Idle|MPos:1.000,2.000,0.000|FS:500,0>")

	require.Eventually(t, func() bool {
		_, ok := s.CurrentStatus()
		return ok
	}, time.Second, 10*time.Millisecond)

	snap, _ := s.CurrentStatus()
	assert.Equal(t, "Idle", snap.State)
	assert.Equal(t, 1.0, snap.MPos.X)
	assert.Equal(t, 500, *snap.FeedRate)
	assert.True(t, s.Connected())
}

func TestSession_BufferSizeAnnouncement(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	f.push("[OPT:V,15,256]")

	require.Eventually(t, func() bool {
		return s.ConnectionStats()["bufferCapacity"].(int) == 256
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 256, s.ConnectionStats()["bufferRemaining"])
}

func TestSession_CommandTimeout(t *testing.T) {
	f := newFakeTransport(true)
	s := New(f, WithStatusInterval(30*time.Millisecond))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	opt := DefaultSubmitOptions()
	opt.Timeout = 40 * time.Millisecond
	id := s.SubmitWith("G4 P10", opt)

	require.Eventually(t, func() bool {
		lines, ok := s.Response(id)
		return ok && len(lines) > 0 && lines[len(lines)-1] == "TIMEOUT"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Errored(id))
}

func TestSession_ReconnectsAfterTelemetryStall(t *testing.T) {
	f := newFakeTransport(true)
	s := New(f, WithStatusInterval(30*time.Millisecond))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	// no telemetry ever arrives: after five intervals the health check
	// must latch the lost flag and reopen the transport
	require.Eventually(t, func() bool {
		stats := s.ConnectionStats()
		return stats["reconnects"].(int64) >= 1 && f.openCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.IsOpen())
	assert.True(t, f.wrote("?"), "reopen is followed by a status probe")

	// a successful reopen plus probe clears the lost flag
	require.Eventually(t, func() bool {
		return !s.ConnectionStats()["connectionLost"].(bool)
	}, 2*time.Second, 5*time.Millisecond)

	// once telemetry flows again the link stays healthy
	f.push("<Idle|MPos:0.000,0.000,0.000>")
	require.Eventually(t, s.Connected, time.Second, 10*time.Millisecond)
}

func TestSession_WriteFailureMarksLostAndRequeues(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	// let the initial probe through first
	require.Eventually(t, func() bool { return f.wrote("?") }, time.Second, 10*time.Millisecond)

	f.mx.Lock()
	f.failNext = errors.New("broken pipe")
	f.mx.Unlock()

	id := s.Submit("G0 X5")

	require.Eventually(t, func() bool {
		return s.ConnectionStats()["connectionLost"].(bool)
	}, time.Second, 10*time.Millisecond)

	// still queued, not dropped
	_, ok := s.Response(id)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return s.ConnectionStats()["pending"].(int) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_FlushPending(t *testing.T) {
	f := newFakeTransport(true)
	s := New(f) // not started: nothing drains the queue

	a := s.Submit("G0 X1")
	s.Submit("G0 X2")
	s.SubmitRealtime("!")

	assert.Equal(t, 3, s.FlushPending())
	assert.Equal(t, 0, s.ConnectionStats()["pending"])

	_, ok := s.Response(a)
	assert.False(t, ok)
	assert.Equal(t, 0, s.FlushPending())
}

func TestSession_WaitAll(t *testing.T) {
	f := newFakeTransport(true)
	s := startSession(t, f)

	id := s.Submit("$H")
	assert.False(t, s.WaitAll(100*time.Millisecond))

	require.Eventually(t, func() bool { return f.wrote("$H\n") }, time.Second, 10*time.Millisecond)
	f.push("ok")

	assert.True(t, s.WaitAll(time.Second))
	_, ok := s.Response(id)
	assert.True(t, ok)
}

func TestSession_StopClosesOwnedTransport(t *testing.T) {
	f := newFakeTransport(false)
	s := New(f, WithStatusInterval(-1))
	require.NoError(t, s.Start())
	require.True(t, f.IsOpen())

	require.NoError(t, s.Stop())
	assert.False(t, f.IsOpen(), "session opened the transport, so Stop closes it")
}

func TestSession_StopLeavesCallerTransportOpen(t *testing.T) {
	f := newFakeTransport(true)
	s := New(f, WithStatusInterval(-1))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	assert.True(t, f.IsOpen(), "caller-supplied transport stays open")
}

func TestSession_SoftReset(t *testing.T) {
	f := newFakeTransport(true)
	s := New(f, WithStatusInterval(-1))

	require.NoError(t, s.SoftReset())
	assert.True(t, f.wrote("\x18"))
}
