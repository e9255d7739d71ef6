// Package grbl implements the command/response protocol engine for
// GRBL-family motion controllers. It serializes outgoing commands
// against the firmware's small receive buffer, demultiplexes response
// and telemetry lines back to the submitting command, and monitors
// connection health, all over a caller-supplied byte-stream transport.
package grbl

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cncio/grblink/transport"
)

const (
	// DefaultBufferSize is the assumed firmware RX buffer until an
	// [OPT:...] report announces the real value.
	DefaultBufferSize = 128

	DefaultStatusInterval = 3 * time.Second
	DefaultTimeout        = 10 * time.Second
	DefaultRetention      = 30 * time.Second

	// DefaultPriority is the queue priority for ordinary commands.
	// PriorityRealtime commands bypass tracking and flow control.
	DefaultPriority  = 10
	PriorityRealtime = 0
)

// Realtime control bytes.
const (
	ByteStatusQuery byte = '?'
	ByteCycleStart  byte = '~'
	ByteFeedHold    byte = '!'
	ByteSoftReset   byte = 0x18
)

const (
	popTimeout    = 250 * time.Millisecond
	readTimeout   = 200 * time.Millisecond
	retryBackoff  = 50 * time.Millisecond
	faultBackoff  = 500 * time.Millisecond
	stopJoinLimit = 5 * time.Second
)

// SubmitOptions control how one command is queued and tracked.
type SubmitOptions struct {
	Priority     int
	Timeout      time.Duration
	LogResponses bool
}

// DefaultSubmitOptions returns the options Submit uses.
func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		Priority:     DefaultPriority,
		Timeout:      DefaultTimeout,
		LogResponses: true,
	}
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithStatusInterval sets the status poll period. A non-positive value
// disables the status loop, including health checks and record GC.
func WithStatusInterval(d time.Duration) Option {
	return func(s *Session) { s.statusInterval = d }
}

func WithBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.flow = newFlowTracker(n)
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Session) { s.retention = d }
}

// OwnTransport makes Stop close the transport even though the caller
// supplied it already open.
func OwnTransport() Option {
	return func(s *Session) { s.ownsTransport = true }
}

// Session is one device connection: a command queue, the response
// registry, and the three background loops servicing them.
//
// Lock ownership: mx guards records, activeID and alarm; stateMx guards
// snapshot, lastTelemetry and connectionLost; the flow tracker and the
// queue carry their own locks.
//
// The alarm latch is cleared only by a reset-classified line from the
// firmware, never by an unlock command or a timeout. That mirrors the
// controller's own escalation model; do not "fix" it here.
type Session struct {
	t   transport.Transport
	log *logrus.Entry

	statusInterval time.Duration
	retention      time.Duration
	ownsTransport  bool

	queue *commandQueue
	flow  *flowTracker

	mx       sync.Mutex
	records  map[int64]*Command
	activeID int64
	alarm    bool

	stateMx        sync.Mutex
	snapshot       *Snapshot
	lastTelemetry  time.Time
	connectionLost bool

	nextID int64

	linesSent      int64
	linesReceived  int64
	bytesWritten   int64
	completed      int64
	protocolErrors int64
	resets         int64
	reconnects     int64
	timeouts       int64

	runMx   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Session over t. The transport may already be open;
// otherwise Start opens it and Stop will close it.
func New(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		t:              t,
		log:            logrus.NewEntry(logrus.StandardLogger()),
		statusInterval: DefaultStatusInterval,
		retention:      DefaultRetention,
		queue:          newCommandQueue(),
		flow:           newFlowTracker(DefaultBufferSize),
		records:        make(map[int64]*Command),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the transport if needed, launches the background loops,
// and probes the firmware with an initial status query.
func (s *Session) Start() error {
	s.runMx.Lock()
	defer s.runMx.Unlock()
	if s.running {
		return nil
	}
	if !s.t.IsOpen() {
		if err := s.t.Open(); err != nil {
			return err
		}
		s.ownsTransport = true
	}

	s.stateMx.Lock()
	s.lastTelemetry = time.Now()
	s.connectionLost = false
	s.stateMx.Unlock()

	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(2)
	go s.senderLoop()
	go s.receiverLoop()
	if s.statusInterval > 0 {
		s.wg.Add(1)
		go s.statusLoop()
	}

	s.writeRealtime(ByteStatusQuery)
	return nil
}

// Stop signals the loops, joins them with a bounded wait, closes the
// transport if this session opened it, and clears in-memory state.
func (s *Session) Stop() error {
	s.runMx.Lock()
	if !s.running {
		s.runMx.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.runMx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinLimit):
		s.log.Warn("background loops did not stop within the join limit")
	}

	var err error
	if s.ownsTransport {
		err = s.t.Close()
	}

	s.queue.drain()
	s.mx.Lock()
	s.records = make(map[int64]*Command)
	s.activeID = 0
	s.mx.Unlock()
	return err
}

// SoftReset writes the reset byte directly to the transport, bypassing
// the queue entirely.
func (s *Session) SoftReset() error {
	_, err := s.t.Write([]byte{ByteSoftReset})
	return err
}

// Submit queues a command with default options and returns its id.
func (s *Session) Submit(text string) int64 {
	return s.SubmitWith(text, DefaultSubmitOptions())
}

// SubmitWith queues a command. Priority 0 marks it realtime: no record
// is created, no id is returned, and only its first byte is written,
// ahead of flow-control accounting.
func (s *Session) SubmitWith(text string, opt SubmitOptions) int64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	if opt.Priority == PriorityRealtime {
		s.queue.push(PriorityRealtime, 0, text)
		return 0
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}

	id := atomic.AddInt64(&s.nextID, 1)
	cmd := &Command{
		ID:           id,
		Text:         text,
		EnqueuedAt:   time.Now(),
		Timeout:      opt.Timeout,
		LogResponses: opt.LogResponses,
	}
	s.mx.Lock()
	s.records[id] = cmd
	s.mx.Unlock()

	s.queue.push(opt.Priority, id, text)
	return id
}

// SubmitRealtime queues a realtime control byte for immediate dispatch.
// Realtime commands are never tracked and produce no id.
func (s *Session) SubmitRealtime(text string) {
	opt := DefaultSubmitOptions()
	opt.Priority = PriorityRealtime
	s.SubmitWith(text, opt)
}

// Response returns the accumulated lines for id once its terminal line
// has arrived. It returns false while the command is still in flight,
// and after the record has been reset away or garbage-collected.
func (s *Session) Response(id int64) ([]string, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	cmd := s.records[id]
	if cmd == nil || !cmd.Complete {
		return nil, false
	}
	out := make([]string, len(cmd.Responses))
	copy(out, cmd.Responses)
	return out, true
}

// Errored reports whether a completed command finished with an error
// line or a timeout. It returns false while the command is incomplete.
func (s *Session) Errored(id int64) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	cmd := s.records[id]
	return cmd != nil && cmd.Complete && cmd.Err
}

// CurrentStatus returns the most recent telemetry snapshot.
func (s *Session) CurrentStatus() (Snapshot, bool) {
	s.stateMx.Lock()
	snap := s.snapshot
	s.stateMx.Unlock()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Connected reports whether the link looks healthy: not marked lost,
// and telemetry seen within three status intervals.
func (s *Session) Connected() bool {
	interval := s.statusInterval
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	s.stateMx.Lock()
	defer s.stateMx.Unlock()
	return !s.connectionLost && time.Since(s.lastTelemetry) <= interval*3
}

// AlarmActive reports whether an alarm is latched. Sending halts while
// it is; only a firmware reset line clears it.
func (s *Session) AlarmActive() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.alarm
}

// ConnectionStats returns a point-in-time view of session counters.
func (s *Session) ConnectionStats() map[string]interface{} {
	capacity, remaining := s.flow.snapshot()
	s.mx.Lock()
	tracked := len(s.records)
	alarm := s.alarm
	s.mx.Unlock()
	s.stateMx.Lock()
	lost := s.connectionLost
	age := time.Since(s.lastTelemetry)
	s.stateMx.Unlock()

	return map[string]interface{}{
		"connected":         s.Connected(),
		"connectionLost":    lost,
		"alarm":             alarm,
		"pending":           s.queue.len(),
		"tracked":           tracked,
		"bufferCapacity":    capacity,
		"bufferRemaining":   remaining,
		"linesSent":         atomic.LoadInt64(&s.linesSent),
		"linesReceived":     atomic.LoadInt64(&s.linesReceived),
		"bytesWritten":      atomic.LoadInt64(&s.bytesWritten),
		"commandsCompleted": atomic.LoadInt64(&s.completed),
		"protocolErrors":    atomic.LoadInt64(&s.protocolErrors),
		"timeouts":          atomic.LoadInt64(&s.timeouts),
		"resets":            atomic.LoadInt64(&s.resets),
		"reconnects":        atomic.LoadInt64(&s.reconnects),
		"lastTelemetryAge":  age.Seconds(),
	}
}

// FlushPending drops every not-yet-sent command and returns how many
// were dropped. In-flight commands are unaffected.
func (s *Session) FlushPending() int {
	items := s.queue.drain()
	s.mx.Lock()
	for _, it := range items {
		if it.id != 0 {
			delete(s.records, it.id)
		}
	}
	s.mx.Unlock()
	return len(items)
}

// WaitAll polls until every tracked command is complete, or the timeout
// elapses.
func (s *Session) WaitAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.allComplete() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (s *Session) allComplete() bool {
	if s.queue.len() > 0 {
		return false
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, cmd := range s.records {
		if !cmd.Complete {
			return false
		}
	}
	return true
}

// sleep waits for d or until the session is stopping.
func (s *Session) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) lostConnection() bool {
	s.stateMx.Lock()
	defer s.stateMx.Unlock()
	return s.connectionLost
}

func (s *Session) markLost(err error) {
	s.stateMx.Lock()
	already := s.connectionLost
	s.connectionLost = true
	s.stateMx.Unlock()
	if !already {
		s.log.WithError(err).Warn("transport fault, connection marked lost")
	}
}

func (s *Session) writeRealtime(b byte) error {
	_, err := s.t.Write([]byte{b})
	if err != nil {
		s.markLost(err)
		return err
	}
	atomic.AddInt64(&s.bytesWritten, 1)
	return nil
}

// senderLoop drains the queue, enforcing the alarm latch, connection
// health, and firmware buffer flow control.
func (s *Session) senderLoop() {
	defer s.wg.Done()
	for {
		if s.stopping() {
			return
		}
		if s.AlarmActive() || s.lostConnection() {
			s.sleep(faultBackoff)
			continue
		}

		it, ok := s.queue.pop(popTimeout)
		if !ok {
			continue
		}

		if it.priority == PriorityRealtime {
			if err := s.writeRealtime(it.text[0]); err != nil {
				s.queue.requeue(it)
				s.sleep(faultBackoff)
			}
			continue
		}

		s.sendQueued(it)
	}
}

func (s *Session) sendQueued(it queueItem) {
	s.mx.Lock()
	cmd := s.records[it.id]
	busy := s.activeID != 0
	s.mx.Unlock()
	if cmd == nil || cmd.Complete {
		// flushed, reset away, or already timed out
		return
	}

	size := cmd.wireSize()
	// one command in flight: terminal lines are attributed to the
	// active record, so the next command waits for the slot as well
	// as for buffer space
	if busy || !s.flow.fits(size) {
		s.queue.requeue(it)
		s.sleep(retryBackoff)
		return
	}

	s.mx.Lock()
	s.activeID = it.id
	s.mx.Unlock()

	if _, err := s.t.Write([]byte(it.text + "\n")); err != nil {
		s.mx.Lock()
		if s.activeID == it.id {
			s.activeID = 0
		}
		s.mx.Unlock()
		s.markLost(err)
		s.queue.requeue(it)
		s.sleep(faultBackoff)
		return
	}

	// optimistic accounting: the firmware has not acked, but its
	// buffer is now logically occupied
	s.flow.consume(size)
	atomic.AddInt64(&s.linesSent, 1)
	atomic.AddInt64(&s.bytesWritten, int64(size))
}

// receiverLoop assembles lines from the transport and classifies them.
func (s *Session) receiverLoop() {
	defer s.wg.Done()
	var buf []byte
	for {
		if s.stopping() {
			return
		}
		data, err := s.t.ReadAvailable(readTimeout)
		if err != nil {
			if s.stopping() {
				return
			}
			s.markLost(err)
			s.sleep(faultBackoff)
			continue
		}
		if len(data) == 0 {
			continue
		}
		buf = append(buf, data...)
		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(buf[:i]))
			buf = buf[i+1:]
			if line == "" {
				continue
			}
			s.handleLine(line)
		}
	}
}

func (s *Session) handleLine(line string) {
	atomic.AddInt64(&s.linesReceived, 1)
	kind, code := classify(line)
	switch kind {
	case lineWelcome:
		s.log.WithField("banner", line).Info("firmware banner")
	case lineStatus:
		s.handleStatus(line)
	case lineBracket:
		if n, ok := parseBufferSize(line); ok {
			s.flow.resize(n)
			s.log.WithField("bytes", n).Debug("firmware announced receive buffer size")
		}
	case lineOK:
		s.finishActive(false, "")
	case lineError:
		atomic.AddInt64(&s.protocolErrors, 1)
		s.finishActive(true, describeErrorLine(line, code))
	case lineAlarm:
		s.handleAlarm(line)
	case lineReset:
		s.handleReset(line)
	default:
		s.appendToActive(line)
	}
}

func (s *Session) handleStatus(line string) {
	snap, err := parseStatus(line)
	if err != nil {
		s.log.WithError(err).WithField("line", line).Warn("unparseable status report")
		return
	}
	s.stateMx.Lock()
	s.snapshot = snap
	s.lastTelemetry = snap.Timestamp
	s.connectionLost = false
	s.stateMx.Unlock()
}

func describeErrorLine(line string, code int) string {
	if code >= 0 {
		return ErrorDescription(code)
	}
	// pre-1.1 firmware reports the message inline
	return strings.TrimSpace(line[len("error:"):])
}

// finishActive finalizes the active command on its terminal line and
// returns its wire bytes to the flow window.
func (s *Session) finishActive(isErr bool, extra string) {
	s.mx.Lock()
	cmd := s.records[s.activeID]
	s.activeID = 0
	var size int
	if cmd != nil && !cmd.Complete {
		if extra != "" {
			cmd.Responses = append(cmd.Responses, extra)
		}
		cmd.Complete = true
		cmd.Err = isErr
		size = cmd.wireSize()
	}
	s.mx.Unlock()

	if cmd == nil {
		s.log.Debug("terminal line with no command in flight")
		return
	}
	s.flow.release(size)
	atomic.AddInt64(&s.completed, 1)
}

func (s *Session) handleAlarm(line string) {
	s.mx.Lock()
	s.alarm = true
	s.mx.Unlock()

	entry := s.log.WithField("line", line)
	if i := strings.Index(line, "ALARM:"); i >= 0 {
		if code, err := strconv.Atoi(strings.TrimSpace(line[i+len("ALARM:"):])); err == nil {
			entry = entry.WithField("detail", AlarmDescription(code))
		}
	}
	entry.Warn("alarm latched, sending halted")
}

// handleReset drops all client-side state after the controller reports
// a reset: the firmware's buffer and job context are gone, so every
// pending and in-flight command is void.
func (s *Session) handleReset(line string) {
	dropped := len(s.queue.drain())

	s.mx.Lock()
	dropped += len(s.records)
	s.records = make(map[int64]*Command)
	s.activeID = 0
	s.alarm = false
	s.mx.Unlock()

	s.flow.reset()

	s.stateMx.Lock()
	s.snapshot = nil
	s.stateMx.Unlock()

	atomic.AddInt64(&s.resets, 1)
	s.log.WithFields(logrus.Fields{"line": line, "dropped": dropped}).Info("controller reset observed")
}

func (s *Session) appendToActive(line string) {
	s.mx.Lock()
	cmd := s.records[s.activeID]
	if cmd != nil {
		if cmd.LogResponses {
			cmd.Responses = append(cmd.Responses, line)
		}
		s.mx.Unlock()
		return
	}
	s.mx.Unlock()
	s.log.WithField("line", line).Debug("unsolicited line discarded")
}

// statusLoop polls the firmware and runs health and GC maintenance.
func (s *Session) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		s.writeRealtime(ByteStatusQuery)
		s.checkHealth()
		s.collectGarbage()
	}
}

func (s *Session) checkHealth() {
	s.stateMx.Lock()
	stale := time.Since(s.lastTelemetry) > s.statusInterval*5
	lost := s.connectionLost
	if stale {
		s.connectionLost = true
	}
	s.stateMx.Unlock()

	if !stale && !lost {
		return
	}
	s.reconnect()
}

// reconnect reopens the transport and probes for status. The lost flag
// clears only after both succeed.
func (s *Session) reconnect() {
	atomic.AddInt64(&s.reconnects, 1)
	s.log.Warn("connection unhealthy, reopening transport")

	s.t.Close()
	if err := s.t.Open(); err != nil {
		s.log.WithError(err).Error("transport reopen failed")
		return
	}
	if _, err := s.t.Write([]byte{ByteStatusQuery}); err != nil {
		s.log.WithError(err).Error("status probe after reopen failed")
		return
	}

	s.stateMx.Lock()
	s.connectionLost = false
	s.lastTelemetry = time.Now()
	s.stateMx.Unlock()
	s.log.Info("transport reopened")
}

// collectGarbage expires completed records past the retention window
// and force-fails commands that outlived their own timeout.
func (s *Session) collectGarbage() {
	now := time.Now()
	var timedOut []int64

	s.mx.Lock()
	for id, cmd := range s.records {
		if cmd.Complete {
			if now.Sub(cmd.EnqueuedAt) > s.retention {
				delete(s.records, id)
			}
			continue
		}
		if now.Sub(cmd.EnqueuedAt) > cmd.Timeout {
			cmd.Responses = append(cmd.Responses, "TIMEOUT")
			cmd.Complete = true
			cmd.Err = true
			if s.activeID == id {
				s.activeID = 0
				// logical timeout only: the firmware may still hold
				// these bytes, but the slot must not wedge forever
				defer s.flow.release(cmd.wireSize())
			}
			timedOut = append(timedOut, id)
		}
	}
	s.mx.Unlock()

	for _, id := range timedOut {
		atomic.AddInt64(&s.timeouts, 1)
		s.log.WithField("id", id).Warn("command timed out without a terminal line")
	}
}
