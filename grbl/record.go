package grbl

import "time"

// Command tracks the lifecycle of one queued firmware command, from
// submission through its terminal ok/error line. Realtime commands are
// never tracked. All fields are guarded by the session's record mutex.
type Command struct {
	ID   int64
	Text string

	// Responses holds the intermediate lines received before the
	// terminal line; the terminal line itself is never included.
	Responses []string

	Complete bool
	Err      bool

	EnqueuedAt   time.Time
	Timeout      time.Duration
	LogResponses bool
}

// wireSize is the number of bytes the command occupies in the firmware's
// receive buffer: the text plus one newline terminator.
func (c *Command) wireSize() int {
	return len(c.Text) + 1
}
