package grbl

import "sync"

// flowTracker emulates the firmware's finite receive buffer. The
// protocol has no per-byte acknowledgement, so the sender charges each
// command's wire size at write time and the receiver credits it back
// when the terminal line arrives.
//
// Kept on its own mutex so the sender never contends with receiver-held
// record state during normal operation.
type flowTracker struct {
	mx        sync.Mutex
	capacity  int
	remaining int
}

func newFlowTracker(capacity int) *flowTracker {
	return &flowTracker{capacity: capacity, remaining: capacity}
}

func (f *flowTracker) fits(n int) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return n <= f.remaining
}

func (f *flowTracker) consume(n int) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.remaining -= n
	if f.remaining < 0 {
		f.remaining = 0
	}
}

func (f *flowTracker) release(n int) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.remaining += n
	if f.remaining > f.capacity {
		f.remaining = f.capacity
	}
}

// resize applies a firmware-announced buffer size and considers the
// buffer empty.
func (f *flowTracker) resize(capacity int) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.capacity = capacity
	f.remaining = capacity
}

// reset marks the whole buffer free, as after a controller reset.
func (f *flowTracker) reset() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.remaining = f.capacity
}

func (f *flowTracker) snapshot() (capacity, remaining int) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.capacity, f.remaining
}
