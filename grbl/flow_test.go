package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowTracker(t *testing.T) {
	f := newFlowTracker(128)

	capacity, remaining := f.snapshot()
	assert.Equal(t, 128, capacity)
	assert.Equal(t, 128, remaining)

	assert.True(t, f.fits(128))
	assert.False(t, f.fits(129))

	f.consume(100)
	assert.True(t, f.fits(28))
	assert.False(t, f.fits(29))

	f.release(50)
	_, remaining = f.snapshot()
	assert.Equal(t, 78, remaining)
}

func TestFlowTracker_Clamps(t *testing.T) {
	f := newFlowTracker(10)

	// never negative
	f.consume(25)
	_, remaining := f.snapshot()
	assert.Equal(t, 0, remaining)

	// never above capacity
	f.release(100)
	_, remaining = f.snapshot()
	assert.Equal(t, 10, remaining)
}

func TestFlowTracker_Resize(t *testing.T) {
	f := newFlowTracker(128)
	f.consume(60)

	f.resize(256)
	capacity, remaining := f.snapshot()
	assert.Equal(t, 256, capacity)
	assert.Equal(t, 256, remaining)
}

func TestFlowTracker_Reset(t *testing.T) {
	f := newFlowTracker(128)
	f.consume(100)

	f.reset()
	capacity, remaining := f.snapshot()
	assert.Equal(t, 128, capacity)
	assert.Equal(t, 128, remaining)
}
