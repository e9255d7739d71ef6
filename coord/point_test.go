package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoint_Add(t *testing.T) {
	a := Point{X: 1, Y: 2, Z: 3}
	b := Point{X: 4, Y: 5, Z: 6}

	assert.Equal(t, Point{X: 5, Y: 7, Z: 9}, a.Add(b))
}

func TestPoint_Sub(t *testing.T) {
	a := Point{X: 10, Y: 5, Z: 2.5}
	b := Point{X: 4, Y: 5, Z: 0.5}

	assert.Equal(t, Point{X: 6, Y: 0, Z: 2}, a.Sub(b))
}

func TestPoint_Equal(t *testing.T) {
	a := Point{X: 1, Y: 2, Z: 3}

	assert.True(t, a.Equal(Point{X: 1, Y: 2, Z: 3}))
	assert.False(t, a.Equal(Point{X: 1, Y: 2, Z: 3.001}))
}

func TestPoint_String(t *testing.T) {
	assert.Equal(t, "1.000,2.500,0.000", Point{X: 1, Y: 2.5}.String())
}
