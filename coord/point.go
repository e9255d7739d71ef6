package coord

import "fmt"

// Point is a 3-axis machine coordinate, in whatever units the firmware
// is reporting (G21 millimeters unless configured otherwise).
type Point struct{ X, Y, Z float64 }

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y && p.Z == b.Z
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	return p
}

func (p Point) String() string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z)
}
