// Package affine implements the 2x3 affine algebra used by the alignment
// recipe. A Matrix maps output (model) coordinates to input pixel
// coordinates, so resampling looks pixels up through it.
package affine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a 2x3 affine transform [[a b tx] [c d ty]].
type Matrix [2][3]float64

// Point is an image coordinate.
type Point struct {
	X, Y float64
}

// ErrSingular is returned when a transform has no inverse.
var ErrSingular = errors.New("affine: singular matrix")

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{{1, 0, 0}, {0, 1, 0}}
}

// Translation returns a pure translation.
func Translation(dx, dy float64) Matrix {
	return Matrix{{1, 0, dx}, {0, 1, dy}}
}

// Scaling returns an axis-aligned scale about the origin.
func Scaling(sx, sy float64) Matrix {
	return Matrix{{sx, 0, 0}, {0, sy, 0}}
}

// Rotation returns a counter-clockwise rotation by theta radians.
func Rotation(theta float64) Matrix {
	c, s := math.Cos(theta), math.Sin(theta)
	return Matrix{{c, -s, 0}, {s, c, 0}}
}

// SkewX returns a horizontal shear.
func SkewX(k float64) Matrix {
	return Matrix{{1, k, 0}, {0, 1, 0}}
}

// Compose returns a∘b: the transform that applies b first, then a.
func Compose(a, b Matrix) Matrix {
	var out Matrix
	for r := 0; r < 2; r++ {
		out[r][0] = a[r][0]*b[0][0] + a[r][1]*b[1][0]
		out[r][1] = a[r][0]*b[0][1] + a[r][1]*b[1][1]
		out[r][2] = a[r][0]*b[0][2] + a[r][1]*b[1][2] + a[r][2]
	}
	return out
}

// Then is shorthand for Compose(next, m).
func (m Matrix) Then(next Matrix) Matrix {
	return Compose(next, m)
}

// Apply maps a point through m.
func (m Matrix) Apply(p Point) Point {
	return Point{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2],
	}
}

// ApplyLinear maps a vector through the linear part of m only.
func (m Matrix) ApplyLinear(v Point) Point {
	return Point{
		X: m[0][0]*v.X + m[0][1]*v.Y,
		Y: m[1][0]*v.X + m[1][1]*v.Y,
	}
}

// Det returns the determinant of the linear part.
func (m Matrix) Det() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// Invert returns the inverse transform.
func (m Matrix) Invert() (Matrix, error) {
	if m.Det() == 0 {
		return Matrix{}, ErrSingular
	}
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		0, 0, 1,
	})
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Matrix{}, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}
	return Matrix{
		{inv.At(0, 0), inv.At(0, 1), inv.At(0, 2)},
		{inv.At(1, 0), inv.At(1, 1), inv.At(1, 2)},
	}, nil
}

// ScaleTranslation multiplies the translation column by f, which carries
// a transform between pyramid levels.
func (m Matrix) ScaleTranslation(f float64) Matrix {
	m[0][2] *= f
	m[1][2] *= f
	return m
}

// IsIdentity reports whether m equals the identity within tol.
func (m Matrix) IsIdentity(tol float64) bool {
	return m.Near(Identity(), tol)
}

// Near reports element-wise equality within tol.
func (m Matrix) Near(o Matrix, tol float64) bool {
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			if math.Abs(m[r][c]-o[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// Flat returns the six coefficients in row order.
func (m Matrix) Flat() [6]float64 {
	return [6]float64{m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2]}
}

func (m Matrix) String() string {
	return fmt.Sprintf("[[%.6g %.6g %.6g] [%.6g %.6g %.6g]]",
		m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2])
}
