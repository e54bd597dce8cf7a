package affine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FitAffine returns the least-squares transform taking each src point to
// the matching dst point. With fewer than three pairs only the mean
// translation is fitted.
func FitAffine(src, dst []Point) (Matrix, error) {
	if len(src) != len(dst) {
		return Matrix{}, fmt.Errorf("fit affine: %d source points but %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n == 0 {
		return Matrix{}, errors.New("fit affine: no points")
	}
	if n < 3 {
		var dx, dy float64
		for i := range src {
			dx += dst[i].X - src[i].X
			dy += dst[i].Y - src[i].Y
		}
		return Translation(dx/float64(n), dy/float64(n)), nil
	}

	a := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, p := range src {
		a.Set(i, 0, p.X)
		a.Set(i, 1, p.Y)
		a.Set(i, 2, 1)
		bx.SetVec(i, dst[i].X)
		by.SetVec(i, dst[i].Y)
	}

	var rx, ry mat.VecDense
	if err := rx.SolveVec(a, bx); err != nil {
		return Matrix{}, fmt.Errorf("fit affine: %w", err)
	}
	if err := ry.SolveVec(a, by); err != nil {
		return Matrix{}, fmt.Errorf("fit affine: %w", err)
	}
	return Matrix{
		{rx.AtVec(0), rx.AtVec(1), rx.AtVec(2)},
		{ry.AtVec(0), ry.AtVec(1), ry.AtVec(2)},
	}, nil
}

// Polyfit fits a polynomial of the given degree to (xs, ys) by least
// squares and returns its coefficients highest power first. The degree is
// clamped to len(xs)-1; the missing high-order terms are zero.
func Polyfit(xs, ys []float64, degree int) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("polyfit: %d x values but %d y values", len(xs), len(ys))
	}
	if degree < 0 {
		return nil, fmt.Errorf("polyfit: negative degree %d", degree)
	}
	coeffs := make([]float64, degree+1)
	n := len(xs)
	if n == 0 {
		return coeffs, nil
	}
	eff := degree
	if eff > n-1 {
		eff = n - 1
	}
	cols := eff + 1

	// Vandermonde matrix with column scaling for conditioning.
	v := mat.NewDense(n, cols, nil)
	for i, x := range xs {
		for j := 0; j < cols; j++ {
			v.Set(i, j, math.Pow(x, float64(eff-j)))
		}
	}
	scale := make([]float64, cols)
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, v)
		norm := mat.Norm(mat.NewVecDense(n, col), 2)
		if norm == 0 {
			norm = 1
		}
		scale[j] = norm
		for i := 0; i < n; i++ {
			v.Set(i, j, v.At(i, j)/norm)
		}
	}

	var c mat.VecDense
	if err := c.SolveVec(v, mat.NewVecDense(n, append([]float64(nil), ys...))); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("polyfit: %w", err)
		}
	}
	off := degree - eff
	for j := 0; j < cols; j++ {
		coeffs[off+j] = c.AtVec(j) / scale[j]
	}
	return coeffs, nil
}

// Polyval evaluates p (highest power first) at x.
func Polyval(p []float64, x float64) float64 {
	var y float64
	for _, c := range p {
		y = y*x + c
	}
	return y
}

// Polyder returns the derivative of p.
func Polyder(p []float64) []float64 {
	if len(p) <= 1 {
		return nil
	}
	order := len(p) - 1
	d := make([]float64, order)
	for i := 0; i < order; i++ {
		d[i] = p[i] * float64(order-i)
	}
	return d
}
