package affine

import (
	"math"
)

// Components is the decomposition of a cumulative transform used for
// trend fitting.
type Components struct {
	Rot    float64
	ScaleX float64
	ScaleY float64
	SkewX  float64
	X      float64
	Y      float64
	Det    float64
}

// Decompose splits m into rotation, scale, skew and translation.
func Decompose(m Matrix) Components {
	rot := math.Atan(m[1][0] / m[0][0])
	cos, sin := math.Cos(rot), math.Sin(rot)
	scaleX := math.Sqrt(m[0][0]*m[0][0] + m[1][0]*m[1][0])
	scaleY := m[1][1]*cos - m[0][1]*sin
	skewX := (m[0][1]*cos + m[1][1]*sin) / scaleY
	return Components{
		Rot:    rot,
		ScaleX: scaleX,
		ScaleY: scaleY,
		SkewX:  skewX,
		X:      m[0][2],
		Y:      m[1][2],
		Det:    m.Det(),
	}
}

// Trends holds one polynomial (highest power first) per component fitted
// against layer index.
type Trends struct {
	Order  int
	SkewX  []float64
	ScaleX []float64
	ScaleY []float64
	Rot    []float64
	X      []float64
	Y      []float64
}

// FitTrends fits polynomials of the given order to the decomposed cafms.
// When prev is non-nil the new fit refines it: every coefficient except
// the constant term accumulates onto prev, the constants stay as first
// fitted.
func FitTrends(cafms []Matrix, order int, prev *Trends) (Trends, error) {
	n := len(cafms)
	xs := make([]float64, n)
	series := make([][]float64, 6)
	for k := range series {
		series[k] = make([]float64, n)
	}
	for i, c := range cafms {
		xs[i] = float64(i)
		d := Decompose(c)
		series[0][i] = d.SkewX
		series[1][i] = d.ScaleX
		series[2][i] = d.ScaleY
		series[3][i] = d.Rot
		series[4][i] = d.X
		series[5][i] = d.Y
	}

	fits := make([][]float64, 6)
	for k, ys := range series {
		p, err := Polyfit(xs, ys, order)
		if err != nil {
			return Trends{}, err
		}
		fits[k] = p
	}
	t := Trends{Order: order, SkewX: fits[0], ScaleX: fits[1], ScaleY: fits[2], Rot: fits[3], X: fits[4], Y: fits[5]}
	if prev == nil || prev.Order != order {
		return t, nil
	}
	acc := func(old, fresh []float64) []float64 {
		out := append([]float64(nil), old...)
		for i := 0; i < len(out)-1 && i < len(fresh); i++ {
			out[i] += fresh[i]
		}
		return out
	}
	return Trends{
		Order:  order,
		SkewX:  acc(prev.SkewX, t.SkewX),
		ScaleX: acc(prev.ScaleX, t.ScaleX),
		ScaleY: acc(prev.ScaleY, t.ScaleY),
		Rot:    acc(prev.Rot, t.Rot),
		X:      acc(prev.X, t.X),
		Y:      acc(prev.Y, t.Y),
	}, nil
}

// BiasAt returns the per-layer correction that cancels the fitted drift at
// layer index x. It is built from the slope of each trend.
func (t Trends) BiasAt(x float64) Matrix {
	skew := -Polyval(Polyder(t.SkewX), x)
	sx := 1 - Polyval(Polyder(t.ScaleX), x)
	sy := 1 - Polyval(Polyder(t.ScaleY), x)
	rot := -Polyval(Polyder(t.Rot), x)
	dx := -Polyval(Polyder(t.X), x)
	dy := -Polyval(Polyder(t.Y), x)

	m := Identity()
	m = Compose(SkewX(skew), m)
	m = Compose(Scaling(sx, sy), m)
	m = Compose(Rotation(rot), m)
	m = Compose(Translation(dx, dy), m)
	return m
}

// Initial returns the transform that removes the constant offset of each
// trend. It seeds the corrected chain.
func (t Trends) Initial() Matrix {
	c := func(p []float64) float64 {
		if len(p) == 0 {
			return 0
		}
		return p[len(p)-1]
	}
	sx, sy := c(t.ScaleX), c(t.ScaleY)
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	m := Identity()
	m = Compose(SkewX(-c(t.SkewX)), m)
	m = Compose(Scaling(1/sx, 1/sy), m)
	m = Compose(Rotation(-c(t.Rot)), m)
	m = Compose(Translation(-c(t.X), -c(t.Y)), m)
	return m
}

// Chain accumulates per-layer transforms: c[i] = afms[i] ∘ c[i-1], starting
// from start. bias, when non-nil, is composed on top of each step.
func Chain(afms []Matrix, start Matrix, bias func(i int) Matrix) []Matrix {
	out := make([]Matrix, len(afms))
	c := start
	for i, a := range afms {
		c = Compose(a, c)
		if bias != nil {
			c = Compose(bias(i), c)
		}
		out[i] = c
	}
	return out
}

// StackCafm computes the cumulative transforms for a whole stack. With
// nullBias set, the linear trends of the chain are fitted at polyOrder and
// removed in two refinement passes. The trends of the last pass are
// returned alongside (zero value when nullBias is false).
func StackCafm(afms []Matrix, nullBias bool, polyOrder int) ([]Matrix, Trends, error) {
	cafms := Chain(afms, Identity(), nil)
	if !nullBias || len(afms) == 0 {
		return cafms, Trends{}, nil
	}

	trends, err := FitTrends(cafms, polyOrder, nil)
	if err != nil {
		return nil, Trends{}, err
	}
	start := trends.Initial()
	for pass := 0; pass < 2; pass++ {
		tr := trends
		cafms = Chain(afms, start, func(i int) Matrix { return tr.BiasAt(float64(i)) })
		if pass == 0 {
			trends, err = FitTrends(cafms, polyOrder, &trends)
			if err != nil {
				return nil, Trends{}, err
			}
		}
	}
	return cafms, trends, nil
}
