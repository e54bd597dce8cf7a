package recipe

import (
	"context"
	"fmt"

	"emalign/internal/affine"
	"emalign/internal/correlate"
)

// Ingredient is one correlation pass of a recipe. An ingredient with a
// fixed Afm does not correlate; it replaces the running transform.
type Ingredient struct {
	Window [2]int
	Points []affine.Point
	Afm    *affine.Matrix
}

// InitIngredients is the full recipe for a layer of size w×h: one
// window over the whole image, then a 2x2 and a 4x4 grid.
func InitIngredients(w, h int, wsf float64) []Ingredient {
	whole := Ingredient{
		Window: [2]int{int(wsf * float64(w)), int(wsf * float64(h))},
		Points: []affine.Point{{X: float64(w / 2), Y: float64(h / 2)}},
	}
	return []Ingredient{whole, grid(2, w, wsf), grid(4, w, wsf)}
}

// RefineIngredients only runs the 4x4 grid, starting from a seed.
func RefineIngredients(w int, wsf float64) []Ingredient {
	return []Ingredient{grid(4, w, wsf)}
}

// ApplyIngredients passes the seed through unchanged.
func ApplyIngredients(seed affine.Matrix) []Ingredient {
	return []Ingredient{{Afm: &seed}}
}

// grid places n×n points spaced w/n apart. The spacing comes from the
// width on both axes.
func grid(n, w int, wsf float64) Ingredient {
	s := w / n
	ing := Ingredient{Window: [2]int{int(wsf * float64(s)), int(wsf * float64(s))}}
	ing.Points = make([]affine.Point, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			ing.Points[x+n*y] = affine.Point{
				X: float64(int(0.5*float64(s) + float64(s*x))),
				Y: float64(int(0.5*float64(s) + float64(s*y))),
			}
		}
	}
	return ing
}

// MatchPointIngredients fits the transform from manually placed point
// pairs, then refines it by correlating small windows around the
// reference points.
func MatchPointIngredients(ref, base [][2]float64, w int) ([]Ingredient, error) {
	if len(ref) == 0 || len(ref) != len(base) {
		return nil, fmt.Errorf("match points: %d on ref, %d on base", len(ref), len(base))
	}
	src := make([]affine.Point, len(ref))
	dst := make([]affine.Point, len(base))
	for i := range ref {
		src[i] = affine.Point{X: ref[i][0], Y: ref[i][1]}
		dst[i] = affine.Point{X: base[i][0], Y: base[i][1]}
	}
	afm, err := affine.FitAffine(src, dst)
	if err != nil {
		return nil, err
	}
	win := max(w/32, 1)
	return []Ingredient{
		{Afm: &afm},
		{Window: [2]int{win, win}, Points: src},
	}, nil
}

// Cook runs the ingredients in order, feeding each transform to the next.
// The SNR of the last pass is returned; fixed transforms report zero.
func Cook(ctx context.Context, eng correlate.Engine, ref, base string, ings []Ingredient, seed affine.Matrix, iters int, wht float64) (affine.Matrix, []float64, error) {
	afm := seed
	snr := []float64{0}
	for _, ing := range ings {
		if ing.Afm != nil {
			afm = *ing.Afm
			snr = []float64{0}
			continue
		}
		if eng == nil {
			return affine.Matrix{}, nil, fmt.Errorf("no correlation engine")
		}
		res, err := eng.Align(ctx, correlate.Request{
			Ref:        ref,
			Base:       base,
			Window:     ing.Window,
			Points:     ing.Points,
			Afm:        afm,
			Iterations: iters,
			Whitening:  wht,
		})
		if err != nil {
			return affine.Matrix{}, nil, err
		}
		afm, snr = res.Afm, res.SNR
	}
	return afm, snr, nil
}
