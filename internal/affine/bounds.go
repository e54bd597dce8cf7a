package affine

import (
	"encoding/json"
	"fmt"
	"math"
)

// Rect is an output canvas in model coordinates.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) String() string {
	return fmt.Sprintf("%d %d %d %d", r.X, r.Y, r.W, r.H)
}

// MarshalJSON writes the rect as [x, y, w, h].
func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.X, r.Y, r.W, r.H})
}

func (r *Rect) UnmarshalJSON(b []byte) error {
	var v [4]int
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("bounding rect: %w", err)
	}
	*r = Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return nil
}

// EvenSize rounds a width and height up to even numbers.
func EvenSize(w, h int) (int, int) {
	return w + w%2, h + h%2
}

// ModelBounds maps the corners of a w×h image into the model frame of a
// cumulative transform and returns the integer bounding box.
func ModelBounds(cafm Matrix, w, h int) (minX, minY, maxX, maxY int, err error) {
	inv, err := cafm.Invert()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	corners := []Point{{0, 0}, {float64(w), 0}, {0, float64(h)}, {float64(w), float64(h)}}
	lox, loy := math.Inf(1), math.Inf(1)
	hix, hiy := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		p := inv.Apply(c)
		lox = math.Min(lox, p.X)
		loy = math.Min(loy, p.Y)
		hix = math.Max(hix, p.X)
		hiy = math.Max(hiy, p.Y)
	}
	return int(math.Floor(lox)), int(math.Floor(loy)), int(math.Ceil(hix)), int(math.Ceil(hiy)), nil
}

// BoundingRect returns the square canvas that contains every layer of the
// stack once warped into the model frame. w and h are the source image
// size; both are rounded up to even first. The canvas is square on the
// width, matching the pipeline's output convention.
func BoundingRect(cafms []Matrix, w, h int) (Rect, error) {
	w, h = EvenSize(w, h)
	if len(cafms) == 0 {
		return Rect{0, 0, w, w}, nil
	}
	border := math.MinInt
	for i, c := range cafms {
		minX, minY, maxX, maxY, err := ModelBounds(c, w, h)
		if err != nil {
			return Rect{}, fmt.Errorf("layer %d: %w", i, err)
		}
		border = max(border, -minX, -minY, maxX-w, maxY-w)
	}
	return Rect{X: -border, Y: -border, W: w + 2*border, H: w + 2*border}, nil
}
