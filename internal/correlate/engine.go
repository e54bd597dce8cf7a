// Package correlate matches windows of a moving image against a stationary
// reference and fits the affine transform between them.
package correlate

import (
	"context"
	"fmt"

	"emalign/internal/affine"
)

// Request describes one correlation pass over a layer pair.
type Request struct {
	Ref        string // stationary image
	Base       string // moving image
	Window     [2]int // window width and height in pixels
	Points     []affine.Point
	Afm        affine.Matrix // seed, maps Ref coordinates into Base
	Iterations int
	Whitening  float64
}

// Result carries the fitted transform and one SNR per point.
type Result struct {
	Afm affine.Matrix
	SNR []float64
}

// Engine performs correlation.
type Engine interface {
	Name() string
	Available() bool
	Align(ctx context.Context, req Request) (Result, error)
}

func (r Request) validate() error {
	if r.Ref == "" || r.Base == "" {
		return fmt.Errorf("correlate: missing image (ref=%q base=%q)", r.Ref, r.Base)
	}
	if r.Window[0] < 1 || r.Window[1] < 1 {
		return fmt.Errorf("correlate: invalid window %dx%d", r.Window[0], r.Window[1])
	}
	if len(r.Points) == 0 {
		return fmt.Errorf("correlate: no match points")
	}
	return nil
}

func (r Request) iterations() int {
	if r.Iterations < 1 {
		return 1
	}
	return r.Iterations
}
