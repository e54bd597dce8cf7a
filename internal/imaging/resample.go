package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os/exec"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"emalign/internal/affine"
)

// BorderGray fills canvas area no source pixel maps to when a bounding
// rectangle is in use.
const BorderGray = 128

// Backend downsamples and warps image files.
type Backend interface {
	Name() string
	Downsample(ctx context.Context, src, dst string, factor int) error
	Warp(ctx context.Context, src, dst string, cafm affine.Matrix, rect *affine.Rect) error
}

// CommandBackend downsamples by running an external program. Callers that
// own a task queue dispatch the command instead of calling Downsample.
type CommandBackend interface {
	Backend
	DownsampleCommand(src, dst string, factor int) (string, []string)
}

// Native resamples in process with golang.org/x/image.
type Native struct{}

func (Native) Name() string { return "native" }

// Downsample shrinks src by an integer factor.
func (Native) Downsample(ctx context.Context, src, dst string, factor int) error {
	if factor < 1 {
		return fmt.Errorf("invalid scale factor %d", factor)
	}
	g, err := LoadGray(src)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return Save(dst, DownsampleGray(g, factor))
}

// Warp resamples src through cafm and writes dst.
func (Native) Warp(ctx context.Context, src, dst string, cafm affine.Matrix, rect *affine.Rect) error {
	g, err := LoadGray(src)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := WarpGray(g, cafm, rect)
	if err != nil {
		return err
	}
	return Save(dst, out)
}

// DownsampleGray shrinks g by factor with an area-aware bilinear kernel.
func DownsampleGray(g *image.Gray, factor int) *image.Gray {
	b := g.Bounds()
	w, h := max(b.Dx()/factor, 1), max(b.Dy()/factor, 1)
	out := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), g, b, draw.Src, nil)
	return out
}

// WarpGray looks every output pixel up through cafm. Output pixel (u, v)
// is model point (u+rect.X, v+rect.Y); without a rect the canvas is the
// source size and uncovered pixels are black.
func WarpGray(g *image.Gray, cafm affine.Matrix, rect *affine.Rect) (*image.Gray, error) {
	inv, err := cafm.Invert()
	if err != nil {
		return nil, err
	}
	b := g.Bounds()
	var ox, oy float64
	canvas := image.Rect(0, 0, b.Dx(), b.Dy())
	out := image.NewGray(canvas)
	if rect != nil {
		ox, oy = float64(rect.X), float64(rect.Y)
		out = image.NewGray(image.Rect(0, 0, rect.W, rect.H))
		draw.Draw(out, out.Bounds(), image.NewUniform(color.Gray{Y: BorderGray}), image.Point{}, draw.Src)
	}
	s2d := f64.Aff3{
		inv[0][0], inv[0][1], inv[0][2] - ox,
		inv[1][0], inv[1][1], inv[1][2] - oy,
	}
	draw.CatmullRom.Transform(out, s2d, g, b, draw.Src, nil)
	return out, nil
}

// Iscale2 downsamples with the SWiFT-IR iscale2 tool and warps natively.
type Iscale2 struct {
	Path string
}

func (Iscale2) Name() string { return "iscale2" }

// DownsampleCommand builds "iscale2 +N of=<dst> <src>".
func (b Iscale2) DownsampleCommand(src, dst string, factor int) (string, []string) {
	path := b.Path
	if path == "" {
		path = "iscale2"
	}
	return path, []string{"+" + strconv.Itoa(factor), "of=" + dst, src}
}

func (b Iscale2) Downsample(ctx context.Context, src, dst string, factor int) error {
	name, args := b.DownsampleCommand(src, dst, factor)
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

func (Iscale2) Warp(ctx context.Context, src, dst string, cafm affine.Matrix, rect *affine.Rect) error {
	return Native{}.Warp(ctx, src, dst, cafm, rect)
}
