// Package magick resamples through ImageMagick (MagickWand via cgo).
package magick

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"emalign/internal/affine"
	"emalign/internal/imaging"
)

var initOnce sync.Once

// Backend implements imaging.Backend with MagickWand.
type Backend struct{}

var _ imaging.Backend = Backend{}

// New initializes the MagickWand environment once per process. It is left
// initialized until Terminate.
func New() Backend {
	initOnce.Do(imagick.Initialize)
	return Backend{}
}

// Terminate releases the MagickWand environment.
func Terminate() {
	imagick.Terminate()
}

func (Backend) Name() string { return "imagick" }

// Downsample shrinks src by factor with a box filter, which matches
// iscale2's pixel averaging.
func (Backend) Downsample(ctx context.Context, src, dst string, factor int) error {
	if factor < 1 {
		return fmt.Errorf("invalid scale factor %d", factor)
	}
	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(src); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w := max(wand.GetImageWidth()/uint(factor), 1)
	h := max(wand.GetImageHeight()/uint(factor), 1)
	if err := wand.ResizeImage(w, h, imagick.FILTER_BOX); err != nil {
		return err
	}
	return wand.WriteImage(dst)
}

// Warp distorts src by the inverse of cafm onto the rect viewport.
func (Backend) Warp(ctx context.Context, src, dst string, cafm affine.Matrix, rect *affine.Rect) error {
	inv, err := cafm.Invert()
	if err != nil {
		return err
	}
	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(src); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if rect != nil {
		bg := imagick.NewPixelWand()
		defer bg.Destroy()
		bg.SetColor(fmt.Sprintf("gray(%d)", imaging.BorderGray))
		if err := wand.SetImageBackgroundColor(bg); err != nil {
			return err
		}
		wand.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_BACKGROUND)
		viewport := fmt.Sprintf("%dx%d%+d%+d", rect.W, rect.H, rect.X, rect.Y)
		if err := wand.SetImageArtifact("distort:viewport", viewport); err != nil {
			return err
		}
	} else {
		wand.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_BLACK)
	}

	// AffineProjection takes the forward map: sx, rx, ry, sy, tx, ty.
	args := []float64{inv[0][0], inv[1][0], inv[0][1], inv[1][1], inv[0][2], inv[1][2]}
	if err := wand.DistortImage(imagick.DISTORTION_AFFINE_PROJECTION, args, false); err != nil {
		return err
	}
	if err := wand.ResetImagePage(""); err != nil {
		return err
	}
	return wand.WriteImage(dst)
}
