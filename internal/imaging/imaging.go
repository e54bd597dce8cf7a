// Package imaging reads and writes EM images and resamples them, either in
// process with golang.org/x/image or through external tools.
package imaging

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// Load decodes an image file (TIFF, PNG or JPEG).
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadGray decodes an image and converts it to 8-bit gray.
func LoadGray(path string) (*image.Gray, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

// ToGray converts img to an 8-bit gray image with its origin at (0,0).
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Size reads only the header of an image file.
func Size(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Save encodes img by the extension of path. The file is written to a
// temporary name first and renamed into place.
func Save(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".img-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		err = tiff.Encode(tmp, img, &tiff.Options{Compression: tiff.Uncompressed})
	case ".png":
		err = png.Encode(tmp, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(tmp, img, &jpeg.Options{Quality: 95})
	default:
		err = fmt.Errorf("unsupported image extension %q", filepath.Ext(path))
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Float is a gray image in float64, row-major, used by the correlator.
type Float struct {
	W, H int
	Pix  []float64
}

// NewFloat converts a gray image.
func NewFloat(g *image.Gray) *Float {
	b := g.Bounds()
	f := &Float{W: b.Dx(), H: b.Dy(), Pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < f.H; y++ {
		row := g.Pix[(y)*g.Stride : (y)*g.Stride+f.W]
		for x, v := range row {
			f.Pix[y*f.W+x] = float64(v)
		}
	}
	return f
}

// LoadFloat decodes path into a Float.
func LoadFloat(path string) (*Float, error) {
	g, err := LoadGray(path)
	if err != nil {
		return nil, err
	}
	return NewFloat(g), nil
}

// At returns the pixel at (x, y) or fill when outside the image.
func (f *Float) At(x, y int, fill float64) float64 {
	if x < 0 || y < 0 || x >= f.W || y >= f.H {
		return fill
	}
	return f.Pix[y*f.W+x]
}

// Bilinear samples at a fractional position. Points outside the image
// read as fill.
func (f *Float) Bilinear(x, y, fill float64) float64 {
	if x < 0 || y < 0 || x > float64(f.W-1) || y > float64(f.H-1) {
		return fill
	}
	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)
	x1, y1 := min(x0+1, f.W-1), min(y0+1, f.H-1)
	top := f.Pix[y0*f.W+x0]*(1-fx) + f.Pix[y0*f.W+x1]*fx
	bot := f.Pix[y1*f.W+x0]*(1-fx) + f.Pix[y1*f.W+x1]*fx
	return top*(1-fy) + bot*fy
}

// Mean is the average pixel value.
func (f *Float) Mean() float64 {
	if len(f.Pix) == 0 {
		return 0
	}
	var s float64
	for _, v := range f.Pix {
		s += v
	}
	return s / float64(len(f.Pix))
}
