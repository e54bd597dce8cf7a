package correlate

import (
	"context"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"emalign/internal/affine"
	"emalign/internal/imaging"
)

// Mir-style outlier rejection: drop the worst pair while the fit error
// exceeds fitErrThreshold and more than fitMinPoints pairs remain.
const (
	fitErrThreshold = 3.0
	fitMinPoints    = 4
)

// Native is an in-process whitened phase correlator built on gonum.
type Native struct{}

func (Native) Name() string    { return "native" }
func (Native) Available() bool { return true }

func (Native) Align(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	ref, err := imaging.LoadFloat(req.Ref)
	if err != nil {
		return Result{}, err
	}
	base, err := imaging.LoadFloat(req.Base)
	if err != nil {
		return Result{}, err
	}
	return alignFloat(ctx, ref, base, req)
}

func alignFloat(ctx context.Context, ref, base *imaging.Float, req Request) (Result, error) {
	ww, wh := req.Window[0], req.Window[1]
	f := newFFT2(ww, wh)

	refFill, baseFill := ref.Mean(), base.Mean()
	stas := make([][]complex128, len(req.Points))
	for i, p := range req.Points {
		stas[i] = f.forward(apodize(stationaryPatch(ref, p, ww, wh, refFill), ww, wh))
	}

	afm := req.Afm
	pmov := applyAll(afm, req.Points)
	snr := make([]float64, len(req.Points))
	for it := 0; it < req.iterations(); it++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for i := range req.Points {
			mov := f.forward(movingPatch(base, pmov[i], afm, ww, wh, baseFill))
			dx, dy, s := f.swim(stas[i], mov, req.Whitening)
			d := afm.ApplyLinear(affine.Point{X: dx, Y: dy})
			pmov[i].X += d.X
			pmov[i].Y += d.Y
			snr[i] = s
		}
		fitted, err := fitIterate(req.Points, pmov, afm)
		if err != nil {
			return Result{}, err
		}
		afm = fitted
		pmov = applyAll(afm, req.Points)
	}
	return Result{Afm: afm, SNR: snr}, nil
}

func applyAll(m affine.Matrix, pts []affine.Point) []affine.Point {
	out := make([]affine.Point, len(pts))
	for i, p := range pts {
		out[i] = m.Apply(p)
	}
	return out
}

// fitIterate fits psta -> pmov. Below three pairs the seed's linear part
// is kept and only the translation is refitted.
func fitIterate(psta, pmov []affine.Point, seed affine.Matrix) (affine.Matrix, error) {
	if len(psta) < 3 {
		var tx, ty float64
		for i, p := range psta {
			q := seed.ApplyLinear(p)
			tx += pmov[i].X - q.X
			ty += pmov[i].Y - q.Y
		}
		n := float64(len(psta))
		m := seed
		m[0][2], m[1][2] = tx/n, ty/n
		return m, nil
	}

	src := append([]affine.Point(nil), psta...)
	dst := append([]affine.Point(nil), pmov...)
	for {
		m, err := affine.FitAffine(src, dst)
		if err != nil {
			return affine.Matrix{}, err
		}
		var sum, worstErr float64
		worst := 0
		for i, p := range src {
			q := m.Apply(p)
			e := (q.X-dst[i].X)*(q.X-dst[i].X) + (q.Y-dst[i].Y)*(q.Y-dst[i].Y)
			sum += e
			if e > worstErr {
				worst, worstErr = i, e
			}
		}
		rms := math.Sqrt(sum / float64(len(src)))
		if rms <= fitErrThreshold || len(src) <= fitMinPoints {
			return m, nil
		}
		src = append(src[:worst], src[worst+1:]...)
		dst = append(dst[:worst], dst[worst+1:]...)
	}
}

// stationaryPatch cuts a straight window centred on p.
func stationaryPatch(img *imaging.Float, p affine.Point, ww, wh int, fill float64) []float64 {
	out := make([]float64, ww*wh)
	x0 := p.X - float64(ww)/2
	y0 := p.Y - float64(wh)/2
	for y := 0; y < wh; y++ {
		for x := 0; x < ww; x++ {
			out[y*ww+x] = img.Bilinear(x0+float64(x), y0+float64(y), fill)
		}
	}
	return out
}

// movingPatch samples img at p + A(u - c), A being the linear part of afm.
func movingPatch(img *imaging.Float, p affine.Point, afm affine.Matrix, ww, wh int, fill float64) []float64 {
	out := make([]float64, ww*wh)
	cx, cy := float64(ww)/2, float64(wh)/2
	for y := 0; y < wh; y++ {
		for x := 0; x < ww; x++ {
			d := afm.ApplyLinear(affine.Point{X: float64(x) - cx, Y: float64(y) - cy})
			out[y*ww+x] = img.Bilinear(p.X+d.X, p.Y+d.Y, fill)
		}
	}
	return out
}

// apodize fades the outer half of each axis to the patch mean with a
// raised cosine.
func apodize(patch []float64, ww, wh int) []float64 {
	wx, wy := cosineWindow(ww), cosineWindow(wh)
	gray := stat.Mean(patch, nil)
	out := make([]float64, len(patch))
	for y := 0; y < wh; y++ {
		for x := 0; x < ww; x++ {
			a := wx[x] * wy[y]
			out[y*ww+x] = a*patch[y*ww+x] + (1-a)*gray
		}
	}
	return out
}

func cosineWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		xx := -1.0
		if n > 1 {
			xx = -1 + 2*float64(i)/float64(n-1)
		}
		w[i] = 1
		if math.Abs(xx) > 0.5 {
			w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*xx)
		}
	}
	return w
}

// fft2 is a separable 2D transform over a w x h row-major grid.
type fft2 struct {
	w, h   int
	rows   *fourier.CmplxFFT
	cols   *fourier.CmplxFFT
	rowBuf []complex128
	colIn  []complex128
	colOut []complex128
}

func newFFT2(w, h int) *fft2 {
	return &fft2{
		w: w, h: h,
		rows:   fourier.NewCmplxFFT(w),
		cols:   fourier.NewCmplxFFT(h),
		rowBuf: make([]complex128, w),
		colIn:  make([]complex128, h),
		colOut: make([]complex128, h),
	}
}

func (f *fft2) forward(patch []float64) []complex128 {
	data := make([]complex128, len(patch))
	for i, v := range patch {
		data[i] = complex(v, 0)
	}
	f.transform(data, false)
	return data
}

func (f *fft2) transform(data []complex128, inverse bool) {
	for y := 0; y < f.h; y++ {
		row := data[y*f.w : (y+1)*f.w]
		if inverse {
			f.rows.Sequence(f.rowBuf, row)
		} else {
			f.rows.Coefficients(f.rowBuf, row)
		}
		copy(row, f.rowBuf)
	}
	for x := 0; x < f.w; x++ {
		for y := 0; y < f.h; y++ {
			f.colIn[y] = data[y*f.w+x]
		}
		if inverse {
			f.cols.Sequence(f.colOut, f.colIn)
		} else {
			f.cols.Coefficients(f.colOut, f.colIn)
		}
		for y := 0; y < f.h; y++ {
			data[y*f.w+x] = f.colOut[y]
		}
	}
}

// swim correlates one transformed patch pair and returns the shift of the
// moving features relative to the stationary ones plus the peak SNR.
func (f *fft2) swim(sta, mov []complex128, wht float64) (dx, dy, snr float64) {
	prd := make([]complex128, len(sta))
	for i := range sta {
		p := sta[i] * cmplx.Conj(mov[i])
		pw := real(p)*real(p) + imag(p)*imag(p) + 1e-40
		prd[i] = p * complex(math.Pow(pw, wht/2), 0)
	}
	f.transform(prd, true)

	shf := make([]float64, len(prd))
	best := 0
	for i, v := range prd {
		shf[i] = real(v)
		if shf[i] > shf[best] {
			best = i
		}
	}
	px, py := best%f.w, best/f.w

	at := func(x, y int) float64 {
		x = ((x % f.w) + f.w) % f.w
		y = ((y % f.h) + f.h) % f.h
		return shf[y*f.w+x]
	}
	fx := float64(px) + subpixel(at(px-1, py), at(px, py), at(px+1, py))
	fy := float64(py) + subpixel(at(px, py-1), at(px, py), at(px, py+1))
	if fx >= float64(f.w)/2 {
		fx -= float64(f.w)
	}
	if fy >= float64(f.h)/2 {
		fy -= float64(f.h)
	}

	mean, std := stat.MeanStdDev(shf, nil)
	if std > 0 {
		snr = (shf[best] - mean) / std
	}
	return -fx, -fy, snr
}

// subpixel is the vertex offset of the parabola through three samples.
func subpixel(l, c, r float64) float64 {
	den := l - 2*c + r
	if den == 0 {
		return 0
	}
	off := 0.5 * (l - r) / den
	if off > 0.5 || off < -0.5 {
		return 0
	}
	return off
}
