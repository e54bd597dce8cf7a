package recipe

import (
	"context"
	"fmt"
	"time"

	"emalign/internal/affine"
	"emalign/internal/imaging"
	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/report"
)

// alignLayers correlates the range in ascending order. Only cancellation
// stops the loop early.
func (r *run) alignLayers(ctx context.Context, rep *report.Report) error {
	for i := r.start; i < r.end; i++ {
		if err := ctx.Err(); err != nil {
			for j := i; j < r.end; j++ {
				rep.Add(&report.CorrelationFailure{Layer: j, Err: err})
			}
			return err
		}
		l := &r.scale.AlignmentStack[i]
		id := fmt.Sprintf("%s/%d", r.key, i)

		switch {
		case l.Skip:
			l.AlignToRef.MethodResults = identityResults()
			layersAligned.WithLabelValues("skipped").Inc()
			rep.Add(nil)
			continue
		case l.Filename(project.RoleRef) == "":
			// First active layer: it anchors the stack.
			l.AlignToRef.MethodResults = identityResults()
			layersAligned.WithLabelValues("anchor").Inc()
			rep.Add(nil)
			continue
		}

		start := time.Now()
		logging.LogJobStart(r.log, "align", id, string(r.option), []string{l.Filename(project.RoleBase), l.Filename(project.RoleRef)})
		afm, snr, err := r.alignOne(ctx, i, l)
		if err != nil {
			err = &report.CorrelationFailure{Layer: i, Err: err}
			logging.LogJobError(r.log, "align", id, time.Since(start), err, nil)
			layersAligned.WithLabelValues("failed").Inc()
			rep.Add(err)
			if ctx.Err() != nil {
				for j := i + 1; j < r.end; j++ {
					rep.Add(&report.CorrelationFailure{Layer: j, Err: err})
				}
				return ctx.Err()
			}
			continue
		}

		l.AlignToRef.MethodResults = project.MethodResults{
			AffineMatrix: &afm,
			SNR:          snr,
			SNRReport:    SNRReport(snr),
		}
		layersAligned.WithLabelValues("aligned").Inc()
		layerSNR.Observe(meanSNR(snr))
		logging.LogJobComplete(r.log, "align", id, time.Since(start), map[string]any{
			"snr": l.AlignToRef.MethodResults.SNRReport,
		})
		rep.Add(nil)
	}
	return nil
}

// alignOne builds the layer's recipe from the run option and cooks it.
func (r *run) alignOne(ctx context.Context, i int, l *project.Layer) (affine.Matrix, []float64, error) {
	ref, base := l.Filename(project.RoleRef), l.Filename(project.RoleBase)
	md := l.AlignToRef.MethodData

	seed := affine.Identity()
	if r.seeds != nil {
		if i >= len(r.seeds) {
			return affine.Matrix{}, nil, fmt.Errorf("no coarser transform for layer %d", i)
		}
		seed = r.seeds[i]
	}

	var ings []Ingredient
	switch {
	case r.option == project.ApplyAffine:
		ings = ApplyIngredients(seed)
	case l.AlignToRef.SelectedMethod == MatchPointMethod:
		w, _, err := imaging.Size(ref)
		if err != nil {
			return affine.Matrix{}, nil, err
		}
		refImg, baseImg := l.Images[project.RoleRef], l.Images[project.RoleBase]
		ings, err = MatchPointIngredients(refImg.Metadata.MatchPoints, baseImg.Metadata.MatchPoints, w)
		if err != nil {
			return affine.Matrix{}, nil, err
		}
	default:
		w, h, err := imaging.Size(ref)
		if err != nil {
			return affine.Matrix{}, nil, err
		}
		if r.option == project.RefineAffine {
			ings = RefineIngredients(w, md.Window())
		} else {
			ings = InitIngredients(w, h, md.Window())
		}
	}

	iters := r.opts.Iterations
	if iters < 1 {
		iters = 2
	}
	return Cook(ctx, r.opts.Engine, ref, base, ings, seed, iters, md.Whitening())
}

// stackCafm chains the whole stack, nulls drift when asked, and computes
// the bounding rectangle. Layers without results chain as identity.
func (r *run) stackCafm() error {
	stack := r.scale.AlignmentStack
	afms := make([]affine.Matrix, len(stack))
	for i := range stack {
		afms[i] = affine.Identity()
		if m := stack[i].AlignToRef.MethodResults.AffineMatrix; m != nil {
			afms[i] = *m
		}
	}
	cafms, trends, err := affine.StackCafm(afms, r.scale.NullCafmTrends, r.scale.PolyOrder)
	if err != nil {
		return fmt.Errorf("cumulative transforms: %w", err)
	}

	for i := range stack {
		l := &stack[i]
		md := &l.AlignToRef.MethodData
		md.BiasXPerImage, md.BiasYPerImage, md.BiasRotPerImage = 0, 0, 0
		md.BiasScaleXPerImage, md.BiasScaleYPerImage, md.BiasSkewXPerImage = 1, 1, 0
		if r.scale.NullCafmTrends {
			b := affine.Decompose(trends.BiasAt(float64(i)))
			md.BiasXPerImage, md.BiasYPerImage, md.BiasRotPerImage = b.X, b.Y, b.Rot
			md.BiasScaleXPerImage, md.BiasScaleYPerImage, md.BiasSkewXPerImage = b.ScaleX, b.ScaleY, b.SkewX
		}
		if l.Aligned() {
			c := cafms[i]
			l.AlignToRef.MethodResults.CumulativeAFM = &c
		}
	}

	r.scale.BoundingRect = nil
	if !r.scale.UseBoundingRect {
		return nil
	}
	w, h, err := imaging.Size(stack[0].Filename(project.RoleBase))
	if err != nil {
		return &report.IOFailure{Op: "read image size", Path: stack[0].Filename(project.RoleBase), Err: err}
	}
	rect, err := affine.BoundingRect(cafms, w, h)
	if err != nil {
		return fmt.Errorf("bounding rect: %w", err)
	}
	r.scale.BoundingRect = &rect
	r.log.Info("bounding rect", "scale", r.key.String(), "rect", rect.String())
	return nil
}
