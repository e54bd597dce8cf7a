// Package recipe computes the per-layer affine alignment of one scale and
// renders the aligned images.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"emalign/internal/affine"
	"emalign/internal/correlate"
	"emalign/internal/fsutil"
	"emalign/internal/imaging"
	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/report"
	"emalign/internal/storage"
	"emalign/internal/taskqueue"
)

// MatchPointMethod selects alignment from manually placed point pairs.
const MatchPointMethod = "Match Point Align"

// Options control one alignment run.
type Options struct {
	// Option overrides the scale's recorded alignment option.
	Option project.AlignmentOption
	// Start and Count select the layer range; Count < 0 means to the end.
	Start, Count   int
	GenerateImages bool
	Iterations     int

	Engine   correlate.Engine
	Backend  imaging.Backend // image generation, defaults to imaging.Native
	Defaults project.Defaults

	Workers int
	Timeout time.Duration
	Retries int
	Store   *storage.Store
	Logger  *slog.Logger
	RunID   string
	Observe func(*taskqueue.Queue)
}

// Outcome is what a run hands back. Project is a new snapshot; the
// caller's project is never touched and must be merged explicitly with
// project.MergeScale.
type Outcome struct {
	Project         *project.Project
	NeedToWriteJSON bool
	Report          report.Report
	Summary         string
	Start, End      int
}

// Merge folds the run into p and returns the merged project.
func (o Outcome) Merge(p *project.Project, k project.ScaleKey) (*project.Project, error) {
	return project.MergeScale(p, o.Project, k, o.Start, o.End-o.Start)
}

type run struct {
	opts   Options
	log    *slog.Logger
	p      *project.Project
	key    project.ScaleKey
	scale  *project.Scale
	option project.AlignmentOption
	seeds  []affine.Matrix
	start  int
	end    int
	runID  string
}

// Run aligns layers [Start, Start+Count) of scale k on a snapshot of p.
// Layers are correlated one after another in index order. A layer whose
// correlation fails keeps empty results and is listed in the report; the
// remaining layers still run. Precondition failures are returned as
// *report.ConfigurationError before anything on disk changes.
func Run(ctx context.Context, p *project.Project, k project.ScaleKey, opts Options) (Outcome, error) {
	r, err := prepare(p, k, opts)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Project: r.p, NeedToWriteJSON: true, Start: r.start, End: r.end}
	rep := report.New("layers")

	_ = opts.Store.RecordRunStart(storage.RunRecord{
		ID: r.runID, Stage: "align", Project: p.DestinationPath, Scale: k.String(),
		OptionsJSON: fmt.Sprintf(`{"option":%q,"start":%d,"end":%d,"generate_images":%t}`,
			r.option, r.start, r.end, opts.GenerateImages),
	})
	logging.LogProcessingStep(r.log, r.runID, "align", "started", map[string]any{
		"scale": k.String(), "option": r.option, "start": r.start, "end": r.end,
	})

	t0 := time.Now()
	r.clearRange()
	err = r.alignLayers(ctx, &rep)
	if err == nil {
		err = r.stackCafm()
	}
	r.scale.TAlign = time.Since(t0).Seconds()
	if err == nil {
		if derr := r.dumpBias(); derr != nil {
			r.log.Warn("bias data not written", "scale", k.String(), "error", derr)
		}
		if opts.GenerateImages {
			t1 := time.Now()
			err = r.generate(ctx, &rep)
			r.scale.TGenerate = time.Since(t1).Seconds()
		}
	}

	out.Report = rep
	out.Summary = rep.Summary()
	status := "completed"
	switch {
	case err != nil:
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
	case !rep.OK():
		status = "completed_with_errors"
	}
	_ = opts.Store.RecordRunResult(r.runID, status, rep.Total, rep.Failed(), out.Summary)
	logging.LogRunSummary(r.log, r.runID, "align", rep.Total, rep.Failed(), time.Since(t0))
	return out, err
}

func prepare(p *project.Project, k project.ScaleKey, opts Options) (*run, error) {
	if p == nil {
		return nil, report.Configf("no project")
	}
	if p.DestinationPath == "" {
		return nil, report.Configf("no destination path is set for the project")
	}
	if !p.ImagesImported() {
		return nil, report.Configf("no images have been imported")
	}
	if _, err := p.Scale(k); err != nil {
		return nil, &report.ConfigurationError{Msg: "unknown scale", Err: err}
	}
	if imgs, err := fsutil.ListImages(p.SourceDir(k)); err != nil || len(imgs) == 0 {
		return nil, report.Configf("%s has not been generated; build the scale pyramid first", k)
	}

	snap := p.Clone()
	snap.EnsureDefaults(opts.Defaults)
	s := snap.Scales[k]

	r := &run{opts: opts, p: snap, key: k, scale: s, log: opts.Logger, runID: opts.RunID}
	if r.log == nil {
		r.log = logging.Discard()
	}
	if r.runID == "" {
		r.runID = fmt.Sprintf("align-%s-%d", k, time.Now().UnixNano())
	}
	r.option = opts.Option
	if r.option == "" {
		r.option = s.MethodData.AlignmentOption
	}
	if r.option == "" {
		r.option = project.InitAffine
	}

	n := len(s.AlignmentStack)
	r.start, r.end = opts.Start, n
	if opts.Count >= 0 && opts.Start+opts.Count < n {
		r.end = opts.Start + opts.Count
	}
	if r.start < 0 || r.start >= n || r.end < r.start {
		return nil, report.Configf("layer range %d+%d is outside the %d-layer stack", opts.Start, opts.Count, n)
	}

	switch r.option {
	case project.RefineAffine, project.ApplyAffine:
		seeds, err := coarserSeeds(snap, k)
		if err != nil {
			return nil, err
		}
		r.seeds = seeds
	case project.InitAffine:
	default:
		return nil, report.Configf("unknown alignment option %q", r.option)
	}
	if r.option != project.ApplyAffine && opts.Engine == nil {
		return nil, report.Configf("no correlation engine available")
	}
	s.MethodData.AlignmentOption = r.option
	return r, nil
}

// coarserSeeds returns the next coarser scale's layer transforms with
// their translations brought to this scale's pixel size.
func coarserSeeds(p *project.Project, k project.ScaleKey) ([]affine.Matrix, error) {
	c, ok := p.NextCoarser(k)
	if !ok {
		return nil, report.Configf("%s is the coarsest scale; there is nothing to refine from, use %s", k, project.InitAffine)
	}
	st, err := p.Status(c)
	if err != nil || !st.AllAligned {
		return nil, report.Configf("%s must be fully aligned before %s (%d of %d layers aligned)", c, k, st.Aligned, st.Layers)
	}
	ratio := float64(c.Factor()) / float64(k.Factor())
	stack := p.Scales[c].AlignmentStack
	seeds := make([]affine.Matrix, len(stack))
	for i := range stack {
		seeds[i] = stack[i].AlignToRef.MethodResults.AffineMatrix.ScaleTranslation(ratio)
	}
	return seeds, nil
}

// clearRange removes aligned images and results of the layers about to be
// recomputed, so nothing stale survives a run that fails partway.
func (r *run) clearRange() {
	for i := r.start; i < r.end; i++ {
		l := &r.scale.AlignmentStack[i]
		if fn := l.Filename(project.RoleAligned); fn != "" {
			if err := os.Remove(fn); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn("could not remove aligned image", "path", fn, "error", err)
			}
		}
		l.ClearImage(project.RoleAligned)
		l.AlignToRef.MethodResults = project.MethodResults{}
	}
}

func identityResults() project.MethodResults {
	id := affine.Identity()
	return project.MethodResults{AffineMatrix: &id, SNR: []float64{0}, SNRReport: NoSNR}
}
