// Package pyramid builds the per-scale source images of a project.
package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"emalign/internal/fsutil"
	"emalign/internal/imaging"
	"emalign/internal/linker"
	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/report"
	"emalign/internal/storage"
	"emalign/internal/taskqueue"
)

// Options configure a pyramid build.
type Options struct {
	Backend  imaging.Backend // defaults to imaging.Native
	Workers  int
	Timeout  time.Duration
	Retries  int
	Store    *storage.Store
	Runner   taskqueue.Runner
	Logger   *slog.Logger
	Defaults project.Defaults
	RunID    string

	// Observe is called with the scaling queue before any task is added.
	Observe func(*taskqueue.Queue)
}

// Build makes every scale of p available on disk. scale_1 links (or
// copies) the imported images; coarser scales are downsampled on a task
// queue. factors, when non-nil, replaces the project's scale list first.
// Layer base filenames are rewritten to the per-scale copies, every stack
// is relinked and the scale defaults are reapplied.
//
// Per-image failures are collected in the report; the error is reserved
// for problems that stop the build before it starts, or cancellation.
func Build(ctx context.Context, p *project.Project, factors []int, opts Options) (report.Report, error) {
	rep := report.New("images")
	if p == nil {
		return rep, report.Configf("no project")
	}
	if p.DestinationPath == "" {
		return rep, report.Configf("project has no destination path")
	}
	if !p.ImagesImported() {
		return rep, report.Configf("no images have been imported")
	}
	if factors != nil {
		if err := p.SetScales(factors); err != nil {
			return rep, &report.ConfigurationError{Msg: "invalid scales", Err: err}
		}
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	backend := opts.Backend
	if backend == nil {
		backend = imaging.Native{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = fmt.Sprintf("scale-%d", time.Now().UnixNano())
	}
	keys := p.SortedScaleKeys()
	start := time.Now()

	_ = opts.Store.RecordRunStart(storage.RunRecord{
		ID: runID, Stage: "scale", Project: p.DestinationPath,
		Scale: project.FormatScaleFactors(factorsOf(keys)),
	})
	logging.LogProcessingStep(log, runID, "scale", "started", map[string]any{
		"scales": factorsOf(keys), "backend": backend.Name(), "layers": p.NumLayers(),
	})

	for _, k := range keys {
		dirs := []string{p.ScaleDir(k), p.SourceDir(k), p.AlignedDir(k), p.BiasDir(k)}
		if err := fsutil.EnsureDirs(dirs...); err != nil {
			return rep, &report.IOFailure{Op: "create scale directories", Path: p.ScaleDir(k), Err: err}
		}
	}

	q := taskqueue.New(log, taskqueue.Options{
		Kind:    "scale",
		Timeout: opts.Timeout,
		Retries: opts.Retries,
		Store:   opts.Store,
		Runner:  opts.Runner,
	})
	if opts.Observe != nil {
		opts.Observe(q)
	}
	if err := q.Start(max(opts.Workers, 1)); err != nil {
		return rep, err
	}

	for _, k := range keys {
		s := p.Scales[k]
		for i := range s.AlignmentStack {
			l := &s.AlignmentStack[i]
			fn := l.Filename(project.RoleBase)
			if fn == "" {
				rep.Add(&report.IOFailure{Op: "scale", Path: fmt.Sprintf("%s layer %d", k, i), Err: errors.New("layer has no base image")})
				continue
			}
			if abs, err := filepath.Abs(fn); err == nil {
				fn = abs
			}
			ofn := filepath.Join(p.SourceDir(k), filepath.Base(fn))

			if k == project.ScaleOne {
				method, err := fsutil.LinkOrCopy(fn, ofn)
				if err != nil {
					rep.Add(&report.IOFailure{Op: "link", Path: fn, Err: err})
				} else {
					rep.Add(nil)
					log.Debug("source image staged", "src", fn, "dst", ofn, "method", method)
				}
			} else if err := q.AddTask(downsampleTask(runID, k, i, backend, SourceFor(fn), ofn)); err != nil {
				rep.Add(err)
			}
			l.SetImage(project.RoleBase, ofn)
		}
	}

	_, summary, jobs := q.CollectResults(ctx)
	rep.Merge(jobs)

	linker.LinkAll(p)
	p.ApplyDefaults(opts.Defaults)

	status := "completed"
	if !rep.OK() {
		status = "completed_with_errors"
	}
	if ctx.Err() != nil {
		status = "cancelled"
	}
	_ = opts.Store.RecordRunResult(runID, status, rep.Total, rep.Failed(), rep.Summary())
	logging.LogProcessingStep(log, runID, "scale", status, map[string]any{
		"jobs": summary.Tasks, "jobs_failed": summary.Failed, "elapsed": summary.Elapsed.String(),
	})
	logging.LogRunSummary(log, runID, "scale", rep.Total, rep.Failed(), time.Since(start))
	return rep, ctx.Err()
}

func downsampleTask(runID string, k project.ScaleKey, layer int, backend imaging.Backend, src, dst string) taskqueue.Task {
	t := taskqueue.Task{
		ID:    fmt.Sprintf("%s/%s/%d", runID, k, layer),
		RunID: runID,
	}
	if cb, ok := backend.(imaging.CommandBackend); ok {
		t.Cmd, t.Args = cb.DownsampleCommand(src, dst, k.Factor())
		return t
	}
	t.Cmd = backend.Name()
	t.Args = []string{fmt.Sprintf("+%d", k.Factor()), src, dst}
	t.Func = func(ctx context.Context) error {
		return backend.Downsample(ctx, src, dst, k.Factor())
	}
	return t
}

// SourceFor maps an image staged under some scale_K/img_src back to the
// scale_1 copy, so that coarser scales are always made from full
// resolution. Other paths are returned unchanged.
func SourceFor(fn string) string {
	dir := filepath.Dir(fn)
	if filepath.Base(dir) != project.DirSource {
		return fn
	}
	scaleDir := filepath.Dir(dir)
	if !strings.HasPrefix(filepath.Base(scaleDir), "scale_") {
		return fn
	}
	return filepath.Join(filepath.Dir(scaleDir), project.ScaleOne.String(), project.DirSource, filepath.Base(fn))
}

func factorsOf(keys []project.ScaleKey) []int {
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = k.Factor()
	}
	return out
}
