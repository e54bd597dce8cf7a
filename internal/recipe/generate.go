package recipe

import (
	"context"
	"fmt"
	"path/filepath"

	"emalign/internal/fsutil"
	"emalign/internal/imaging"
	"emalign/internal/project"
	"emalign/internal/report"
	"emalign/internal/taskqueue"
)

// generate renders every layer in the range that has a cumulative
// transform, skipped layers included, on a task queue. The aligned role
// is set only for images that were written.
func (r *run) generate(ctx context.Context, rep *report.Report) error {
	dir := r.p.AlignedDir(r.key)
	if err := fsutil.EnsureDirs(dir); err != nil {
		return &report.IOFailure{Op: "create aligned directory", Path: dir, Err: err}
	}
	backend := r.opts.Backend
	if backend == nil {
		backend = imaging.Native{}
	}

	q := taskqueue.New(r.log, taskqueue.Options{
		Kind:    "generate",
		Timeout: r.opts.Timeout,
		Retries: r.opts.Retries,
		Store:   r.opts.Store,
	})
	if r.opts.Observe != nil {
		r.opts.Observe(q)
	}
	if err := q.Start(max(r.opts.Workers, 1)); err != nil {
		return err
	}

	type job struct {
		layer int
		out   string
	}
	var jobs []job
	stack := r.scale.AlignmentStack
	for i := r.start; i < r.end; i++ {
		l := &stack[i]
		if l.Skip || l.AlignToRef.MethodResults.CumulativeAFM == nil {
			continue
		}
		cafm := *l.AlignToRef.MethodResults.CumulativeAFM
		rect := r.scale.BoundingRect
		src := l.Filename(project.RoleBase)
		out := filepath.Join(dir, filepath.Base(src))
		err := q.AddTask(taskqueue.Task{
			ID:    fmt.Sprintf("%s/%s/%d", r.runID, r.key, i),
			RunID: r.runID,
			Cmd:   backend.Name(),
			Args:  []string{"warp", src, out},
			Func: func(ctx context.Context) error {
				return backend.Warp(ctx, src, out, cafm, rect)
			},
		})
		if err != nil {
			rep.Fail(&report.IOFailure{Op: "generate", Path: out, Err: err})
			continue
		}
		jobs = append(jobs, job{layer: i, out: out})
	}

	results, summary, _ := q.CollectResults(ctx)
	for idx, res := range results {
		if idx >= len(jobs) {
			break
		}
		j := jobs[idx]
		if res.Status != taskqueue.StatusCompleted {
			rep.Fail(&report.IOFailure{Op: "generate", Path: j.out, Err: res.Error})
			continue
		}
		stack[j.layer].SetImage(project.RoleAligned, j.out)
	}
	r.log.Info("aligned images generated", "scale", r.key.String(),
		"images", summary.Completed, "failed", summary.Failed, "elapsed", summary.Elapsed.String())
	return ctx.Err()
}
