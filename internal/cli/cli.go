// Package cli implements the emalign command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"emalign/internal/config"
	"emalign/internal/correlate"
	"emalign/internal/fsutil"
	"emalign/internal/imaging"
	"emalign/internal/linker"
	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/pyramid"
	"emalign/internal/recipe"
	"emalign/internal/storage"
	"emalign/internal/taskqueue"
	"emalign/internal/tools"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

// Root carries the shared dependencies of every command.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	tools    *tools.Manager
	engines  *correlate.Manager
	backends map[string]imaging.Backend
	runner   taskqueue.Runner
	out      io.Writer
}

// NewRoot wires the tool manager, the correlation engines and the
// built-in resample backends from cfg.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	tm := tools.NewManager(cfg.Tools)
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		tools:    tm,
		engines:  correlate.NewManager(tm),
		backends: map[string]imaging.Backend{},
		out:      os.Stdout,
	}
	r.RegisterBackend(imaging.Native{})
	r.RegisterBackend(imaging.Iscale2{Path: tm.Binary(tools.Iscale2)})
	return r
}

// RegisterBackend makes a resample backend selectable by name.
func (r *Root) RegisterBackend(b imaging.Backend) {
	r.backends[b.Name()] = b
}

// SetOutput redirects command output.
func (r *Root) SetOutput(w io.Writer) {
	r.out = w
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) defaults() project.Defaults {
	return project.DefaultsFrom(r.cfg.Alignment)
}

func (r *Root) backend(name string) (imaging.Backend, error) {
	if name == "" {
		name = r.cfg.Tools.Resampler
	}
	if name == "" {
		name = "native"
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("resampler %q is not available in this build", name)
	}
	return b, nil
}

func (r *Root) loadProject(path string) (*project.Project, error) {
	p, err := project.Load(path, r.defaults())
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return p, nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// orNewID keeps an id handed in by the caller and mints one otherwise.
func orNewID(id, prefix string) string {
	if id != "" {
		return id
	}
	return newID(prefix)
}

// projectPath is where `new` writes the project file for a destination.
func projectPath(dest string) string {
	return filepath.Clean(dest) + ".json"
}

// cmdNew creates a project for the images in dir, in name order.
func (r *Root) cmdNew(dir, dest, scales string) (string, error) {
	if dest == "" {
		dest = r.cfg.Paths.DefaultDestination
	}
	if dest == "" {
		return "", errors.New("a destination is required (--dest or paths.default_destination)")
	}
	dest, err := config.ExpandUser(dest)
	if err != nil {
		return "", err
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	images, err := fsutil.ListImages(dir)
	if err != nil {
		return "", fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("no images found in %s", dir)
	}

	p := project.New(dest)
	p.SourcePath, _ = filepath.Abs(dir)
	p.AddImages(images)
	if scales != "" {
		factors, err := project.ParseScaleFactors(scales)
		if err != nil {
			return "", err
		}
		if err := p.SetScales(factors); err != nil {
			return "", err
		}
	}
	p.ApplyDefaults(r.defaults())
	linker.LinkAll(p)

	path := projectPath(dest)
	if err := p.Save(path); err != nil {
		return "", err
	}
	r.log.Info("project created", "path", path, "layers", p.NumLayers(), "scales", len(p.Scales))
	r.printf("Created %s with %d layers\n", path, p.NumLayers())
	return path, nil
}

// cmdScale builds the scale pyramid and saves the project. An empty id
// gets a fresh run id.
func (r *Root) cmdScale(ctx context.Context, id, path, scales, resampler string, observe func(*taskqueue.Queue)) (string, error) {
	p, err := r.loadProject(path)
	if err != nil {
		return "", err
	}
	var factors []int
	if scales != "" {
		if factors, err = project.ParseScaleFactors(scales); err != nil {
			return "", err
		}
	}
	b, err := r.backend(resampler)
	if err != nil {
		return "", err
	}
	rep, err := pyramid.Build(ctx, p, factors, pyramid.Options{
		Backend:  b,
		Workers:  r.cfg.Processing.Workers(),
		Timeout:  r.cfg.Processing.JobTimeout.Duration,
		Retries:  r.cfg.Processing.Retries,
		Store:    r.store,
		Runner:   r.runner,
		Logger:   r.log,
		Defaults: r.defaults(),
		RunID:    orNewID(id, "scale"),
		Observe:  observe,
	})
	if err != nil && rep.Total == 0 {
		return "", err
	}
	if serr := p.Save(path); serr != nil {
		return "", serr
	}
	summary := rep.Summary()
	r.printf("Scales %s: %s\n", project.FormatScaleFactors(scaleFactors(p)), summary)
	if err != nil {
		return summary, err
	}
	if !rep.OK() {
		return summary, fmt.Errorf("%s: %w", summary, rep.Err())
	}
	return summary, nil
}

func scaleFactors(p *project.Project) []int {
	keys := p.SortedScaleKeys()
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = k.Factor()
	}
	return out
}

func (r *Root) cmdLink(path string) error {
	p, err := r.loadProject(path)
	if err != nil {
		return err
	}
	linker.LinkAll(p)
	if err := p.Save(path); err != nil {
		return err
	}
	r.printf("Linked %d scales\n", len(p.Scales))
	return nil
}

func (r *Root) cmdSkip(path string, scale, layer int, skip bool) error {
	p, err := r.loadProject(path)
	if err != nil {
		return err
	}
	if err := linker.ToggleSkip(p, project.ScaleKey(scale), layer, skip); err != nil {
		return err
	}
	if err := p.Save(path); err != nil {
		return err
	}
	state := "skipped"
	if !skip {
		state = "included"
	}
	r.printf("Layer %d is now %s on every scale\n", layer, state)
	return nil
}

// alignArgs are the align command's flags. Pointer fields are only
// applied when the flag was given.
type alignArgs struct {
	RunID          string
	Scale          int
	Option         string
	Start, Count   int
	GenerateImages bool
	NullBias       *bool
	PolyOrder      *int
	BoundingRect   *bool
	SwimWindow     *float64
	Whitening      *float64
	Engine         string
}

// cmdAlign runs the recipe on one scale, merges the result and saves.
func (r *Root) cmdAlign(ctx context.Context, path string, a alignArgs, observe func(*taskqueue.Queue)) (string, error) {
	p, err := r.loadProject(path)
	if err != nil {
		return "", err
	}
	k := project.ScaleKey(a.Scale)
	s, err := p.Scale(k)
	if err != nil {
		return "", err
	}
	if a.NullBias != nil {
		s.NullCafmTrends = *a.NullBias
	}
	if a.PolyOrder != nil {
		s.PolyOrder = *a.PolyOrder
	}
	if a.BoundingRect != nil {
		s.UseBoundingRect = *a.BoundingRect
	}
	if a.SwimWindow != nil || a.Whitening != nil {
		end := len(s.AlignmentStack)
		if a.Count >= 0 && a.Start+a.Count < end {
			end = a.Start + a.Count
		}
		for i := max(a.Start, 0); i < end; i++ {
			md := &s.AlignmentStack[i].AlignToRef.MethodData
			if a.SwimWindow != nil {
				v := *a.SwimWindow
				md.WinScaleFactor = &v
			}
			if a.Whitening != nil {
				v := *a.Whitening
				md.WhiteningFactor = &v
			}
		}
	}
	var option project.AlignmentOption
	if a.Option != "" {
		if option, err = project.ParseAlignmentOption(a.Option); err != nil {
			return "", err
		}
	}

	var eng correlate.Engine
	if option != project.ApplyAffine {
		pref := a.Engine
		if pref == "" {
			pref = r.cfg.Alignment.Correlator
		}
		if eng, err = r.engines.Select(pref); err != nil {
			return "", err
		}
		r.log.Info("correlation engine selected", "engine", eng.Name())
	}
	b, err := r.backend("")
	if err != nil {
		return "", err
	}

	out, err := recipe.Run(ctx, p, k, recipe.Options{
		Option:         option,
		Start:          a.Start,
		Count:          a.Count,
		GenerateImages: a.GenerateImages,
		Iterations:     r.cfg.Alignment.Iterations,
		Engine:         eng,
		Backend:        b,
		Defaults:       r.defaults(),
		Workers:        r.cfg.Processing.Workers(),
		Timeout:        r.cfg.Processing.JobTimeout.Duration,
		Retries:        r.cfg.Processing.Retries,
		Store:          r.store,
		Logger:         r.log,
		RunID:          orNewID(a.RunID, "align"),
		Observe:        observe,
	})
	if out.Project == nil {
		return "", err
	}
	merged, merr := out.Merge(p, k)
	if merr != nil {
		return "", merr
	}
	if out.NeedToWriteJSON {
		if serr := merged.Save(path); serr != nil {
			return "", serr
		}
	}
	r.printf("%s layers %d-%d: %s\n", k, out.Start, out.End-1, out.Summary)
	if err != nil {
		return out.Summary, err
	}
	if !out.Report.OK() {
		return out.Summary, fmt.Errorf("%s: %w", out.Summary, out.Report.Err())
	}
	return out.Summary, nil
}

func (r *Root) cmdStatus(path string) error {
	p, err := r.loadProject(path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCALE\tLAYERS\tALIGNED\tSKIPPED\tOPTION\tREADY")
	for _, k := range p.SortedScaleKeys() {
		st, err := p.Status(k)
		if err != nil {
			return err
		}
		ready := "no"
		if p.IsScaleReadyForAlignment(k) {
			ready = "yes"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", k, st.Layers, st.Aligned, st.Skipped,
			p.Scales[k].MethodData.AlignmentOption, ready)
	}
	return tw.Flush()
}

func (r *Root) cmdRuns(limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tSCALE\tSTATUS\tFAILED\tSUMMARY")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", run.ID, run.Stage, run.Scale, run.Status, run.Failed, run.Total, run.Summary)
	}
	return tw.Flush()
}

func (r *Root) cmdTools() error {
	status := r.tools.All()
	for _, name := range tools.Names() {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		if st.Available {
			r.printf("%-8s available  %s (%s)\n", name, st.Path, st.Version)
		} else {
			r.printf("%-8s missing    %s\n", name, r.tools.Binary(name))
		}
	}
	engine, err := r.engines.Select(r.cfg.Alignment.Correlator)
	if err != nil {
		r.printf("correlator: %v\n", err)
	} else {
		r.printf("correlator: %s\n", engine.Name())
	}
	r.printf("resampler:  %s\n", r.cfg.Tools.Resampler)
	return nil
}
