package cli

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"emalign/internal/affine"
	"emalign/internal/config"
	"emalign/internal/correlate"
	"emalign/internal/imaging"
	"emalign/internal/project"
	"emalign/internal/server"
	"emalign/internal/storage"
)

type stubEngine struct {
	calls int
}

func (s *stubEngine) Name() string    { return "stub" }
func (s *stubEngine) Available() bool { return true }

func (s *stubEngine) Align(_ context.Context, req correlate.Request) (correlate.Result, error) {
	s.calls++
	snr := make([]float64, len(req.Points))
	for i := range snr {
		snr[i] = 12
	}
	return correlate.Result{Afm: affine.Translation(1, 0), SNR: snr}, nil
}

func newTestRoot(t *testing.T) (*Root, *bytes.Buffer, *stubEngine) {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.ParallelJobs = 2
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "emalign.db")
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	root := NewRoot(cfg, nil, store)
	eng := &stubEngine{}
	root.engines = &correlate.Manager{}
	root.engines.Register(eng)
	var out bytes.Buffer
	root.SetOutput(&out)
	return root, &out, eng
}

func writeStack(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		g := image.NewGray(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				g.SetGray(x, y, color.Gray{Y: uint8((x*5 + y*3 + i*7) % 251)})
			}
		}
		if err := imaging.Save(filepath.Join(dir, "sec_"+string(rune('0'+i))+".tif"), g); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func execute(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func statusRow(t *testing.T, out, scale string) []string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) > 0 && f[0] == scale {
			return f
		}
	}
	t.Fatalf("no status row for %s in\n%s", scale, out)
	return nil
}

func TestProjectWorkflow(t *testing.T) {
	root, out, eng := newTestRoot(t)
	images := writeStack(t, 3)
	dest := filepath.Join(t.TempDir(), "stack")

	if err := execute(t, root, "new", images, "--dest", dest, "--scales", "1 2"); err != nil {
		t.Fatal(err)
	}
	path := dest + ".json"
	if err := execute(t, root, "scale", path); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, root, "align", path, "--scale", "2"); err != nil {
		t.Fatal(err)
	}
	if eng.calls != 6 {
		t.Fatalf("init on two layers should run six correlations, got %d", eng.calls)
	}
	if err := execute(t, root, "align", path, "--scale", "1", "--no-images"); err != nil {
		t.Fatal(err)
	}

	p, err := project.Load(path, project.Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	l := p.Scales[1].AlignmentStack[2]
	if l.AlignToRef.MethodResults.CumulativeAFM == nil || !l.AlignToRef.MethodResults.CumulativeAFM.Near(affine.Translation(2, 0), 1e-9) {
		t.Fatalf("unexpected cumulative transform %v", l.AlignToRef.MethodResults.CumulativeAFM)
	}
	if l.Filename(project.RoleAligned) != "" {
		t.Fatal("--no-images must not render scale_1")
	}
	if p.Scales[2].AlignmentStack[2].Filename(project.RoleAligned) == "" {
		t.Fatal("scale_2 images should have been rendered")
	}

	out.Reset()
	if err := execute(t, root, "status", path); err != nil {
		t.Fatal(err)
	}
	if row := statusRow(t, out.String(), "scale_1"); row[2] != "3" || row[4] != "refine_affine" {
		t.Fatalf("unexpected scale_1 row %v", row)
	}

	out.Reset()
	if err := execute(t, root, "runs", "--limit", "10"); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "align-") != 2 || !strings.Contains(out.String(), "scale-") {
		t.Fatalf("runs should list both alignments and the pyramid:\n%s", out.String())
	}
}

func TestSkipRelinksEveryScale(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dest := filepath.Join(t.TempDir(), "stack")
	path, err := root.cmdNew(writeStack(t, 3), dest, "1 4")
	if err != nil {
		t.Fatal(err)
	}
	if err := execute(t, root, "skip", path, "--scale", "4", "--layer", "1"); err != nil {
		t.Fatal(err)
	}
	p, err := project.Load(path, project.Defaults{})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []project.ScaleKey{1, 4} {
		stack := p.Scales[k].AlignmentStack
		if !stack[1].Skip {
			t.Fatalf("%s layer 1 should be skipped", k)
		}
		if stack[2].Filename(project.RoleRef) != stack[0].Filename(project.RoleBase) {
			t.Fatalf("%s layer 2 should reference layer 0", k)
		}
	}

	if err := execute(t, root, "skip", path, "--scale", "4", "--layer", "1", "--off"); err != nil {
		t.Fatal(err)
	}
	p, _ = project.Load(path, project.Defaults{})
	if p.Scales[1].AlignmentStack[1].Skip {
		t.Fatal("--off should clear the flag")
	}
}

func TestAlignRejectsBadInput(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dest := filepath.Join(t.TempDir(), "stack")
	path, err := root.cmdNew(writeStack(t, 2), dest, "1 2")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"window", []string{"align", path, "--scale", "2", "--swim-window", "1.5"}, "--swim-window"},
		{"scale", []string{"align", path, "--scale", "8"}, "scale_8"},
		{"option", []string{"align", path, "--scale", "2", "--option", "warp"}, "warp"},
		{"unscaled", []string{"align", path, "--scale", "2"}, "has not been generated"},
		{"engine", []string{"align", path, "--scale", "2", "--engine", "swim"}, "unknown correlation engine"},
		{"resampler", []string{"scale", path, "--resampler", "imagick"}, "not available in this build"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := execute(t, root, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNewRequiresImages(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if _, err := root.cmdNew(t.TempDir(), filepath.Join(t.TempDir(), "x"), ""); err == nil {
		t.Fatal("expected an error for an empty directory")
	}
	if _, err := root.cmdNew(writeStack(t, 1), "", ""); err == nil {
		t.Fatal("expected an error without a destination")
	}
}

func TestConfigAndVersion(t *testing.T) {
	root, out, _ := newTestRoot(t)
	if err := execute(t, root, "config", "validate"); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, root, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "emalign "+Version) || !strings.Contains(out.String(), "stub") {
		t.Fatalf("unexpected version output:\n%s", out.String())
	}

	out.Reset()
	if err := execute(t, root, "config", "show"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"win_scale_factor": 0.8125`) {
		t.Fatalf("config show should print the alignment defaults:\n%s", out.String())
	}

	root.cfg.Alignment.Correlator = "fft"
	if err := execute(t, root, "config", "validate"); err == nil {
		t.Fatal("expected validation to fail")
	}
}

func TestLauncher(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dest := filepath.Join(t.TempDir(), "stack")
	path, err := root.cmdNew(writeStack(t, 2), dest, "1 2")
	if err != nil {
		t.Fatal(err)
	}
	launch := root.launcher(path)
	if _, err := launch(context.Background(), "r1", server.RunRequest{Stage: "merge"}, nil); err == nil {
		t.Fatal("unknown stage must fail")
	}
	summary, err := launch(context.Background(), "scale-from-server", server.RunRequest{Stage: "scale"}, nil)
	if err != nil || summary != "all 4 images succeeded" {
		t.Fatalf("scale run: %q %v", summary, err)
	}
	tasks, err := root.store.RunTasks("scale-from-server")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("scale tasks should be stored under the server's run id: %d %v", len(tasks), err)
	}
	summary, err = launch(context.Background(), "align-from-server", server.RunRequest{Stage: "align", Scale: 2, Images: true}, nil)
	if err != nil || summary != "all 2 layers succeeded" {
		t.Fatalf("align run: %q %v", summary, err)
	}
	tasks, err = root.store.RunTasks("align-from-server")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("image tasks should be stored under the server's run id: %d %v", len(tasks), err)
	}
	runs, err := root.store.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, run := range runs {
		ids[run.ID] = true
	}
	if !ids["scale-from-server"] || !ids["align-from-server"] {
		t.Fatalf("runs not recorded under the server's ids: %v", ids)
	}
}
