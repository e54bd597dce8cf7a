package correlate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"emalign/internal/affine"
	"emalign/internal/config"
	"emalign/internal/imaging"
	"emalign/internal/taskqueue"
	"emalign/internal/tools"
)

// texture returns a blurred noise field.
func texture(n int, seed int64) [][]float64 {
	r := rand.New(rand.NewSource(seed))
	raw := make([][]float64, n)
	for y := range raw {
		raw[y] = make([]float64, n)
		for x := range raw[y] {
			raw[y][x] = r.Float64() * 255
		}
	}
	out := make([][]float64, n)
	for y := range out {
		out[y] = make([]float64, n)
		for x := range out[y] {
			var s, c float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || xx < 0 || yy >= n || xx >= n {
						continue
					}
					s += raw[yy][xx]
					c++
				}
			}
			out[y][x] = s / c
		}
	}
	return out
}

// shiftedPair writes a reference crop and a base crop whose features sit
// (dx, dy) further right and down.
func shiftedPair(t *testing.T, size, dx, dy int) (string, string) {
	t.Helper()
	const margin = 16
	field := texture(size+2*margin, 7)
	ref := image.NewGray(image.Rect(0, 0, size, size))
	base := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			ref.SetGray(x, y, color.Gray{Y: uint8(field[y+margin][x+margin])})
			base.SetGray(x, y, color.Gray{Y: uint8(field[y+margin-dy][x+margin-dx])})
		}
	}
	dir := t.TempDir()
	refPath, basePath := filepath.Join(dir, "ref.tif"), filepath.Join(dir, "base.tif")
	if err := imaging.Save(refPath, ref); err != nil {
		t.Fatal(err)
	}
	if err := imaging.Save(basePath, base); err != nil {
		t.Fatal(err)
	}
	return refPath, basePath
}

func TestNativeRecoversTranslation(t *testing.T) {
	refPath, basePath := shiftedPair(t, 128, 3, -2)
	res, err := Native{}.Align(context.Background(), Request{
		Ref: refPath, Base: basePath,
		Window:     [2]int{64, 64},
		Points:     []affine.Point{{X: 64, Y: 64}},
		Afm:        affine.Identity(),
		Iterations: 2,
		Whitening:  -0.68,
	})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Afm[0][2]-3) > 0.25 || math.Abs(res.Afm[1][2]+2) > 0.25 {
		t.Fatalf("expected translation (3,-2), got %s", res.Afm)
	}
	if len(res.SNR) != 1 || res.SNR[0] <= 3 {
		t.Fatalf("expected a clear peak, snr %v", res.SNR)
	}
}

func TestNativeGridFitsAffine(t *testing.T) {
	refPath, basePath := shiftedPair(t, 128, -2, 1)
	pts := []affine.Point{{X: 32, Y: 32}, {X: 96, Y: 32}, {X: 32, Y: 96}, {X: 96, Y: 96}}
	res, err := Native{}.Align(context.Background(), Request{
		Ref: refPath, Base: basePath,
		Window:     [2]int{48, 48},
		Points:     pts,
		Afm:        affine.Identity(),
		Iterations: 2,
		Whitening:  -0.68,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Afm.Near(affine.Translation(-2, 1), 0.3) {
		t.Fatalf("expected translation (-2,1), got %s", res.Afm)
	}
	if len(res.SNR) != 4 {
		t.Fatalf("expected one snr per point, got %v", res.SNR)
	}
}

func TestNativeHonoursCancel(t *testing.T) {
	refPath, basePath := shiftedPair(t, 64, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Native{}.Align(ctx, Request{
		Ref: refPath, Base: basePath, Window: [2]int{32, 32},
		Points: []affine.Point{{X: 32, Y: 32}}, Afm: affine.Identity(),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	_, err := Native{}.Align(context.Background(), Request{Ref: "a", Base: "b", Window: [2]int{0, 10}})
	if err == nil || !strings.Contains(err.Error(), "invalid window") {
		t.Fatalf("expected window error, got %v", err)
	}
}

func TestFitIterateDropsOutlier(t *testing.T) {
	want := affine.Matrix{{1, 0, 5}, {0, 1, -3}}
	src := []affine.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}, {X: 100, Y: 100}, {X: 50, Y: 50}}
	dst := applyAll(want, src)
	dst[4].X += 40
	got, err := fitIterate(src, dst, affine.Identity())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Near(want, 1e-6) {
		t.Fatalf("outlier not rejected: %s", got)
	}
}

type stubRunner struct {
	out   map[string]string
	calls []taskqueue.Task
}

func (s *stubRunner) Run(_ context.Context, t taskqueue.Task) (string, string, int, error) {
	s.calls = append(s.calls, t)
	out, ok := s.out[t.Cmd]
	if !ok {
		return "", "not found", 127, errors.New("exit status 127")
	}
	return out, "", 0, nil
}

func swimFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.tif")
	if err := imaging.Save(path, image.NewGray(image.Rect(0, 0, 200, 100))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSwimMultiPointUsesMir(t *testing.T) {
	ref := swimFixture(t)
	runner := &stubRunner{out: map[string]string{
		"swim": "12.5: ref.tif 50 25 base.tif 51.2 24.0 0.0 (1.2 -1.0 0.9)\n" +
			"8.25: ref.tif 150 25 base.tif 151.0 25.5 0.0 (1.0 0.5 0.9)\n",
		"mir": "AF 1 0 -1 0 1 0.5\nAI 1 0 1 0 1 -0.5\n",
	}}
	s := &Swim{Tools: tools.NewManager(config.Tools{}), Runner: runner}
	res, err := s.Align(context.Background(), Request{
		Ref: ref, Base: "base.tif",
		Window:     [2]int{64, 32},
		Points:     []affine.Point{{X: 50, Y: 25}, {X: 150, Y: 25}},
		Afm:        affine.Translation(2, 0),
		Iterations: 3,
		Whitening:  -0.68,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Afm.Near(affine.Matrix{{1, 0, 1.5}, {0, 1, 0}}, 1e-9) {
		t.Fatalf("unexpected afm %s", res.Afm)
	}
	if len(res.SNR) != 2 || res.SNR[0] != 12.5 || res.SNR[1] != 8.25 {
		t.Fatalf("unexpected snr %v", res.SNR)
	}

	swim := runner.calls[0]
	if len(swim.Args) != 1 || swim.Args[0] != "64x32" {
		t.Fatalf("unexpected swim args %v", swim.Args)
	}
	first := strings.Split(swim.Stdin, "\n")[0]
	wantPrefix := "ww_64x32 -i 3 -w -0.68 -x 18 -y 9 " + ref + " 100 50 base.tif 102.000000 50.000000 1.000000"
	if !strings.HasPrefix(first, wantPrefix) {
		t.Fatalf("unexpected swim line\n got %q\nwant %q", first, wantPrefix)
	}
	if runner.calls[1].Stdin != "50 25 51.2 24.0\n150 25 151.0 25.5\nR\n" {
		t.Fatalf("unexpected mir script %q", runner.calls[1].Stdin)
	}
}

func TestSwimSinglePointSkipsMir(t *testing.T) {
	ref := swimFixture(t)
	runner := &stubRunner{out: map[string]string{
		"swim": "20.0: ref.tif 100 50 base.tif 103 48 0.0 (3.0 -2.0 0.8)\n",
	}}
	s := &Swim{Tools: tools.NewManager(config.Tools{}), Runner: runner}
	res, err := s.Align(context.Background(), Request{
		Ref: ref, Base: "base.tif", Window: [2]int{128, 128},
		Points: []affine.Point{{X: 100, Y: 50}}, Afm: affine.Identity(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Afm.Near(affine.Translation(3.5, -1.5), 1e-9) {
		t.Fatalf("unexpected afm %s", res.Afm)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("mir should not run for one point")
	}
}

func TestSwimReportsToolFailure(t *testing.T) {
	ref := swimFixture(t)
	s := &Swim{Tools: tools.NewManager(config.Tools{}), Runner: &stubRunner{}}
	_, err := s.Align(context.Background(), Request{
		Ref: ref, Base: "b.tif", Window: [2]int{10, 10},
		Points: []affine.Point{{X: 5, Y: 5}}, Afm: affine.Identity(),
	})
	if err == nil || !strings.Contains(err.Error(), "rc=127") {
		t.Fatalf("expected tool failure, got %v", err)
	}
}

func TestParseSwimRejectsShortLines(t *testing.T) {
	if _, err := parseSwim("1.0: a 1 2\n"); err == nil {
		t.Fatal("expected error for short line")
	}
}

type fakeEngine struct {
	name  string
	avail bool
}

func (f fakeEngine) Name() string    { return f.name }
func (f fakeEngine) Available() bool { return f.avail }
func (f fakeEngine) Align(context.Context, Request) (Result, error) {
	return Result{Afm: affine.Identity()}, nil
}

func TestManagerSelect(t *testing.T) {
	m := &Manager{}
	m.Register(fakeEngine{name: "swim", avail: false})
	m.Register(Native{})

	e, err := m.Select(Auto)
	if err != nil || e.Name() != "native" {
		t.Fatalf("expected native fallback, got %v %v", e, err)
	}
	if _, err := m.Select("swim"); err == nil {
		t.Fatal("expected error for unavailable preference")
	}
	if _, err := m.Select("opencv"); err == nil {
		t.Fatal("expected error for unknown engine")
	}

	m.Register(fakeEngine{name: "swim", avail: true})
	if e, _ := m.Select(""); e.Name() != "swim" {
		t.Fatalf("swim should win when available, got %s", e.Name())
	}
	if names := m.Names(); len(names) != 2 {
		t.Fatalf("re-registering must not duplicate: %v", names)
	}
}
