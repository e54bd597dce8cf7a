// Command test-integration runs the whole pipeline on a synthetic stack
// with the native backends and checks the recovered drift.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"emalign/internal/correlate"
	"emalign/internal/imaging"
	"emalign/internal/linker"
	"emalign/internal/logging"
	"emalign/internal/project"
	"emalign/internal/pyramid"
	"emalign/internal/recipe"
	"emalign/internal/storage"
)

func main() {
	var (
		layers = flag.Int("layers", 5, "number of synthetic sections")
		size   = flag.Int("size", 512, "section width and height in pixels")
		stepX  = flag.Int("dx", 3, "per-section drift along x")
		stepY  = flag.Int("dy", -2, "per-section drift along y")
		keep   = flag.Bool("keep", false, "keep the work directory")
	)
	flag.Parse()

	work, err := os.MkdirTemp("", "emalign-integration-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	if !*keep {
		defer os.RemoveAll(work)
	}
	fmt.Println("Testing emalign on a synthetic stack in", work)

	store, err := storage.New(filepath.Join(work, "runs.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()
	logger := logging.New("info", "text")

	files, err := writeSections(filepath.Join(work, "sections"), *layers, *size, *stepX, *stepY)
	if err != nil {
		log.Fatal("Failed to write sections:", err)
	}
	fmt.Printf("✅ Wrote %d sections of %dx%d, drift (%d,%d) per section\n", len(files), *size, *size, *stepX, *stepY)

	d := project.Defaults{WinScaleFactor: 0.8125, WhiteningFactor: -0.68, UseBoundingRect: true}
	p := project.New(filepath.Join(work, "stack"))
	p.AddImages(files)

	ctx := context.Background()
	start := time.Now()
	rep, err := pyramid.Build(ctx, p, []int{1, 2, 4}, pyramid.Options{Workers: 4, Store: store, Logger: logger, Defaults: d})
	if err != nil || !rep.OK() {
		log.Fatalf("Scale pyramid failed: %v %v", err, rep.Err())
	}
	fmt.Printf("✅ Scale pyramid: %s in %s\n", rep.Summary(), time.Since(start).Round(time.Millisecond))

	for _, k := range []project.ScaleKey{4, 2, 1} {
		out, err := recipe.Run(ctx, p, k, recipe.Options{
			Count:          -1,
			GenerateImages: k == 1,
			Engine:         correlate.Native{},
			Defaults:       d,
			Workers:        4,
			Store:          store,
			Logger:         logger,
		})
		if err != nil {
			log.Fatalf("Alignment of %s failed: %v", k, err)
		}
		if p, err = out.Merge(p, k); err != nil {
			log.Fatalf("Merge of %s failed: %v", k, err)
		}
		fmt.Printf("✅ %s (%s): %s\n", k, p.Scales[k].MethodData.AlignmentOption, out.Summary)
	}
	linker.LinkAll(p)
	if err := p.Save(filepath.Join(work, "stack.json")); err != nil {
		log.Fatal("Failed to save project:", err)
	}

	worst := 0.0
	for i, l := range p.Scales[1].AlignmentStack {
		c := l.AlignToRef.MethodResults.CumulativeAFM
		if c == nil {
			log.Fatalf("layer %d has no cumulative transform", i)
		}
		ex := math.Abs(c[0][2] - float64(i**stepX))
		ey := math.Abs(c[1][2] - float64(i**stepY))
		worst = max(worst, ex, ey)
		fmt.Printf("   layer %d: translation (%.2f, %.2f)  %s\n", i, c[0][2], c[1][2], l.AlignToRef.MethodResults.SNRReport)
	}
	if worst > 1.5 {
		fmt.Printf("❌ Worst drift error %.2f px\n", worst)
		os.Exit(1)
	}
	fmt.Printf("✅ Test completed. Worst drift error %.2f px\n", worst)
}

// writeSections crops n sections out of one smooth noise field, each
// shifted by (dx, dy) from the previous.
func writeSections(dir string, n, size, dx, dy int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	margin := n*max(abs(dx), abs(dy)) + 8
	field := smoothNoise(size+2*margin, 42)
	var files []string
	for i := 0; i < n; i++ {
		g := image.NewGray(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				g.SetGray(x, y, color.Gray{Y: field[y+margin-i*dy][x+margin-i*dx]})
			}
		}
		fn := filepath.Join(dir, fmt.Sprintf("section_%03d.tif", i))
		if err := imaging.Save(fn, g); err != nil {
			return nil, err
		}
		files = append(files, fn)
	}
	return files, nil
}

// smoothNoise box-blurs uniform noise twice so features survive the
// coarsest scale.
func smoothNoise(n int, seed int64) [][]uint8 {
	r := rand.New(rand.NewSource(seed))
	f := make([][]float64, n)
	for y := range f {
		f[y] = make([]float64, n)
		for x := range f[y] {
			f[y][x] = r.Float64()
		}
	}
	for pass := 0; pass < 2; pass++ {
		f = boxBlur(f, 3)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range f {
		for _, v := range row {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	out := make([][]uint8, n)
	for y := range out {
		out[y] = make([]uint8, n)
		for x := range out[y] {
			out[y][x] = uint8(255 * (f[y][x] - lo) / (hi - lo))
		}
	}
	return out
}

func boxBlur(f [][]float64, r int) [][]float64 {
	n := len(f)
	out := make([][]float64, n)
	for y := range out {
		out[y] = make([]float64, n)
		for x := range out[y] {
			var s, c float64
			for yy := max(y-r, 0); yy <= min(y+r, n-1); yy++ {
				for xx := max(x-r, 0); xx <= min(x+r, n-1); xx++ {
					s += f[yy][xx]
					c++
				}
			}
			out[y][x] = s / c
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
