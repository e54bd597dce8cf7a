package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"emalign/internal/affine"
	"emalign/internal/fsutil"
)

// dumpBias writes the per-layer decomposition of the cumulative
// transforms to bias_data/, one "<layer> <value...>" line per layer.
func (r *run) dumpBias() error {
	dir := r.p.BiasDir(r.key)
	if err := fsutil.EnsureDirs(dir); err != nil {
		return err
	}
	names := []string{"snr", "bias_x", "bias_y", "bias_rot", "bias_scale_x",
		"bias_scale_y", "bias_skew_x", "bias_det", "afm", "c_afm"}
	files := make(map[string]*strings.Builder, len(names))
	for _, n := range names {
		files[n] = &strings.Builder{}
	}

	for i := range r.scale.AlignmentStack {
		mr := r.scale.AlignmentStack[i].AlignToRef.MethodResults
		if mr.AffineMatrix == nil || mr.CumulativeAFM == nil {
			continue
		}
		c := *mr.CumulativeAFM
		d := affine.Decompose(c)
		fmt.Fprintf(files["snr"], "%d %.6g\n", i, meanSNR(mr.SNR))
		fmt.Fprintf(files["bias_x"], "%d %.6g\n", i, c[0][2])
		fmt.Fprintf(files["bias_y"], "%d %.6g\n", i, c[1][2])
		fmt.Fprintf(files["bias_rot"], "%d %.6g\n", i, d.Rot)
		fmt.Fprintf(files["bias_scale_x"], "%d %.6g\n", i, d.ScaleX)
		fmt.Fprintf(files["bias_scale_y"], "%d %.6g\n", i, d.ScaleY)
		fmt.Fprintf(files["bias_skew_x"], "%d %.6g\n", i, d.SkewX)
		fmt.Fprintf(files["bias_det"], "%d %.6g\n", i, d.Det)
		writeMatrix(files["afm"], i, *mr.AffineMatrix)
		writeMatrix(files["c_afm"], i, c)
	}

	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n+"_1.dat"), []byte(files[n].String()), 0o644); err != nil {
			return err
		}
	}
	rect := "None\n"
	if r.scale.BoundingRect != nil {
		rect = r.scale.BoundingRect.String() + "\n"
	}
	return os.WriteFile(filepath.Join(dir, "bounding_rect.dat"), []byte(rect), 0o644)
}

func writeMatrix(b *strings.Builder, i int, m affine.Matrix) {
	fmt.Fprintf(b, "%d %.6g %.6g %.6g %.6g %.6g %.6g\n", i, m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2])
}
