package correlate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"emalign/internal/affine"
	"emalign/internal/imaging"
	"emalign/internal/taskqueue"
	"emalign/internal/tools"
)

// swimDrift is added to the translation mir reports.
const swimDrift = 0.5

// Swim correlates with the SWiFT-IR swim program and fits the transform
// with mir. Both run as subprocesses fed on stdin.
type Swim struct {
	Tools  *tools.Manager
	Runner taskqueue.Runner
}

// NewSwim returns a swim engine that runs commands with os/exec.
func NewSwim(tm *tools.Manager) *Swim {
	return &Swim{Tools: tm, Runner: taskqueue.ExecRunner{}}
}

func (s *Swim) Name() string { return "swim" }

func (s *Swim) Available() bool {
	return s.Tools != nil && s.Tools.Available(tools.Swim, tools.Mir)
}

func (s *Swim) Align(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	w, h, err := imaging.Size(req.Ref)
	if err != nil {
		return Result{}, err
	}

	wwArg := windowArg(req.Window)
	stdin := swimInput(req, wwArg, w, h)
	out, err := s.run(ctx, tools.Swim, []string{wwArg}, stdin)
	if err != nil {
		return Result{}, err
	}

	matches, err := parseSwim(out)
	if err != nil {
		return Result{}, err
	}
	res := Result{SNR: make([]float64, len(matches))}
	for i, m := range matches {
		res.SNR[i] = m.snr
	}
	if len(matches) == 1 {
		res.Afm = affine.Translation(matches[0].dx+swimDrift, matches[0].dy+swimDrift)
		return res, nil
	}

	var script strings.Builder
	for _, m := range matches {
		script.WriteString(strings.Join(m.mir[:], " "))
		script.WriteByte('\n')
	}
	script.WriteString("R\n")
	out, err = s.run(ctx, tools.Mir, nil, script.String())
	if err != nil {
		return Result{}, err
	}
	res.Afm, err = parseMir(out)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Swim) run(ctx context.Context, tool string, args []string, stdin string) (string, error) {
	runner := s.Runner
	if runner == nil {
		runner = taskqueue.ExecRunner{}
	}
	bin := tool
	if s.Tools != nil {
		bin = s.Tools.Binary(tool)
	}
	stdout, stderr, rc, err := runner.Run(ctx, taskqueue.Task{Cmd: bin, Args: args, Stdin: stdin})
	if err != nil {
		return "", fmt.Errorf("%s (rc=%d): %w: %s", tool, rc, err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func windowArg(ww [2]int) string {
	if ww[0] == ww[1] {
		return strconv.Itoa(ww[0])
	}
	return fmt.Sprintf("%dx%d", ww[0], ww[1])
}

// swimInput builds one swim request line per point. The window is placed
// by -x/-y; the target and patch centres are the image centre and the
// centre shifted by the seed translation.
func swimInput(req Request, wwArg string, w, h int) string {
	cx, cy := w/2, h/2
	ax := float64(cx) + req.Afm[0][2]
	ay := float64(cy) + req.Afm[1][2]
	var b strings.Builder
	for _, p := range req.Points {
		offx := int(p.X - float64(req.Window[0])/2)
		offy := int(p.Y - float64(req.Window[1])/2)
		fmt.Fprintf(&b, "ww_%s -i %d -w %g -x %d -y %d %s %d %d %s %.6f %.6f %.6f %.6f %.6f %.6f\n",
			wwArg, req.iterations(), req.Whitening, offx, offy,
			req.Ref, cx, cy, req.Base, ax, ay,
			req.Afm[0][0], req.Afm[0][1], req.Afm[1][0], req.Afm[1][1])
	}
	return b.String()
}

type swimMatch struct {
	snr    float64
	dx, dy float64
	mir    [4]string
}

// parseSwim reads lines of the form
//
//	<snr>: <sta> <x> <y> <mov> <x'> <y'> <r> (<dx> <dy> <m0> ...)
func parseSwim(out string) ([]swimMatch, error) {
	var matches []swimMatch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.NewReplacer("(", " ", ")", " ").Replace(line)
		toks := strings.Fields(line)
		if len(toks) == 0 {
			continue
		}
		if len(toks) < 10 {
			return nil, fmt.Errorf("swim: short output line %q", line)
		}
		var m swimMatch
		var err error
		if m.snr, err = strconv.ParseFloat(toks[0][:len(toks[0])-1], 64); err != nil {
			return nil, fmt.Errorf("swim: bad snr %q: %w", toks[0], err)
		}
		if m.dx, err = strconv.ParseFloat(toks[8], 64); err != nil {
			return nil, fmt.Errorf("swim: bad dx %q: %w", toks[8], err)
		}
		if m.dy, err = strconv.ParseFloat(toks[9], 64); err != nil {
			return nil, fmt.Errorf("swim: bad dy %q: %w", toks[9], err)
		}
		m.mir = [4]string{toks[2], toks[3], toks[5], toks[6]}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("swim: no output")
	}
	return matches, nil
}

// parseMir picks the inverse affine ("AI a00 a01 a02 a10 a11 a12").
func parseMir(out string) (affine.Matrix, error) {
	for _, line := range strings.Split(out, "\n") {
		toks := strings.Fields(line)
		if len(toks) < 7 || toks[0] != "AI" {
			continue
		}
		var v [6]float64
		for i := range v {
			f, err := strconv.ParseFloat(toks[i+1], 64)
			if err != nil {
				return affine.Matrix{}, fmt.Errorf("mir: bad value %q: %w", toks[i+1], err)
			}
			v[i] = f
		}
		return affine.Matrix{
			{v[0], v[1], v[2] + swimDrift},
			{v[3], v[4], v[5] + swimDrift},
		}, nil
	}
	return affine.Matrix{}, fmt.Errorf("mir: no AI line in output")
}
