package project

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Directory names created under every scale.
const (
	DirSource  = "img_src"
	DirAligned = "img_aligned"
	DirBias    = "bias_data"
)

// SortedScaleKeys returns the project's scales from finest to coarsest.
func (p *Project) SortedScaleKeys() []ScaleKey {
	keys := make([]ScaleKey, 0, len(p.Scales))
	for k := range p.Scales {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Coarsest returns the scale with the largest factor.
func (p *Project) Coarsest() ScaleKey {
	keys := p.SortedScaleKeys()
	if len(keys) == 0 {
		return ScaleOne
	}
	return keys[len(keys)-1]
}

// NextCoarser returns the scale directly above k, or false when k is the
// coarsest.
func (p *Project) NextCoarser(k ScaleKey) (ScaleKey, bool) {
	for _, c := range p.SortedScaleKeys() {
		if c > k {
			return c, true
		}
	}
	return 0, false
}

// ParseScaleFactors parses a space separated list such as "1 2 4" into a
// sorted, de-duplicated slice that always contains 1.
func ParseScaleFactors(s string) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no scale factors given")
	}
	seen := map[int]bool{1: true}
	out := []int{1}
	for _, f := range fields {
		k, err := ParseScaleKey(f)
		if err != nil {
			return nil, fmt.Errorf("bad scale list %q: %w", s, err)
		}
		if !seen[k.Factor()] {
			seen[k.Factor()] = true
			out = append(out, k.Factor())
		}
	}
	sort.Ints(out)
	return out, nil
}

// FormatScaleFactors is the inverse of ParseScaleFactors.
func FormatScaleFactors(factors []int) string {
	parts := make([]string, len(factors))
	for i, f := range factors {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, " ")
}

// SetScales makes the project's levels exactly factors (scale_1 is always
// kept). New levels copy scale_1's stack with only the base images kept.
func (p *Project) SetScales(factors []int) error {
	one, err := p.Scale(ScaleOne)
	if err != nil {
		return err
	}
	want := map[ScaleKey]bool{ScaleOne: true}
	for _, f := range factors {
		if f < 1 {
			return fmt.Errorf("invalid scale factor %d", f)
		}
		want[ScaleKey(f)] = true
	}
	for k := range p.Scales {
		if !want[k] {
			delete(p.Scales, k)
		}
	}
	for k := range want {
		if _, ok := p.Scales[k]; ok {
			continue
		}
		s := one.clone()
		for i := range s.AlignmentStack {
			l := &s.AlignmentStack[i]
			for role := range l.Images {
				if role != RoleBase {
					delete(l.Images, role)
				}
			}
			l.AlignToRef.MethodResults = MethodResults{}
		}
		p.Scales[k] = s
	}
	if _, ok := p.Scales[p.CurrentScale]; !ok {
		p.CurrentScale = ScaleOne
	}
	return nil
}

// ScaleStatus summarizes how much of a scale has been aligned.
type ScaleStatus struct {
	Key        ScaleKey
	Layers     int
	Aligned    int
	Skipped    int
	AllAligned bool
}

// Status reports the alignment state of scale k.
func (p *Project) Status(k ScaleKey) (ScaleStatus, error) {
	s, err := p.Scale(k)
	if err != nil {
		return ScaleStatus{}, err
	}
	st := ScaleStatus{Key: k, Layers: len(s.AlignmentStack)}
	for i := range s.AlignmentStack {
		l := &s.AlignmentStack[i]
		if l.Aligned() {
			st.Aligned++
		}
		if l.Skip {
			st.Skipped++
		}
	}
	st.AllAligned = st.Layers > 0 && st.Aligned == st.Layers
	return st, nil
}

// IsScaleReadyForAlignment reports whether k can be aligned now: the
// coarsest scale always can, finer scales need the next coarser one to be
// fully aligned.
func (p *Project) IsScaleReadyForAlignment(k ScaleKey) bool {
	c, ok := p.NextCoarser(k)
	if !ok {
		return true
	}
	st, err := p.Status(c)
	return err == nil && st.AllAligned
}

// ScaleDir is the on-disk directory for k.
func (p *Project) ScaleDir(k ScaleKey) string {
	return filepath.Join(p.DestinationPath, k.String())
}

// SourceDir is where scaled source images for k live.
func (p *Project) SourceDir(k ScaleKey) string {
	return filepath.Join(p.ScaleDir(k), DirSource)
}

// AlignedDir is where aligned images for k live.
func (p *Project) AlignedDir(k ScaleKey) string {
	return filepath.Join(p.ScaleDir(k), DirAligned)
}

// BiasDir is where bias analysis dumps for k live.
func (p *Project) BiasDir(k ScaleKey) string {
	return filepath.Join(p.ScaleDir(k), DirBias)
}
