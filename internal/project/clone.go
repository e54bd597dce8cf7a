package project

import (
	"fmt"
)

// Clone returns a deep copy. Alignment runs work on a clone and hand it
// back for an explicit merge.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.PanelRoles = append([]Role(nil), p.PanelRoles...)
	out.Scales = make(map[ScaleKey]*Scale, len(p.Scales))
	for k, s := range p.Scales {
		out.Scales[k] = s.clone()
	}
	return &out
}

func (s *Scale) clone() *Scale {
	if s == nil {
		return nil
	}
	out := *s
	if s.BoundingRect != nil {
		r := *s.BoundingRect
		out.BoundingRect = &r
	}
	out.AlignmentStack = make([]Layer, len(s.AlignmentStack))
	for i := range s.AlignmentStack {
		out.AlignmentStack[i] = s.AlignmentStack[i].Clone()
	}
	return &out
}

// Clone returns a deep copy of the layer.
func (l Layer) Clone() Layer {
	out := l
	if l.Images != nil {
		out.Images = make(map[Role]ImageRef, len(l.Images))
		for r, ref := range l.Images {
			ref.Metadata.Annotations = append([]string(nil), ref.Metadata.Annotations...)
			ref.Metadata.MatchPoints = append([][2]float64(nil), ref.Metadata.MatchPoints...)
			out.Images[r] = ref
		}
	}
	out.AlignToRef.MethodOptions = append([]string(nil), l.AlignToRef.MethodOptions...)
	md := &out.AlignToRef.MethodData
	if md.WinScaleFactor != nil {
		md.WinScaleFactor = floatPtr(*md.WinScaleFactor)
	}
	if md.WhiteningFactor != nil {
		md.WhiteningFactor = floatPtr(*md.WhiteningFactor)
	}
	mr := &out.AlignToRef.MethodResults
	if mr.AffineMatrix != nil {
		m := *mr.AffineMatrix
		mr.AffineMatrix = &m
	}
	if mr.CumulativeAFM != nil {
		m := *mr.CumulativeAFM
		mr.CumulativeAFM = &m
	}
	mr.SNR = append([]float64(nil), mr.SNR...)
	return out
}

// MergeScale returns a copy of dst that carries src's scale k for layers
// [start, start+count); count < 0 means to the end of the stack. Neither
// input is modified. Scale-wide fields and timings come from src.
func MergeScale(dst, src *Project, k ScaleKey, start, count int) (*Project, error) {
	from, err := src.Scale(k)
	if err != nil {
		return nil, err
	}
	out := dst.Clone()
	to, err := out.Scale(k)
	if err != nil {
		return nil, err
	}
	if len(from.AlignmentStack) != len(to.AlignmentStack) {
		return nil, fmt.Errorf("merge %s: stack length %d does not match %d",
			k, len(from.AlignmentStack), len(to.AlignmentStack))
	}
	end := len(to.AlignmentStack)
	if count >= 0 && start+count < end {
		end = start + count
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("merge %s: bad layer range %d+%d", k, start, count)
	}
	for i := start; i < end; i++ {
		to.AlignmentStack[i] = from.AlignmentStack[i].Clone()
	}
	// Cumulative transforms and bias fields depend on the whole stack.
	for i := 0; i < len(to.AlignmentStack); i++ {
		if i >= start && i < end {
			continue
		}
		fl := from.AlignmentStack[i].Clone()
		tl := &to.AlignmentStack[i]
		tl.AlignToRef.MethodResults.CumulativeAFM = fl.AlignToRef.MethodResults.CumulativeAFM
		bias := fl.AlignToRef.MethodData
		md := &tl.AlignToRef.MethodData
		md.BiasXPerImage = bias.BiasXPerImage
		md.BiasYPerImage = bias.BiasYPerImage
		md.BiasRotPerImage = bias.BiasRotPerImage
		md.BiasScaleXPerImage = bias.BiasScaleXPerImage
		md.BiasScaleYPerImage = bias.BiasScaleYPerImage
		md.BiasSkewXPerImage = bias.BiasSkewXPerImage
	}
	to.MethodData = from.MethodData
	to.NullCafmTrends = from.NullCafmTrends
	to.UseBoundingRect = from.UseBoundingRect
	to.PolyOrder = from.PolyOrder
	to.BoundingRect = nil
	if from.BoundingRect != nil {
		r := *from.BoundingRect
		to.BoundingRect = &r
	}
	to.TAlign = from.TAlign
	to.TGenerate = from.TGenerate
	return out, nil
}
