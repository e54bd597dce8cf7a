package project

import "fmt"

// SetSkip flags or unflags one layer and keeps the skip annotation on its
// base image in step. Call the linker afterwards.
func (p *Project) SetSkip(k ScaleKey, layer int, skip bool) error {
	s, err := p.Scale(k)
	if err != nil {
		return err
	}
	if layer < 0 || layer >= len(s.AlignmentStack) {
		return fmt.Errorf("%s has no layer %d", k, layer)
	}
	setSkip(&s.AlignmentStack[layer], skip)
	return nil
}

func setSkip(l *Layer, skip bool) {
	l.Skip = skip
	ref, ok := l.Images[RoleBase]
	if !ok {
		return
	}
	kept := ref.Metadata.Annotations[:0:0]
	for _, a := range ref.Metadata.Annotations {
		if a != SkipAnnotation {
			kept = append(kept, a)
		}
	}
	if skip {
		kept = append(kept, SkipAnnotation)
	}
	ref.Metadata.Annotations = kept
	l.Images[RoleBase] = ref
}

// SkipIndices lists the skipped layers of k in order.
func (p *Project) SkipIndices(k ScaleKey) []int {
	s, ok := p.Scales[k]
	if !ok || s == nil {
		return nil
	}
	var out []int
	for i := range s.AlignmentStack {
		if s.AlignmentStack[i].Skip {
			out = append(out, i)
		}
	}
	return out
}

// CopySkips mirrors from's skip vector onto every other scale index by
// index. Indices past the shorter stack are ignored.
func (p *Project) CopySkips(from ScaleKey) error {
	src, err := p.Scale(from)
	if err != nil {
		return err
	}
	for k, s := range p.Scales {
		if k == from {
			continue
		}
		n := min(len(src.AlignmentStack), len(s.AlignmentStack))
		for i := 0; i < n; i++ {
			setSkip(&s.AlignmentStack[i], src.AlignmentStack[i].Skip)
		}
	}
	return nil
}
