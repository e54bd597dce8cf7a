// Package linker assigns each layer's reference image: the base image of
// the nearest earlier layer that is not skipped.
package linker

import (
	"emalign/internal/project"
)

// RefIndex returns the index of the layer that serves as reference for
// layer i, or -1 when it has none. skipped reports the skip flag by index.
func RefIndex(i int, skipped func(int) bool) int {
	if i <= 0 || skipped(i) {
		return -1
	}
	for j := i - 1; j >= 0; j-- {
		if !skipped(j) {
			return j
		}
	}
	return -1
}

// LinkStack rewrites the ref role of every layer in stack. Running it
// twice with the same skip flags gives the same result.
func LinkStack(stack []project.Layer) {
	skip := make(map[int]bool)
	for i := range stack {
		if stack[i].Skip {
			skip[i] = true
		}
	}
	isSkipped := func(i int) bool { return skip[i] }

	for i := range stack {
		ref := ""
		if j := RefIndex(i, isSkipped); j >= 0 {
			ref = stack[j].Filename(project.RoleBase)
		}
		stack[i].SetImage(project.RoleRef, ref)
	}
}

// LinkScale links one scale of p.
func LinkScale(p *project.Project, k project.ScaleKey) error {
	s, err := p.Scale(k)
	if err != nil {
		return err
	}
	LinkStack(s.AlignmentStack)
	return nil
}

// LinkAll links every scale of p.
func LinkAll(p *project.Project) {
	for _, s := range p.Scales {
		LinkStack(s.AlignmentStack)
	}
}

// CopySkipsToAllScales mirrors from's skip flags onto the other scales
// and relinks every stack so the refs follow the new flags.
func CopySkipsToAllScales(p *project.Project, from project.ScaleKey) error {
	if err := p.CopySkips(from); err != nil {
		return err
	}
	LinkAll(p)
	return nil
}

// ToggleSkip sets one layer's skip flag on scale k, propagates it to every
// scale and relinks.
func ToggleSkip(p *project.Project, k project.ScaleKey, layer int, skip bool) error {
	if err := p.SetSkip(k, layer, skip); err != nil {
		return err
	}
	return CopySkipsToAllScales(p, k)
}
