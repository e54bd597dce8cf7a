package project

import "emalign/internal/config"

// Defaults are the control values applied to layers that lack them.
type Defaults struct {
	WinScaleFactor  float64
	WhiteningFactor float64
	PolyOrder       int
	NullCafmTrends  bool
	UseBoundingRect bool
}

// DefaultsFrom reads the alignment section of the configuration.
func DefaultsFrom(a config.Alignment) Defaults {
	return Defaults{
		WinScaleFactor:  a.WinScaleFactor,
		WhiteningFactor: a.WhiteningFactor,
		PolyOrder:       a.PolyOrder,
		NullCafmTrends:  a.NullCafmTrends,
		UseBoundingRect: a.UseBoundingRect,
	}
}

func (p *Project) optionFor(k ScaleKey) AlignmentOption {
	if k == p.Coarsest() {
		return InitAffine
	}
	return RefineAffine
}

// ApplyDefaults resets every scale after the pyramid is (re)built: the
// coarsest scale starts with init_affine, the rest with refine_affine, and
// every layer's window and whitening take the default values.
func (p *Project) ApplyDefaults(d Defaults) {
	for k, s := range p.Scales {
		opt := p.optionFor(k)
		s.MethodData.AlignmentOption = opt
		s.NullCafmTrends = d.NullCafmTrends
		s.UseBoundingRect = d.UseBoundingRect
		s.PolyOrder = d.PolyOrder
		for i := range s.AlignmentStack {
			md := &s.AlignmentStack[i].AlignToRef.MethodData
			md.WinScaleFactor = floatPtr(d.WinScaleFactor)
			md.WhiteningFactor = floatPtr(d.WhiteningFactor)
			md.AlignmentOption = opt
		}
	}
}

// EnsureDefaults back-fills only what is missing, leaving explicit values
// alone. It is safe to call before every run.
func (p *Project) EnsureDefaults(d Defaults) {
	if p.PanelRoles == nil {
		p.PanelRoles = []Role{RoleRef, RoleBase, RoleAligned}
	}
	if p.Scales == nil {
		p.Scales = map[ScaleKey]*Scale{}
	}
	if _, ok := p.Scales[p.CurrentScale]; !ok {
		p.CurrentScale = ScaleOne
	}
	for k, s := range p.Scales {
		opt := p.optionFor(k)
		if s.MethodData.AlignmentOption == "" {
			s.MethodData.AlignmentOption = opt
		}
		for i := range s.AlignmentStack {
			l := &s.AlignmentStack[i]
			if l.Images == nil {
				l.Images = map[Role]ImageRef{}
			}
			md := &l.AlignToRef.MethodData
			if md.WinScaleFactor == nil {
				md.WinScaleFactor = floatPtr(d.WinScaleFactor)
			}
			if md.WhiteningFactor == nil {
				md.WhiteningFactor = floatPtr(d.WhiteningFactor)
			}
			if md.AlignmentOption == "" {
				md.AlignmentOption = opt
			}
		}
	}
}

func floatPtr(v float64) *float64 { return &v }
