// Package project holds the typed alignment data model: a project owns one
// stack of layers per pyramid scale, and each layer owns its image roles,
// alignment controls and results.
package project

import (
	"fmt"
	"strconv"
	"strings"

	"emalign/internal/affine"
)

// Version is written into every saved project.
const Version = 0.50

// ScaleKey identifies a pyramid level by its integer downsampling factor.
// It serializes as "scale_<N>".
type ScaleKey int

// ScaleOne is the full-resolution level every project has.
const ScaleOne ScaleKey = 1

// ParseScaleKey parses "scale_<N>" (or a bare "<N>") with N >= 1.
func ParseScaleKey(s string) (ScaleKey, error) {
	v := strings.TrimPrefix(strings.TrimSpace(s), "scale_")
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid scale key %q", s)
	}
	return ScaleKey(n), nil
}

// Factor is the downsampling factor.
func (k ScaleKey) Factor() int { return int(k) }

func (k ScaleKey) String() string { return "scale_" + strconv.Itoa(int(k)) }

func (k ScaleKey) MarshalText() ([]byte, error) {
	if k < 1 {
		return nil, fmt.Errorf("invalid scale factor %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *ScaleKey) UnmarshalText(b []byte) error {
	v, err := ParseScaleKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Role names an image slot on a layer.
type Role string

const (
	RoleRef     Role = "ref"
	RoleBase    Role = "base"
	RoleAligned Role = "aligned"
)

// AlignmentOption selects the recipe for a run.
type AlignmentOption string

const (
	InitAffine   AlignmentOption = "init_affine"
	RefineAffine AlignmentOption = "refine_affine"
	ApplyAffine  AlignmentOption = "apply_affine"
)

// ParseAlignmentOption accepts the three recipe names.
func ParseAlignmentOption(s string) (AlignmentOption, error) {
	switch o := AlignmentOption(s); o {
	case InitAffine, RefineAffine, ApplyAffine:
		return o, nil
	}
	return "", fmt.Errorf("unknown alignment option %q (want init_affine, refine_affine or apply_affine)", s)
}

// SkipAnnotation marks a skipped base image in its metadata.
const SkipAnnotation = "skipped(1)"

// Metadata carries free-form annotations attached to an image.
type Metadata struct {
	Annotations []string     `json:"annotations"`
	MatchPoints [][2]float64 `json:"match_points"`
}

// ImageRef points at one image file.
type ImageRef struct {
	Filename string   `json:"filename"`
	Metadata Metadata `json:"metadata"`
}

// MethodData holds the per-layer alignment controls. The window and
// whitening are pointers so a missing value can be told apart from zero.
type MethodData struct {
	WinScaleFactor  *float64        `json:"win_scale_factor,omitempty"`
	WhiteningFactor *float64        `json:"whitening_factor,omitempty"`
	AlignmentOption AlignmentOption `json:"alignment_option,omitempty"`

	BiasXPerImage      float64 `json:"bias_x_per_image"`
	BiasYPerImage      float64 `json:"bias_y_per_image"`
	BiasRotPerImage    float64 `json:"bias_rot_per_image"`
	BiasScaleXPerImage float64 `json:"bias_scale_x_per_image"`
	BiasScaleYPerImage float64 `json:"bias_scale_y_per_image"`
	BiasSkewXPerImage  float64 `json:"bias_skew_x_per_image"`
}

// Window returns the SWIM window fraction, or 0 when unset.
func (m MethodData) Window() float64 {
	if m.WinScaleFactor == nil {
		return 0
	}
	return *m.WinScaleFactor
}

// Whitening returns the whitening exponent, or 0 when unset.
func (m MethodData) Whitening() float64 {
	if m.WhiteningFactor == nil {
		return 0
	}
	return *m.WhiteningFactor
}

// MethodResults holds what the last alignment computed for a layer.
type MethodResults struct {
	AffineMatrix  *affine.Matrix `json:"affine_matrix,omitempty"`
	CumulativeAFM *affine.Matrix `json:"cumulative_afm,omitempty"`
	SNR           []float64      `json:"snr,omitempty"`
	SNRReport     string         `json:"snr_report,omitempty"`
}

// Empty reports whether no transform has been recorded.
func (r MethodResults) Empty() bool {
	return r.AffineMatrix == nil
}

// AlignMethod groups a layer's alignment controls and results.
type AlignMethod struct {
	SelectedMethod string        `json:"selected_method"`
	MethodOptions  []string      `json:"method_options,omitempty"`
	MethodData     MethodData    `json:"method_data"`
	MethodResults  MethodResults `json:"method_results"`
}

// Layer is one position in an alignment stack.
type Layer struct {
	Skip       bool              `json:"skip"`
	Images     map[Role]ImageRef `json:"images"`
	AlignToRef AlignMethod       `json:"align_to_ref_method"`
	Notes      string            `json:"notes,omitempty"`
}

// NewLayer returns a layer whose base image is filename.
func NewLayer(filename string) Layer {
	l := Layer{
		Images:     map[Role]ImageRef{},
		AlignToRef: AlignMethod{SelectedMethod: "Auto Swim Align"},
	}
	l.SetImage(RoleBase, filename)
	return l
}

// Filename returns the file in a role slot, or "" when the slot is empty.
func (l *Layer) Filename(role Role) string {
	return l.Images[role].Filename
}

// HasImage reports whether the role slot exists.
func (l *Layer) HasImage(role Role) bool {
	_, ok := l.Images[role]
	return ok
}

// SetImage points a role slot at filename, keeping existing metadata.
func (l *Layer) SetImage(role Role, filename string) {
	if l.Images == nil {
		l.Images = map[Role]ImageRef{}
	}
	ref := l.Images[role]
	ref.Filename = filename
	if ref.Metadata.Annotations == nil {
		ref.Metadata.Annotations = []string{}
	}
	if ref.Metadata.MatchPoints == nil {
		ref.Metadata.MatchPoints = [][2]float64{}
	}
	l.Images[role] = ref
}

// ClearImage removes a role slot.
func (l *Layer) ClearImage(role Role) {
	delete(l.Images, role)
}

// Aligned reports whether the layer has a computed transform.
func (l *Layer) Aligned() bool {
	return !l.AlignToRef.MethodResults.Empty()
}

// ScaleMethodData holds scale-wide alignment controls.
type ScaleMethodData struct {
	AlignmentOption AlignmentOption `json:"alignment_option"`
}

// Scale is one pyramid level.
type Scale struct {
	AlignmentStack  []Layer         `json:"alignment_stack"`
	MethodData      ScaleMethodData `json:"method_data"`
	NullCafmTrends  bool            `json:"null_cafm_trends"`
	UseBoundingRect bool            `json:"use_bounding_rect"`
	PolyOrder       int             `json:"poly_order"`
	BoundingRect    *affine.Rect    `json:"bounding_rect,omitempty"`

	// Wall-clock seconds spent by the last alignment and image generation.
	TAlign    float64 `json:"t_align"`
	TGenerate float64 `json:"t_generate"`
}

// Project is the root of the data model. Exactly one project is owned by a
// caller at a time; components take it explicitly.
type Project struct {
	Version         float64
	Scales          map[ScaleKey]*Scale
	CurrentScale    ScaleKey
	CurrentLayer    int
	DestinationPath string
	SourcePath      string
	PanelRoles      []Role
	Method          string
}

// New returns an empty project with a scale_1 level.
func New(destination string) *Project {
	return &Project{
		Version:         Version,
		Scales:          map[ScaleKey]*Scale{ScaleOne: {MethodData: ScaleMethodData{AlignmentOption: InitAffine}}},
		CurrentScale:    ScaleOne,
		DestinationPath: destination,
		PanelRoles:      []Role{RoleRef, RoleBase, RoleAligned},
		Method:          "None",
	}
}

// Scale returns the level for k.
func (p *Project) Scale(k ScaleKey) (*Scale, error) {
	s, ok := p.Scales[k]
	if !ok || s == nil {
		return nil, fmt.Errorf("project has no %s", k)
	}
	return s, nil
}

// NumLayers is the stack length of scale_1.
func (p *Project) NumLayers() int {
	s, ok := p.Scales[ScaleOne]
	if !ok || s == nil {
		return 0
	}
	return len(s.AlignmentStack)
}

// ImagesImported reports whether scale_1 has any base images.
func (p *Project) ImagesImported() bool {
	s, ok := p.Scales[ScaleOne]
	if !ok || s == nil {
		return false
	}
	for i := range s.AlignmentStack {
		if s.AlignmentStack[i].Filename(RoleBase) != "" {
			return true
		}
	}
	return false
}

// AddImages appends one layer per filename to every scale.
func (p *Project) AddImages(filenames []string) {
	for _, s := range p.Scales {
		for _, f := range filenames {
			s.AlignmentStack = append(s.AlignmentStack, NewLayer(f))
		}
	}
}
