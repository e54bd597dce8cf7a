package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type fileData struct {
	SourcePath      string              `json:"source_path"`
	DestinationPath string              `json:"destination_path"`
	CurrentLayer    int                 `json:"current_layer"`
	CurrentScale    ScaleKey            `json:"current_scale"`
	PanelRoles      []Role              `json:"panel_roles"`
	Scales          map[ScaleKey]*Scale `json:"scales"`
}

type fileFormat struct {
	Version float64  `json:"version"`
	Created string   `json:"created,omitempty"`
	Method  string   `json:"method"`
	Data    fileData `json:"data"`
}

// Load reads a project file. Relative paths inside it are resolved against
// the file's directory, then missing controls are back-filled with d.
func Load(path string, d Defaults) (*Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	p := &Project{
		Version:         f.Version,
		Scales:          f.Data.Scales,
		CurrentScale:    f.Data.CurrentScale,
		CurrentLayer:    f.Data.CurrentLayer,
		DestinationPath: f.Data.DestinationPath,
		SourcePath:      f.Data.SourcePath,
		PanelRoles:      f.Data.PanelRoles,
		Method:          f.Method,
	}
	if p.CurrentScale == 0 {
		p.CurrentScale = ScaleOne
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	p.rewritePaths(func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(base, s)
	})
	p.EnsureDefaults(d)
	return p, nil
}

// Save writes the project to path with file paths relative to the
// project file's directory. The write goes through a temp file and a
// rename so readers never see a partial document.
func (p *Project) Save(path string) error {
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}
	out := p.Clone()
	out.rewritePaths(func(s string) string {
		if s == "" || !filepath.IsAbs(s) {
			return s
		}
		rel, err := filepath.Rel(base, s)
		if err != nil {
			return s
		}
		return rel
	})
	f := fileFormat{
		Version: p.Version,
		Created: time.Now().Format(time.RFC3339),
		Method:  p.Method,
		Data: fileData{
			SourcePath:      out.SourcePath,
			DestinationPath: out.DestinationPath,
			CurrentLayer:    out.CurrentLayer,
			CurrentScale:    out.CurrentScale,
			PanelRoles:      out.PanelRoles,
			Scales:          out.Scales,
		},
	}
	if f.Version == 0 {
		f.Version = Version
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Project) rewritePaths(fn func(string) string) {
	p.DestinationPath = fn(p.DestinationPath)
	p.SourcePath = fn(p.SourcePath)
	for _, s := range p.Scales {
		for i := range s.AlignmentStack {
			l := &s.AlignmentStack[i]
			for role, ref := range l.Images {
				ref.Filename = fn(ref.Filename)
				l.Images[role] = ref
			}
		}
	}
}
