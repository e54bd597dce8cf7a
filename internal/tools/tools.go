// Package tools locates the external SWiFT-IR programs.
package tools

import (
	"os/exec"
	"sort"
	"strings"

	"emalign/internal/config"
)

// Logical tool names.
const (
	Swim    = "swim"
	Mir     = "mir"
	Iscale2 = "iscale2"
)

// Status represents the availability of a tool.
type Status struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Manager resolves logical tool names to binaries from the config.
type Manager struct {
	cfg      config.Tools
	lookPath func(string) (string, error)
	probe    func(path string) (string, error)
}

// NewManager creates a tool manager with configuration.
func NewManager(cfg config.Tools) *Manager {
	return &Manager{cfg: cfg, lookPath: exec.LookPath, probe: probeVersion}
}

// Binary returns the configured binary for a logical name.
func (m *Manager) Binary(tool string) string {
	var bin string
	switch tool {
	case Swim:
		bin = m.cfg.Swim
	case Mir:
		bin = m.cfg.Mir
	case Iscale2:
		bin = m.cfg.Iscale2
	}
	if bin == "" {
		bin = tool
	}
	return bin
}

// Check verifies that a tool is on PATH. The SWiFT-IR tools print their
// usage when run bare, so the first usage line stands in for a version.
func (m *Manager) Check(tool string) Status {
	path, err := m.lookPath(m.Binary(tool))
	if err != nil {
		return Status{Available: false, Error: err}
	}
	version, _ := m.probe(path)
	return Status{Available: true, Path: path, Version: version}
}

// Available reports whether every named tool is present.
func (m *Manager) Available(tools ...string) bool {
	for _, t := range tools {
		if !m.Check(t).Available {
			return false
		}
	}
	return true
}

// All checks every known tool.
func (m *Manager) All() map[string]Status {
	out := make(map[string]Status)
	for _, t := range Names() {
		out[t] = m.Check(t)
	}
	return out
}

// Names lists the known tools in display order.
func Names() []string {
	names := []string{Swim, Mir, Iscale2}
	sort.Strings(names)
	return names
}

func probeVersion(path string) (string, error) {
	output, err := exec.Command(path).CombinedOutput()
	if len(output) == 0 {
		return "", err
	}
	return extractVersion(string(output)), nil
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
