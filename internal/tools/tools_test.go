package tools

import (
	"errors"
	"testing"

	"emalign/internal/config"
)

func stubManager(present map[string]bool) *Manager {
	m := NewManager(config.Tools{Swim: "/opt/swift/swim", Mir: "mir"})
	m.lookPath = func(bin string) (string, error) {
		if present[bin] {
			return "/usr/bin/" + bin, nil
		}
		return "", errors.New("not found")
	}
	m.probe = func(string) (string, error) { return "Usage: tool", nil }
	return m
}

func TestBinaryUsesConfig(t *testing.T) {
	m := stubManager(nil)
	if m.Binary(Swim) != "/opt/swift/swim" {
		t.Fatalf("expected configured swim path, got %q", m.Binary(Swim))
	}
	if m.Binary(Iscale2) != "iscale2" {
		t.Fatalf("expected default iscale2, got %q", m.Binary(Iscale2))
	}
}

func TestCheckAndAvailable(t *testing.T) {
	m := stubManager(map[string]bool{"mir": true})
	if st := m.Check(Mir); !st.Available || st.Version != "Usage: tool" {
		t.Fatalf("unexpected mir status %+v", st)
	}
	if m.Available(Swim, Mir) {
		t.Fatalf("swim is missing, pair should be unavailable")
	}
	all := m.All()
	if len(all) != 3 || all[Swim].Available {
		t.Fatalf("unexpected status map %+v", all)
	}
}

func TestExtractVersion(t *testing.T) {
	if got := extractVersion("swim\nswim version 2.1\n"); got != "swim version 2.1" {
		t.Fatalf("unexpected version %q", got)
	}
	if got := extractVersion("usage: mir [options]\n"); got != "usage: mir [options]" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
