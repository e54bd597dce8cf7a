package linker

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"emalign/internal/project"
)

func stackOf(n int) []project.Layer {
	stack := make([]project.Layer, n)
	for i := range stack {
		stack[i] = project.NewLayer(fmt.Sprintf("/src/%02d.tif", i))
	}
	return stack
}

func refs(stack []project.Layer) []string {
	out := make([]string, len(stack))
	for i := range stack {
		out[i] = stack[i].Filename(project.RoleRef)
	}
	return out
}

func TestLinkStack(t *testing.T) {
	tests := []struct {
		name string
		n    int
		skip []int
		want []string
	}{
		{"no skips", 3, nil, []string{"", "/src/00.tif", "/src/01.tif"}},
		{"skip middle", 4, []int{1}, []string{"", "", "/src/00.tif", "/src/02.tif"}},
		{"skip first", 3, []int{0}, []string{"", "", "/src/01.tif"}},
		{"skip leading run", 4, []int{0, 1}, []string{"", "", "", "/src/02.tif"}},
		{"all skipped", 2, []int{0, 1}, []string{"", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := stackOf(tt.n)
			for _, i := range tt.skip {
				stack[i].Skip = true
			}
			LinkStack(stack)
			if got := refs(stack); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLinkStackProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		stack := stackOf(1 + rng.Intn(12))
		for i := range stack {
			stack[i].Skip = rng.Intn(3) == 0
		}
		// stale refs must be overwritten
		stack[len(stack)-1].SetImage(project.RoleRef, "/stale.tif")

		LinkStack(stack)
		first := refs(stack)
		LinkStack(stack)
		if !reflect.DeepEqual(first, refs(stack)) {
			t.Fatalf("linking is not idempotent")
		}

		if first[0] != "" {
			t.Fatalf("layer 0 has ref %q", first[0])
		}
		for i := range stack {
			if stack[i].Skip && first[i] != "" {
				t.Fatalf("skipped layer %d has ref %q", i, first[i])
			}
			if stack[i].Skip || i == 0 {
				continue
			}
			want := ""
			for j := i - 1; j >= 0; j-- {
				if !stack[j].Skip {
					want = stack[j].Filename(project.RoleBase)
					break
				}
			}
			if first[i] != want {
				t.Fatalf("layer %d: expected %q, got %q", i, want, first[i])
			}
		}
	}
}

func TestToggleSkipPropagates(t *testing.T) {
	p := project.New(t.TempDir())
	p.AddImages([]string{"/src/00.tif", "/src/01.tif", "/src/02.tif"})
	if err := p.SetScales([]int{1, 2}); err != nil {
		t.Fatal(err)
	}
	LinkAll(p)

	if err := ToggleSkip(p, project.ScaleOne, 1, true); err != nil {
		t.Fatal(err)
	}
	for _, k := range []project.ScaleKey{1, 2} {
		stack := p.Scales[k].AlignmentStack
		if !stack[1].Skip {
			t.Fatalf("%s: skip not propagated", k)
		}
		if got := stack[2].Filename(project.RoleRef); got != "/src/00.tif" {
			t.Fatalf("%s: layer 2 should reference layer 0, got %q", k, got)
		}
	}
}
