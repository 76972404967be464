package registry

import (
	"context"
	"errors"
	"testing"

	"pipeline-patcher/internal/models"
)

// edges maps a kind to its direct downstream kinds.
type edges map[string][]string

func (e edges) Kinds() []string {
	seen := map[string]bool{}
	var out []string
	for k, ds := range e {
		for _, n := range append([]string{k}, ds...) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

func (e edges) ListDescendants(name string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	stack := append([]string(nil), e[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if n == name {
			continue
		}
		stack = append(stack, e[n]...)
	}
	return out, nil
}

type nopArtifact struct{}

func (nopArtifact) Populated(context.Context, models.Scope) ([]string, error) { return nil, nil }
func (nopArtifact) Delete(context.Context, models.Scope, []string) error      { return nil }
func (nopArtifact) Eligible(context.Context, models.Scope) ([]string, error)  { return nil, nil }
func (nopArtifact) Compute(context.Context, models.Scope, string) error       { return nil }

type nopDeleter struct{}

func (nopDeleter) Populated(context.Context, models.Scope) ([]string, error) { return nil, nil }
func (nopDeleter) Delete(context.Context, models.Scope, []string) error      { return nil }

func TestRanksUseLongestPath(t *testing.T) {
	g := edges{
		"raw":      {"probe", "clusters"},
		"probe":    {"clusters"},
		"clusters": {"metrics"},
	}
	ranks, err := Ranks(g)
	if err != nil {
		t.Fatalf("ranks: %v", err)
	}
	want := map[string]int{"raw": 0, "probe": 1, "clusters": 2, "metrics": 3}
	for k, r := range want {
		if ranks[k] != r {
			t.Fatalf("rank of %s: got %d want %d", k, ranks[k], r)
		}
	}
}

func TestRanksRejectCycles(t *testing.T) {
	g := edges{"a": {"b"}, "b": {"c"}, "c": {"a"}}
	if _, err := Ranks(g); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildOrdersAndChildren(t *testing.T) {
	g := edges{
		"ephys.Probe":        {"ephys.Cluster"},
		"ephys.Cluster":      {"ephys.Cluster.Metrics", "public.Browser"},
		"ephys.DailySummary": nil,
	}
	reg, err := Build(g, []Declaration{
		{Name: "ephys.Cluster.Metrics", Category: models.CategoryEntity, Label: models.LabelPart, Parent: "ephys.Cluster", Impl: nopDeleter{}},
		{Name: "ephys.Probe", Category: models.CategoryEntity, Label: models.LabelComputed, Impl: nopArtifact{}},
		{Name: "ephys.Cluster", Category: models.CategoryEntity, Label: models.LabelComputed, Impl: nopArtifact{}},
		{Name: "ephys.DailySummary", Category: models.CategoryDate, Label: models.LabelComputed, Impl: nopArtifact{}},
		{Name: "public.Browser", Category: models.CategoryVirtual, Label: models.LabelVirtual, Impl: nopDeleter{}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var got []string
	for _, e := range reg.Targets() {
		got = append(got, e.Kind.Name)
	}
	want := []string{"ephys.DailySummary", "ephys.Probe", "ephys.Cluster", "ephys.Cluster.Metrics"}
	if len(got) != len(want) {
		t.Fatalf("targets: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("targets order: got %v want %v", got, want)
		}
	}

	desc := reg.ListByCategory(models.CategoryEntity, true)
	for i := 1; i < len(desc); i++ {
		if desc[i].Kind.Rank > desc[i-1].Kind.Rank {
			t.Fatalf("descending listing out of order: %v", desc)
		}
	}

	children := reg.ChildrenOf("ephys.Cluster")
	if len(children) != 1 || children[0].Kind.Name != "ephys.Cluster.Metrics" {
		t.Fatalf("children: %+v", children)
	}
	if v := reg.Virtual(); len(v) != 1 || v[0].Kind.Name != "public.Browser" {
		t.Fatalf("virtual: %+v", v)
	}
}

func TestRegisterValidates(t *testing.T) {
	reg := New()
	err := reg.Register(models.ArtifactKind{Name: "a", Category: models.CategoryEntity, Label: models.LabelComputed}, nopDeleter{})
	if err == nil {
		t.Fatalf("computed kind without compute should be rejected")
	}
	err = reg.Register(models.ArtifactKind{Name: "p", Rank: 1, Category: models.CategoryEntity, Label: models.LabelPart, Parent: "missing"}, nopDeleter{})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("part with unknown parent: got %v", err)
	}
	if _, err := reg.Get("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("get unknown: %v", err)
	}
}

func TestReRegisterUpdatesInPlace(t *testing.T) {
	reg := New()
	reg.MustRegister(models.ArtifactKind{Name: "a", Rank: 1, Category: models.CategoryEntity, Label: models.LabelComputed}, nopArtifact{})
	reg.MustRegister(models.ArtifactKind{Name: "a", Rank: 4, Category: models.CategoryEntity, Label: models.LabelComputed}, nopArtifact{})
	e, err := reg.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind.Rank != 4 || reg.Len() != 1 {
		t.Fatalf("re-registration should update the single entry: %+v len=%d", e.Kind, reg.Len())
	}
}
