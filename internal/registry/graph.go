package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"pipeline-patcher/internal/models"
)

// ErrCycle is returned when the dependency graph is not acyclic.
var ErrCycle = errors.New("dependency cycle")

// Graph is the declared dependency graph of the artifact store.
type Graph interface {
	// Kinds lists every artifact name in the graph.
	Kinds() []string
	// ListDescendants returns every artifact reachable downstream of name.
	ListDescendants(name string) ([]string, error)
}

// Ranks assigns each kind its topological rank: roots get 0 and every other
// kind sits one above its highest-ranked ancestor.
func Ranks(g Graph) (map[string]int, error) {
	names := g.Kinds()
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	ancestors := make(map[string][]string, len(names))
	for _, n := range names {
		desc, err := g.ListDescendants(n)
		if err != nil {
			return nil, fmt.Errorf("list descendants of %s: %w", n, err)
		}
		for _, d := range desc {
			if d == n {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, n)
			}
			if !known[d] {
				return nil, fmt.Errorf("%w: %s (descendant of %s)", ErrUnknownKind, d, n)
			}
			ancestors[d] = append(ancestors[d], n)
		}
	}

	ranks := make(map[string]int, len(names))
	visiting := make(map[string]bool, len(names))
	var rankOf func(string) (int, error)
	rankOf = func(n string) (int, error) {
		if r, ok := ranks[n]; ok {
			return r, nil
		}
		if visiting[n] {
			return 0, fmt.Errorf("%w through %s", ErrCycle, n)
		}
		visiting[n] = true
		rank := 0
		for _, a := range ancestors[n] {
			ar, err := rankOf(a)
			if err != nil {
				return 0, err
			}
			if ar+1 > rank {
				rank = ar + 1
			}
		}
		visiting[n] = false
		ranks[n] = rank
		return rank, nil
	}
	for _, n := range names {
		if _, err := rankOf(n); err != nil {
			return nil, err
		}
	}
	return ranks, nil
}

// Declaration describes a kind before its rank is known.
type Declaration struct {
	Name        string
	Category    models.Category
	Label       models.Label
	Parent      string
	DeleteBatch int
	Timeout     time.Duration
	Impl        Deleter
}

// Build ranks the graph and registers every declaration. Each declared name
// must appear in the graph.
func Build(g Graph, decls []Declaration) (*Registry, error) {
	ranks, err := Ranks(g)
	if err != nil {
		return nil, err
	}
	kinds := make([]models.ArtifactKind, 0, len(decls))
	impls := make(map[string]Deleter, len(decls))
	for _, d := range decls {
		rank, ok := ranks[d.Name]
		if !ok {
			return nil, fmt.Errorf("registry: %w: %s is not in the dependency graph", ErrUnknownKind, d.Name)
		}
		if _, dup := impls[d.Name]; dup {
			return nil, fmt.Errorf("registry: %s declared twice", d.Name)
		}
		kinds = append(kinds, models.ArtifactKind{
			Name:        d.Name,
			Rank:        rank,
			Category:    d.Category,
			Label:       d.Label,
			Parent:      d.Parent,
			DeleteBatch: d.DeleteBatch,
			Timeout:     d.Timeout,
		})
		impls[d.Name] = d.Impl
	}
	// Parents must be registered before their parts.
	sort.SliceStable(kinds, func(i, j int) bool { return kinds[i].Rank < kinds[j].Rank })

	r := New()
	for _, k := range kinds {
		if err := r.Register(k, impls[k.Name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
