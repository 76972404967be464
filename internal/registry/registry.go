// Package registry holds the typed catalog of artifact kinds the patcher
// invalidates and rebuilds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pipeline-patcher/internal/models"
)

// ErrUnknownKind is returned for names that were never registered.
var ErrUnknownKind = errors.New("unknown artifact kind")

// Deleter is the part of the external store every kind needs.
type Deleter interface {
	// Populated lists sub-units that currently hold data for scope.
	Populated(ctx context.Context, scope models.Scope) ([]string, error)
	// Delete removes data for scope, or only the given sub-units when units is
	// non-empty. Deleting an empty scope is not an error.
	Delete(ctx context.Context, scope models.Scope, units []string) error
}

// Artifact is the external implementation of a computed kind.
type Artifact interface {
	Deleter
	// Eligible lists sub-units upstream data can drive for scope.
	Eligible(ctx context.Context, scope models.Scope) ([]string, error)
	// Compute populates one sub-unit. It must leave no data behind on failure.
	Compute(ctx context.Context, scope models.Scope, unit string) error
}

// Entry binds a kind to its behaviour.
type Entry struct {
	Kind models.ArtifactKind
	Impl Deleter
}

// Artifact returns the computing implementation, if the kind has one.
func (e Entry) Artifact() (Artifact, bool) {
	a, ok := e.Impl.(Artifact)
	return a, ok
}

// Registry maintains known artifact kinds.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Register inserts or updates a kind. Entries are never removed.
func (r *Registry) Register(kind models.ArtifactKind, impl Deleter) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("registry: implementation is required for %s", kind.Name)
	}
	if kind.Label == models.LabelComputed {
		if _, ok := impl.(Artifact); !ok {
			return fmt.Errorf("registry: computed kind %s needs an implementation that can compute", kind.Name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind.Label == models.LabelPart {
		parent, ok := r.entries[kind.Parent]
		if !ok {
			return fmt.Errorf("registry: parent %s of %s: %w", kind.Parent, kind.Name, ErrUnknownKind)
		}
		if parent.Kind.Label != models.LabelComputed {
			return fmt.Errorf("registry: parent %s of %s is not a computed kind", kind.Parent, kind.Name)
		}
		if kind.Rank <= parent.Kind.Rank {
			return fmt.Errorf("registry: part %s must rank below its parent %s", kind.Name, kind.Parent)
		}
	}
	r.entries[kind.Name] = Entry{Kind: kind, Impl: impl}
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind models.ArtifactKind, impl Deleter) {
	if err := r.Register(kind, impl); err != nil {
		panic(err)
	}
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return e, nil
}

// ListByCategory returns kinds of one category ordered by rank, then name.
func (r *Registry) ListByCategory(c models.Category, descending bool) []Entry {
	return r.list(func(k models.ArtifactKind) bool { return k.Category == c }, descending)
}

// Targets returns every non-virtual kind in ascending rank order.
func (r *Registry) Targets() []Entry {
	return r.list(models.ArtifactKind.Targeted, false)
}

// Virtual returns the externally owned kinds, most downstream first.
func (r *Registry) Virtual() []Entry {
	return r.list(func(k models.ArtifactKind) bool { return !k.Targeted() }, true)
}

// ChildrenOf returns the part kinds owned by parent.
func (r *Registry) ChildrenOf(parent string) []Entry {
	return r.list(func(k models.ArtifactKind) bool {
		return k.Label == models.LabelPart && k.Parent == parent
	}, false)
}

// Catalog returns every kind ascending, for persistence and reporting.
func (r *Registry) Catalog() []models.ArtifactKind {
	entries := r.list(func(models.ArtifactKind) bool { return true }, false)
	out := make([]models.ArtifactKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// Len is the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) list(keep func(models.ArtifactKind) bool, descending bool) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.Kind) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Kind, out[j].Kind
		if a.Rank != b.Rank {
			if descending {
				return a.Rank > b.Rank
			}
			return a.Rank < b.Rank
		}
		if descending {
			return a.Name > b.Name
		}
		return a.Name < b.Name
	})
	return out
}
