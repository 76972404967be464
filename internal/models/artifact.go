package models

import (
	"fmt"
	"strings"
	"time"
)

// Category decides which scope key a kind is invalidated under.
type Category string

const (
	CategoryVirtual Category = "virtual"
	CategoryEntity  Category = "entity"
	CategoryDate    Category = "date"
)

// ParseCategory accepts the manifest spelling of a category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryVirtual, CategoryEntity, CategoryDate:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Label decides whether a kind is recomputed by the patcher.
type Label string

const (
	// LabelComputed kinds are deleted and recomputed.
	LabelComputed Label = "computed"
	// LabelPart kinds are produced by their parent's computation.
	LabelPart Label = "part"
	// LabelVirtual kinds belong to an external pipeline and are only deleted.
	LabelVirtual Label = "virtual"
)

// ParseLabel accepts the manifest spelling of a label.
func ParseLabel(s string) (Label, error) {
	switch l := Label(strings.ToLower(strings.TrimSpace(s))); l {
	case LabelComputed, LabelPart, LabelVirtual:
		return l, nil
	default:
		return "", fmt.Errorf("unknown label %q", s)
	}
}

// ArtifactKind is one derived-table type.
type ArtifactKind struct {
	Name        string        `json:"name"`
	Rank        int           `json:"rank"`
	Category    Category      `json:"category"`
	Label       Label         `json:"label"`
	Parent      string        `json:"parent,omitempty"`
	DeleteBatch int           `json:"delete_batch,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Validate checks the label/category/parent combination.
func (k ArtifactKind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("artifact kind: name is required")
	}
	if k.Rank < 0 {
		return fmt.Errorf("artifact kind %s: negative rank %d", k.Name, k.Rank)
	}
	if _, err := ParseCategory(string(k.Category)); err != nil {
		return fmt.Errorf("artifact kind %s: %w", k.Name, err)
	}
	if _, err := ParseLabel(string(k.Label)); err != nil {
		return fmt.Errorf("artifact kind %s: %w", k.Name, err)
	}
	if (k.Label == LabelVirtual) != (k.Category == CategoryVirtual) {
		return fmt.Errorf("artifact kind %s: label %s does not match category %s", k.Name, k.Label, k.Category)
	}
	if k.Label == LabelPart && k.Parent == "" {
		return fmt.Errorf("artifact kind %s: part kinds need a parent", k.Name)
	}
	if k.Label != LabelPart && k.Parent != "" {
		return fmt.Errorf("artifact kind %s: only part kinds have a parent", k.Name)
	}
	if k.DeleteBatch < 0 {
		return fmt.Errorf("artifact kind %s: negative delete batch", k.Name)
	}
	return nil
}

// Targeted reports whether the kind counts towards a job verdict.
func (k ArtifactKind) Targeted() bool {
	return k.Label != LabelVirtual
}

// Scope is the identity over which delete and compute operate for one kind.
type Scope struct {
	Category Category
	Entity   EntityKey
	Date     time.Time
}

// ScopeFor derives the scope of a kind for an entity.
func ScopeFor(c Category, entity EntityKey) Scope {
	s := Scope{Category: c, Entity: entity}
	if c == CategoryDate {
		s.Date = entity.Date()
	}
	return s
}

// Key is stable and path-safe; adapters use it to address stored data.
// Every key starts with the subject so scopes of different subjects never
// overlap.
func (s Scope) Key() string {
	prefix := "subject=" + s.Entity.Subject
	if s.Category == CategoryDate {
		return prefix + "/date=" + s.Date.Format("2006-01-02")
	}
	return prefix + "/session=" + s.Entity.SessionStart.UTC().Format("20060102T150405")
}

func (s Scope) String() string {
	return s.Key()
}

// Failure is one sub-unit that could not be computed.
type Failure struct {
	SubUnit string `json:"subunit_id"`
	Message string `json:"message"`
}

func (f Failure) String() string {
	return f.SubUnit + ": " + f.Message
}
