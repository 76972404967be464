// Package pipeline loads the YAML manifest that declares artifact kinds,
// their dependencies and the storage adapter behind each one.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/registry"
)

// Storage backends a kind can be bound to.
const (
	StorageCommand = "command"
	StorageS3      = "s3"
	StorageLocal   = "local"
)

// Commands are shell snippets run with PATCH_* variables describing the scope.
type Commands struct {
	Units   string `yaml:"units"`
	Present string `yaml:"present"`
	Compute string `yaml:"compute"`
	Delete  string `yaml:"delete"`
}

// S3Spec addresses objects as <prefix>/<scope key>/<unit>/...
type S3Spec struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	EligiblePrefix string `yaml:"eligible_prefix"`
}

// LocalSpec addresses files as <dir>/<scope key>/<unit>/...
type LocalSpec struct {
	Dir         string `yaml:"dir"`
	EligibleDir string `yaml:"eligible_dir"`
}

// KindSpec is one manifest entry.
type KindSpec struct {
	Name        string        `yaml:"name"`
	Category    string        `yaml:"category"`
	Label       string        `yaml:"label"`
	PartOf      string        `yaml:"part_of"`
	DependsOn   []string      `yaml:"depends_on"`
	DeleteBatch int           `yaml:"delete_batch"`
	Timeout     time.Duration `yaml:"timeout"`
	Storage     string        `yaml:"storage"`
	Commands    Commands      `yaml:"commands"`
	S3          S3Spec        `yaml:"s3"`
	Local       LocalSpec     `yaml:"local"`
}

// Manifest is the whole pipeline declaration.
type Manifest struct {
	Version int        `yaml:"version"`
	Kinds   []KindSpec `yaml:"kinds"`

	byName map[string]int
}

// Binder builds the storage adapter of one kind.
type Binder func(spec KindSpec) (registry.Deleter, error)

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest, fills defaults and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Kinds) == 0 {
		return nil, errors.New("manifest declares no kinds")
	}
	m.byName = make(map[string]int, len(m.Kinds))
	for i, k := range m.Kinds {
		if k.Name == "" {
			return nil, fmt.Errorf("kind #%d: name is required", i+1)
		}
		if _, dup := m.byName[k.Name]; dup {
			return nil, fmt.Errorf("kind %s declared twice", k.Name)
		}
		m.byName[k.Name] = i
	}
	for i := range m.Kinds {
		if err := m.normalize(&m.Kinds[i]); err != nil {
			return nil, err
		}
	}
	for _, k := range m.Kinds {
		if err := validate(k); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Manifest) normalize(k *KindSpec) error {
	if k.PartOf != "" {
		pi, ok := m.byName[k.PartOf]
		if !ok {
			return fmt.Errorf("kind %s: part_of %s: %w", k.Name, k.PartOf, registry.ErrUnknownKind)
		}
		parent := m.Kinds[pi]
		if k.Label == "" {
			k.Label = string(models.LabelPart)
		}
		if k.Category == "" {
			k.Category = parent.Category
		}
		if k.Storage == "" {
			k.Storage = parent.Storage
		}
	}
	if k.Category == "" {
		k.Category = string(models.CategoryEntity)
	}
	if k.Label == "" {
		k.Label = string(models.LabelComputed)
		if k.Category == string(models.CategoryVirtual) {
			k.Label = string(models.LabelVirtual)
		}
	}
	if k.Storage == "" {
		k.Storage = StorageCommand
	}
	for _, d := range k.DependsOn {
		if _, ok := m.byName[d]; !ok {
			return fmt.Errorf("kind %s: depends_on %s: %w", k.Name, d, registry.ErrUnknownKind)
		}
	}
	return nil
}

func validate(k KindSpec) error {
	cat, err := models.ParseCategory(k.Category)
	if err != nil {
		return fmt.Errorf("kind %s: %w", k.Name, err)
	}
	label, err := models.ParseLabel(k.Label)
	if err != nil {
		return fmt.Errorf("kind %s: %w", k.Name, err)
	}
	if label == models.LabelPart && k.PartOf == "" {
		return fmt.Errorf("kind %s: part kinds need part_of", k.Name)
	}
	if label != models.LabelPart && k.PartOf != "" {
		return fmt.Errorf("kind %s: part_of is only valid on part kinds", k.Name)
	}
	if (label == models.LabelVirtual) != (cat == models.CategoryVirtual) {
		return fmt.Errorf("kind %s: label %s does not match category %s", k.Name, label, cat)
	}
	computed := label == models.LabelComputed

	switch k.Storage {
	case StorageCommand:
		if k.Commands.Delete == "" {
			return fmt.Errorf("kind %s: commands.delete is required", k.Name)
		}
		if computed && k.Commands.Units == "" {
			return fmt.Errorf("kind %s: commands.units is required for computed kinds", k.Name)
		}
		// Presence drives batched deletion and partial-success classification.
		if (computed || k.DeleteBatch > 0) && k.Commands.Present == "" {
			return fmt.Errorf("kind %s: commands.present is required for computed or batch-deleted kinds", k.Name)
		}
	case StorageS3:
		if k.S3.Prefix == "" {
			return fmt.Errorf("kind %s: s3.prefix is required", k.Name)
		}
		if computed && k.Commands.Units == "" && k.S3.EligiblePrefix == "" {
			return fmt.Errorf("kind %s: computed s3 kinds need commands.units or s3.eligible_prefix", k.Name)
		}
	case StorageLocal:
		if k.Local.Dir == "" {
			return fmt.Errorf("kind %s: local.dir is required", k.Name)
		}
		if computed && k.Commands.Units == "" && k.Local.EligibleDir == "" {
			return fmt.Errorf("kind %s: computed local kinds need commands.units or local.eligible_dir", k.Name)
		}
	default:
		return fmt.Errorf("kind %s: unknown storage %q", k.Name, k.Storage)
	}
	if computed && k.Commands.Compute == "" {
		return fmt.Errorf("kind %s: commands.compute is required for computed kinds", k.Name)
	}
	return nil
}

// Kind returns the declaration of name.
func (m *Manifest) Kind(name string) (KindSpec, bool) {
	i, ok := m.byName[name]
	if !ok {
		return KindSpec{}, false
	}
	return m.Kinds[i], true
}

// Graph returns the downstream dependency graph. A part kind sits directly
// downstream of its parent.
func (m *Manifest) Graph() *Graph {
	g := &Graph{down: map[string][]string{}}
	for _, k := range m.Kinds {
		g.names = append(g.names, k.Name)
		for _, d := range k.DependsOn {
			g.addEdge(d, k.Name)
		}
		if k.PartOf != "" {
			g.addEdge(k.PartOf, k.Name)
		}
	}
	return g
}

// Declarations binds every kind to the adapter bind returns for it.
func (m *Manifest) Declarations(bind Binder) ([]registry.Declaration, error) {
	out := make([]registry.Declaration, 0, len(m.Kinds))
	for _, k := range m.Kinds {
		impl, err := bind(k)
		if err != nil {
			return nil, fmt.Errorf("bind kind %s: %w", k.Name, err)
		}
		out = append(out, registry.Declaration{
			Name:        k.Name,
			Category:    models.Category(k.Category),
			Label:       models.Label(k.Label),
			Parent:      k.PartOf,
			DeleteBatch: k.DeleteBatch,
			Timeout:     k.Timeout,
			Impl:        impl,
		})
	}
	return out, nil
}

// Build ranks the manifest and returns a populated registry.
func (m *Manifest) Build(bind Binder) (*registry.Registry, error) {
	decls, err := m.Declarations(bind)
	if err != nil {
		return nil, err
	}
	return registry.Build(m.Graph(), decls)
}

// Graph is the manifest's dependency graph.
type Graph struct {
	names []string
	down  map[string][]string
}

var _ registry.Graph = (*Graph)(nil)

func (g *Graph) addEdge(from, to string) {
	for _, existing := range g.down[from] {
		if existing == to {
			return
		}
	}
	g.down[from] = append(g.down[from], to)
}

// Kinds lists every kind in manifest order.
func (g *Graph) Kinds() []string {
	return append([]string(nil), g.names...)
}

// ListDescendants walks every kind reachable downstream of name, sorted.
func (g *Graph) ListDescendants(name string) ([]string, error) {
	known := false
	for _, n := range g.names {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownKind, name)
	}
	seen := map[string]bool{}
	queue := append([]string(nil), g.down[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		if n == name {
			// A cycle back to the start; Ranks reports it.
			continue
		}
		queue = append(queue, g.down[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
