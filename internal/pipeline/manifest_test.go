package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/registry"
)

const sample = `
version: 1
kinds:
  - name: raw_ephys
    category: virtual
    storage: s3
    s3:
      prefix: raw/ephys
  - name: spike_sorting
    depends_on: [raw_ephys]
    timeout: 90m
    commands:
      units: ls "$PATCH_SCOPE_DIR"
      present: ls "$PATCH_OUT_DIR"
      compute: sort-spikes "$PATCH_UNIT"
      delete: rm -rf "$PATCH_SCOPE_DIR"
  - name: spike_units
    part_of: spike_sorting
    commands:
      delete: echo parts go with the parent
  - name: daily_summary
    category: date
    depends_on: [spike_sorting, spike_units]
    delete_batch: 50
    commands:
      units: echo all
      present: list-summaries
      compute: summarize
      delete: drop-summary
`

type stub struct{}

func (stub) Populated(context.Context, models.Scope) ([]string, error) { return nil, nil }
func (stub) Delete(context.Context, models.Scope, []string) error      { return nil }
func (stub) Eligible(context.Context, models.Scope) ([]string, error)  { return nil, nil }
func (stub) Compute(context.Context, models.Scope, string) error       { return nil }

func bindStub(KindSpec) (registry.Deleter, error) { return stub{}, nil }

func TestParseFillsDefaults(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	raw, ok := m.Kind("raw_ephys")
	require.True(t, ok)
	assert.Equal(t, "virtual", raw.Label)

	sorting, _ := m.Kind("spike_sorting")
	assert.Equal(t, "entity", sorting.Category)
	assert.Equal(t, "computed", sorting.Label)
	assert.Equal(t, StorageCommand, sorting.Storage)
	assert.Equal(t, 90*time.Minute, sorting.Timeout)

	units, _ := m.Kind("spike_units")
	assert.Equal(t, "part", units.Label)
	assert.Equal(t, "entity", units.Category)
}

func TestGraphDescendants(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	g := m.Graph()

	desc, err := g.ListDescendants("raw_ephys")
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_summary", "spike_sorting", "spike_units"}, desc)

	desc, err = g.ListDescendants("daily_summary")
	require.NoError(t, err)
	assert.Empty(t, desc)

	_, err = g.ListDescendants("nope")
	assert.True(t, errors.Is(err, registry.ErrUnknownKind))
}

func TestBuildRanksManifest(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	reg, err := m.Build(bindStub)
	require.NoError(t, err)

	ranks := map[string]int{}
	for _, k := range reg.Catalog() {
		ranks[k.Name] = k.Rank
	}
	assert.Equal(t, map[string]int{"raw_ephys": 0, "spike_sorting": 1, "spike_units": 2, "daily_summary": 3}, ranks)

	e, err := reg.Get("daily_summary")
	require.NoError(t, err)
	assert.Equal(t, 50, e.Kind.DeleteBatch)
	assert.Equal(t, models.CategoryDate, e.Kind.Category)
	assert.Len(t, reg.ChildrenOf("spike_sorting"), 1)
}

func TestBuildRejectsCycles(t *testing.T) {
	m, err := Parse([]byte(`
kinds:
  - name: a
    depends_on: [b]
    commands: {units: x, present: x, compute: x, delete: x}
  - name: b
    depends_on: [a]
    commands: {units: x, present: x, compute: x, delete: x}
`))
	require.NoError(t, err)
	_, err = m.Build(bindStub)
	assert.True(t, errors.Is(err, registry.ErrCycle))
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	cases := map[string]string{
		"empty":          `kinds: []`,
		"unknown dep":    "kinds:\n  - name: a\n    depends_on: [x]\n    commands: {units: x, compute: x, delete: x}\n",
		"duplicate":      "kinds:\n  - name: a\n    commands: {units: x, compute: x, delete: x}\n  - name: a\n    commands: {units: x, compute: x, delete: x}\n",
		"no compute":     "kinds:\n  - name: a\n    commands: {units: x, delete: x}\n",
		"no delete":      "kinds:\n  - name: a\n    commands: {units: x, compute: x}\n",
		"bad storage":    "kinds:\n  - name: a\n    storage: tape\n    commands: {units: x, compute: x, delete: x}\n",
		"label mismatch": "kinds:\n  - name: a\n    category: virtual\n    label: computed\n    commands: {units: x, compute: x, delete: x}\n",
		"s3 no prefix":   "kinds:\n  - name: a\n    category: virtual\n    storage: s3\n",
		"no present":     "kinds:\n  - name: a\n    commands: {units: x, compute: x, delete: x}\n",
		"batch no list":  "kinds:\n  - name: a\n    category: virtual\n    delete_batch: 2\n    commands: {delete: x}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Kinds, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
