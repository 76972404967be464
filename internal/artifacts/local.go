package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"pipeline-patcher/internal/models"
)

// Local stores a kind's data as directories under <dir>/<scope key>/<unit>.
type Local struct {
	dir         string
	eligibleDir string
}

// NewLocal binds a kind to a directory tree.
func NewLocal(dir, eligibleDir string) *Local {
	return &Local{dir: dir, eligibleDir: eligibleDir}
}

func (l *Local) scopeDir(base string, scopeKey string) string {
	return filepath.Join(base, filepath.FromSlash(scopeKey))
}

// Populated lists unit directories present for scope.
func (l *Local) Populated(_ context.Context, scope models.Scope) ([]string, error) {
	return listDirs(l.scopeDir(l.dir, scope.Key()))
}

// Eligible lists unit directories under the eligible tree.
func (l *Local) Eligible(_ context.Context, scope models.Scope) ([]string, error) {
	if l.eligibleDir == "" {
		return nil, fmt.Errorf("local %s: no eligible dir", l.dir)
	}
	return listDirs(l.scopeDir(l.eligibleDir, scope.Key()))
}

// Delete removes the scope directory, or only the named unit directories.
func (l *Local) Delete(_ context.Context, scope models.Scope, units []string) error {
	base := l.scopeDir(l.dir, scope.Key())
	if len(units) == 0 {
		if err := os.RemoveAll(base); err != nil {
			return fmt.Errorf("remove %s: %w", base, err)
		}
		return nil
	}
	for _, u := range units {
		p := filepath.Join(base, u)
		if filepath.Dir(p) != filepath.Clean(base) {
			return fmt.Errorf("unit %q escapes %s", u, base)
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
