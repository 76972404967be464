package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
kinds:
  - name: raw
    category: virtual
    commands:
      delete: "true"
  - name: sorted
    depends_on: [raw]
    commands:
      units: printf 'p0\np1\n'
      present: ls "$OUT/$PATCH_SUBJECT" 2>/dev/null || true
      compute: mkdir -p "$OUT/$PATCH_SUBJECT/$PATCH_UNIT"
      delete: rm -rf "$OUT/$PATCH_SUBJECT"
`

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, err, out.String())
	return out.String()
}

func TestRegisterRunAndReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("BADGER_PATH", filepath.Join(dir, "db"))
	t.Setenv("PIPELINE_MANIFEST", path)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("OUT", filepath.Join(dir, "out"))

	out := execute(t, "register", "mouse-1", "--session", "2026-03-02T10:30:00Z", "--date", "2026-03-04", "--lab", "cortex")
	require.True(t, strings.HasPrefix(out, "registered "), out)
	id := strings.TrimSpace(strings.TrimPrefix(out, "registered "))

	out = execute(t, "register", "mouse-1", "--session", "2026-03-02T10:30:00Z", "--date", "2026-03-04")
	assert.Equal(t, "already registered "+id+"\n", out)

	out = execute(t, "run", "--level", "new")
	assert.Contains(t, out, "selected 1 job(s)")
	assert.Contains(t, out, "success")
	assert.DirExists(t, filepath.Join(dir, "out", "mouse-1", "p1"))

	out = execute(t, "status", id)
	assert.Contains(t, out, "Verdict:  success (attempt 1)")
	assert.Regexp(t, `sorted\s+success`, out)
	assert.Regexp(t, `raw\s+deleted`, out)

	out = execute(t, "jobs", "--verdict", "success")
	assert.Contains(t, out, id)

	out = execute(t, "run", "--level", "new")
	assert.Contains(t, out, "selected 0 job(s)")

	out = execute(t, "kinds")
	assert.Regexp(t, `0\s+raw\s+virtual`, out)
	assert.Regexp(t, `1\s+sorted\s+entity\s+computed`, out)
}
