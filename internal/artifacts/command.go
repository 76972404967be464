// Package artifacts implements the external artifact store behind each kind:
// shell commands, S3 prefixes and local directories.
package artifacts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"pipeline-patcher/internal/models"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

// Command runs the manifest's shell snippets through sh -c. The scope and
// unit are passed as PATCH_* environment variables.
type Command struct {
	Kind    string
	Units   string
	Present string
	Run     string
	Remove  string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// Eligible lists one unit per non-empty stdout line of the units command.
func (c *Command) Eligible(ctx context.Context, scope models.Scope) ([]string, error) {
	if c.Units == "" {
		return nil, fmt.Errorf("%s: no units command", c.Kind)
	}
	out, err := c.exec(ctx, c.Units, scope, "", nil)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// Populated lists present units from the present command. Without one, the
// kind reports nothing present; manifests require it for computed and
// batch-deleted kinds.
func (c *Command) Populated(ctx context.Context, scope models.Scope) ([]string, error) {
	if c.Present == "" {
		return nil, nil
	}
	out, err := c.exec(ctx, c.Present, scope, "", nil)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// Compute runs the compute command for one unit.
func (c *Command) Compute(ctx context.Context, scope models.Scope, unit string) error {
	if c.Run == "" {
		return fmt.Errorf("%s: no compute command", c.Kind)
	}
	_, err := c.exec(ctx, c.Run, scope, unit, nil)
	return err
}

// Delete runs the delete command. PATCH_UNITS is empty for a whole-scope delete.
func (c *Command) Delete(ctx context.Context, scope models.Scope, units []string) error {
	if c.Remove == "" {
		return fmt.Errorf("%s: no delete command", c.Kind)
	}
	_, err := c.exec(ctx, c.Remove, scope, "", units)
	return err
}

func (c *Command) exec(ctx context.Context, script string, scope models.Scope, unit string, units []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(append(os.Environ(), c.Env...), Environ(c.Kind, scope, unit, units)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if c.Logger != nil {
		c.Logger.Debug("running artifact command", "kind", c.Kind, "scope", scope.Key(), "unit", unit)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s command: %w", c.Kind, err)
		}
		return nil, fmt.Errorf("%s command: %w: %s", c.Kind, err, lastLine(msg))
	}
	return stdout.Bytes(), nil
}

// Environ describes a scope to child processes.
func Environ(kind string, scope models.Scope, unit string, units []string) []string {
	env := []string{
		"PATCH_KIND=" + kind,
		"PATCH_SCOPE=" + scope.Key(),
		"PATCH_CATEGORY=" + string(scope.Category),
		"PATCH_SUBJECT=" + scope.Entity.Subject,
		"PATCH_SESSION_START=" + scope.Entity.SessionStart.UTC().Format("2006-01-02T15:04:05Z"),
		"PATCH_DATE=" + scope.Entity.Date().Format("2006-01-02"),
		"PATCH_UNIT=" + unit,
		"PATCH_UNITS=" + strings.Join(units, " "),
	}
	return env
}

func lines(out []byte) []string {
	var units []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			units = append(units, l)
		}
	}
	return units
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
