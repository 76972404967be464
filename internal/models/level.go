package models

import (
	"fmt"
	"strings"
)

// Level selects which jobs a controller pass (re)runs. Levels are cumulative.
type Level int

const (
	// LevelNew runs jobs that never completed an attempt.
	LevelNew Level = iota
	// LevelError adds jobs whose last verdict was error.
	LevelError
	// LevelPartial adds jobs whose last verdict was partial-success.
	LevelPartial
	// LevelAll runs every job and rebuilds every kind.
	LevelAll
)

var levelNames = map[Level]string{
	LevelNew:     "new",
	LevelError:   "error",
	LevelPartial: "partial",
	LevelAll:     "all",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a CLI or env spelling onto a Level.
func ParseLevel(s string) (Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == want {
			return l, nil
		}
	}
	return LevelNew, fmt.Errorf("unknown level %q (want new, error, partial or all)", s)
}

// Includes reports whether a job with the given last verdict is selected.
func (l Level) Includes(v Verdict) bool {
	switch v {
	case VerdictUnset, "":
		return true
	case VerdictError:
		return l >= LevelError
	case VerdictPartial:
		return l >= LevelPartial
	default:
		return l >= LevelAll
	}
}

// Verdicts lists the verdicts selected by the level.
func (l Level) Verdicts() []Verdict {
	out := []Verdict{VerdictUnset}
	for _, v := range []Verdict{VerdictError, VerdictPartial, VerdictSuccess} {
		if l.Includes(v) {
			out = append(out, v)
		}
	}
	return out
}

// Resumes reports whether kinds that already settled are left alone.
// Only LevelAll forces a full rebuild.
func (l Level) Resumes() bool {
	return l < LevelAll
}
