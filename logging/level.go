// Package logging configures log/slog for bpfmap. Verbosity is set by
// a spec string naming a base level and optional per-component
// overrides, such as "warn,table=debug".
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level extends slog's levels with trace. Debug through error have the
// same values as their slog counterparts.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

var levelNames = []struct {
	level Level
	names []string
}{
	{LevelTrace, []string{"trace"}},
	{LevelDebug, []string{"debug"}},
	{LevelInfo, []string{"info"}},
	{LevelWarn, []string{"warn", "warning"}},
	{LevelError, []string{"error", "err"}},
}

// ParseLevel parses a level name, ignoring case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range levelNames {
		for _, name := range l.names {
			if s == name {
				return l.level, nil
			}
		}
	}
	return LevelWarn, fmt.Errorf("unknown log level: %q", s)
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	for _, n := range levelNames {
		if n.level == l {
			return n.names[0]
		}
	}
	return fmt.Sprintf("Level(%d)", int(l))
}
