package slogutil

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// DynamicLeveler is a slog.Leveler whose level can change while loggers
// using it are live.
type DynamicLeveler struct {
	level atomic.Value
}

// NewDynamicLeveler creates a leveler starting at level.
func NewDynamicLeveler(level slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.SetLevel(level)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	if l, ok := dl.level.Load().(slog.Level); ok {
		return l
	}
	return slog.LevelInfo
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}

// UpdateLevel sets the level from its configured name.
func (dl *DynamicLeveler) UpdateLevel(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	dl.SetLevel(l)
	return nil
}
