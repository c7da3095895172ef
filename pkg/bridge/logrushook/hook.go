// Package logrushook forwards logrus entries to a core.Core
package logrushook

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mbiondo/scLogger/core"
	"github.com/sirupsen/logrus"
)

// Entry fields with these keys set the session and action of the record instead of
// becoming context fields
const (
	SessionKey = "session"
	ActionKey  = "action"
)

// Hook is a logrus.Hook writing every entry through a scope
type Hook struct {
	scope  *core.Scope
	levels []logrus.Level
}

// New creates a hook for c firing on every logrus level
func New(c *core.Core) *Hook {
	return NewWithScope(c.Scope(), logrus.AllLevels)
}

// NewWithScope creates a hook that inherits the attributes of scope and fires on levels
func NewWithScope(scope *core.Scope, levels []logrus.Level) *Hook {
	return &Hook{scope: scope, levels: levels}
}

// Levels implements logrus.Hook
func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *Hook) Fire(entry *logrus.Entry) error {
	level := Level(entry.Level)
	if !h.scope.Core().Enabled(level) && h.scope.Core().State() == core.StateConfigured {
		return nil
	}

	scope := h.scope
	if entry.Caller != nil {
		loc := core.Location{File: filepath.Base(entry.Caller.File), Line: entry.Caller.Line}
		scope = scope.WithLocation(loc)
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]core.Field, 0, len(keys))
	for _, k := range keys {
		v := entry.Data[k]
		switch k {
		case SessionKey:
			scope = scope.WithSession(fmt.Sprint(v))
		case ActionKey:
			scope = scope.WithAction(fmt.Sprint(v))
		case logrus.ErrorKey:
			if err, ok := v.(error); ok {
				fields = append(fields, core.F(k, err.Error()))
				continue
			}
			fields = append(fields, core.Fv(k, v))
		default:
			fields = append(fields, core.Fv(k, v))
		}
	}

	return scope.Log(level, entry.Message, fields...)
}

// Level maps a logrus level to a core level. Panic becomes fatal.
func Level(l logrus.Level) core.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return core.LevelFatal
	case logrus.ErrorLevel:
		return core.LevelError
	case logrus.WarnLevel:
		return core.LevelWarn
	case logrus.InfoLevel:
		return core.LevelInfo
	case logrus.DebugLevel:
		return core.LevelDebug
	default:
		return core.LevelTrace
	}
}

// LogrusLevel maps a core level to the logrus level admitting the same records
func LogrusLevel(l core.Level) logrus.Level {
	switch l {
	case core.LevelFatal:
		return logrus.FatalLevel
	case core.LevelError:
		return logrus.ErrorLevel
	case core.LevelWarn:
		return logrus.WarnLevel
	case core.LevelInfo:
		return logrus.InfoLevel
	case core.LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
