// Package logrsink implements a logr.LogSink over a core.Scope, so libraries
// taking a logr.Logger write through the self-check core
package logrsink

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/mbiondo/scLogger/core"
)

// ErrorKey is the field carrying the error passed to Logger.Error
const ErrorKey = "error"

const noValue = "<no-value>"

// Sink adapts a core.Scope to logr. Logger names become the module tag, joined with '/'.
type Sink struct {
	scope *core.Scope
	name  string
}

var _ logr.LogSink = (*Sink)(nil)

// New returns a logr.Logger writing to c
func New(c *core.Core) logr.Logger {
	return logr.New(&Sink{scope: c.Scope()})
}

// NewFromScope returns a logr.Logger inheriting the attributes of scope
func NewFromScope(scope *core.Scope) logr.Logger {
	return logr.New(&Sink{scope: scope})
}

// Level maps a logr verbosity to a core level: V(0) is info, V(1) debug, anything higher trace
func Level(v int) core.Level {
	switch {
	case v <= 0:
		return core.LevelInfo
	case v == 1:
		return core.LevelDebug
	default:
		return core.LevelTrace
	}
}

// Init implements logr.LogSink
func (s *Sink) Init(logr.RuntimeInfo) {}

// Enabled implements logr.LogSink
func (s *Sink) Enabled(level int) bool {
	return s.scope.Core().Enabled(Level(level))
}

// Info implements logr.LogSink
func (s *Sink) Info(level int, msg string, keysAndValues ...any) {
	_ = s.scope.Log(Level(level), msg, toFields(keysAndValues)...)
}

// Error implements logr.LogSink. A nil err adds no field.
func (s *Sink) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues)
	if err != nil {
		fields = append([]core.Field{core.F(ErrorKey, err.Error())}, fields...)
	}
	_ = s.scope.Log(core.LevelError, msg, fields...)
}

// WithValues implements logr.LogSink
func (s *Sink) WithValues(keysAndValues ...any) logr.LogSink {
	return &Sink{scope: s.scope.With(toFields(keysAndValues)...), name: s.name}
}

// WithName implements logr.LogSink
func (s *Sink) WithName(name string) logr.LogSink {
	if s.name != "" {
		name = s.name + "/" + name
	}
	return &Sink{scope: s.scope.WithModule(name), name: name}
}

// toFields pairs up keys and values. A trailing key gets "<no-value>".
func toFields(kv []any) []core.Field {
	if len(kv) == 0 {
		return nil
	}
	fields := make([]core.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			fields = append(fields, core.F(key, noValue))
			break
		}
		switch v := kv[i+1].(type) {
		case string:
			fields = append(fields, core.F(key, v))
		case error:
			fields = append(fields, core.F(key, v.Error()))
		case fmt.Stringer:
			fields = append(fields, core.F(key, v.String()))
		default:
			fields = append(fields, core.Fv(key, v))
		}
	}
	return fields
}
