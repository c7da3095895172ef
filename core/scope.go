package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID returns a random session identifier
func NewSessionID() string {
	return uuid.New().String()
}

// Scope carries a session id, an action, a location and fields for repeated emission.
// The With* methods return copies; a Scope is safe to share between goroutines.
type Scope struct {
	core    *Core
	session string
	action  string
	loc     Location
	fields  []Field
}

// Core returns the core the scope writes to
func (s *Scope) Core() *Core {
	return s.core
}

// SessionID returns the session id stamped on records, if any
func (s *Scope) SessionID() string {
	return s.session
}

func (s *Scope) clone() *Scope {
	c := *s
	c.fields = append([]Field(nil), s.fields...)
	return &c
}

// WithSession returns a copy stamping records with id
func (s *Scope) WithSession(id string) *Scope {
	c := s.clone()
	c.session = id
	return c
}

// WithAction returns a copy stamping records with action
func (s *Scope) WithAction(action string) *Scope {
	c := s.clone()
	c.action = action
	return c
}

// WithModule returns a copy whose records carry the module tag
func (s *Scope) WithModule(module string) *Scope {
	c := s.clone()
	c.loc.Module = module
	return c
}

// WithLocation returns a copy whose records carry loc
func (s *Scope) WithLocation(loc Location) *Scope {
	c := s.clone()
	c.loc = loc
	return c
}

// With returns a copy with fields appended after the existing ones
func (s *Scope) With(fields ...Field) *Scope {
	c := s.clone()
	c.fields = append(c.fields, fields...)
	return c
}

func (s *Scope) merged(fields []Field) []Field {
	if len(s.fields) == 0 {
		return fields
	}
	if len(fields) == 0 {
		return s.fields
	}
	out := make([]Field, 0, len(s.fields)+len(fields))
	out = append(out, s.fields...)
	return append(out, fields...)
}

// Log emits a record carrying the scope's attributes. See Core.Log.
func (s *Scope) Log(level Level, msg string, fields ...Field) error {
	return s.core.emit(level, s.loc, s.session, s.action, msg, s.merged(fields))
}

// Logf is Log with a fmt.Sprintf message, formatted only when level passes the threshold
func (s *Scope) Logf(level Level, format string, args ...any) error {
	if !s.core.Enabled(level) && s.core.State() == StateConfigured {
		return nil
	}
	return s.core.emit(level, s.loc, s.session, s.action, fmt.Sprintf(format, args...), s.fields)
}

func (s *Scope) Trace(msg string, fields ...Field) {
	s.core.emitAt(LevelTrace, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}

func (s *Scope) Debug(msg string, fields ...Field) {
	s.core.emitAt(LevelDebug, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}

func (s *Scope) Info(msg string, fields ...Field) {
	s.core.emitAt(LevelInfo, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}

func (s *Scope) Warn(msg string, fields ...Field) {
	s.core.emitAt(LevelWarn, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}

func (s *Scope) Error(msg string, fields ...Field) {
	s.core.emitAt(LevelError, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}

func (s *Scope) Fatal(msg string, fields ...Field) {
	s.core.emitAt(LevelFatal, 1, s.loc, s.session, s.action, msg, s.merged(fields))
}
