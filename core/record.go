package core

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Field is a single key/value context pair attached to a record
type Field struct {
	Key   string
	Value string
}

// F builds a Field
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Fv builds a Field from any value using its default formatting
func Fv(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Location identifies where a record was emitted: a source position, a module tag, or both
type Location struct {
	File   string
	Line   int
	Module string
}

// Here returns the location of its caller
func Here() Location {
	return Caller(1)
}

// Caller returns the location skip frames above its caller
func Caller(skip int) Location {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{}
	}
	return Location{File: filepath.Base(file), Line: line}
}

// Module returns a location carrying only a module tag
func Module(name string) Location {
	return Location{Module: name}
}

// IsZero reports whether the location carries no information
func (l Location) IsZero() bool {
	return l.File == "" && l.Module == ""
}

func (l Location) String() string {
	pos := ""
	if l.File != "" {
		pos = l.File + ":" + strconv.Itoa(l.Line)
	}
	switch {
	case l.Module != "" && pos != "":
		return l.Module + "@" + pos
	case l.Module != "":
		return l.Module
	default:
		return pos
	}
}

// Record is a single log entry. Sinks receive it read-only and must not keep it after Write returns.
type Record struct {
	Level     Level
	Time      time.Time
	Location  Location
	Message   string
	Fields    []Field
	SessionID string
	Action    string
	PID       int
	ParentPID int
}

// Field returns the value of the first field named key
func (r *Record) Field(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}
