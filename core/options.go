package core

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Options configures a Core. Configure replaces the whole set at once.
type Options struct {
	// Level is the threshold: records below it are never formatted or dispatched
	Level Level
	// Sinks are written in order. Names default to "sink-N".
	Sinks []NamedSink
	// Format is a template, FormatPipe or FormatJSON. Empty means DefaultFormat.
	Format string
	// TimeFormat is a Go time layout. Empty means DefaultTimeFormat.
	TimeFormat string
	// Align turns on fixed-width columns for FormatPipe
	Align *AlignInfo
	// ParentPID is reported in every record. Zero means os.Getppid().
	ParentPID int
	// AddCaller fills the location of records logged through the level helpers
	AddCaller bool
	// ErrorHandler receives sink failures. Nil means log them through the standard logger.
	ErrorHandler func(error)
	// Now overrides the clock
	Now func() time.Time
}

// Validate checks options without touching any sink
func (o Options) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.Level, validation.By(func(value interface{}) error {
			if l := value.(Level); !l.Valid() {
				return fmt.Errorf("unknown level %d", int(l))
			}
			return nil
		})),
		validation.Field(&o.Sinks, validation.Required.Error("at least one sink is required"), validation.By(validateSinks)),
		validation.Field(&o.ParentPID, validation.Min(0).Error("must be no less than 0")),
		validation.Field(&o.Align, validation.By(func(value interface{}) error {
			a := value.(*AlignInfo)
			if a == nil {
				return nil
			}
			return validation.ValidateStruct(a,
				validation.Field(&a.Session, validation.Min(0), validation.Max(256)),
				validation.Field(&a.Action, validation.Min(0), validation.Max(256)),
			)
		})),
	)
	return asConfigError(err)
}

func validateSinks(value interface{}) error {
	sinks := value.([]NamedSink)
	seen := make(map[string]int, len(sinks))
	for i, ns := range sinks {
		if isNilSink(ns.Sink) {
			return fmt.Errorf("sink #%d is nil", i+1)
		}
		name := sinkName(ns, i)
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("sink #%d reuses the name %q of sink #%d", i+1, name, prev+1)
		}
		seen[name] = i
	}
	return nil
}

// asConfigError turns ozzo validation errors into a ConfigurationError naming the first bad field
func asConfigError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return WrapConfigError("", err)
	}
	keys := make([]string, 0, len(verrs))
	for k := range verrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	first := verrs[keys[0]]
	return &ConfigurationError{Field: keys[0], Reason: first.Error(), Err: err}
}

func sinkName(ns NamedSink, index int) string {
	if ns.Name != "" {
		return ns.Name
	}
	return fmt.Sprintf("sink-%d", index+1)
}

func isNilSink(s Sink) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// sameSink compares sinks without panicking on non-comparable implementations
func sameSink(a, b Sink) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
