package core

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/valyala/bytebufferpool"
)

const (
	// DefaultFormat is used when Options.Format is empty
	DefaultFormat = "{time} [{level}] {message}{context}"
	// DefaultTimeFormat renders %Y-%m-%d-%H-%M-%S
	DefaultTimeFormat = "2006-01-02-15-04-05"

	// FormatPipe selects the column layout: time | ppid | pid | [session |] [action |] message
	FormatPipe = "pipe"
	// FormatJSON selects one JSON object per line
	FormatJSON = "json"

	pidWidth           = 10
	defaultAlignWidth  = 10
	pipeSeparator      = " | "
	placeholderOpening = '{'
	placeholderClosing = '}'
)

// AlignInfo enables fixed-width columns in the pipe format. Zero widths fall back to 10.
type AlignInfo struct {
	Session int `yaml:"session,omitempty"`
	Action  int `yaml:"action,omitempty"`
}

func (a AlignInfo) sessionWidth() int {
	if a.Session <= 0 {
		return defaultAlignWidth
	}
	return a.Session
}

func (a AlignInfo) actionWidth() int {
	if a.Action <= 0 {
		return defaultAlignWidth
	}
	return a.Action
}

// Formatter renders a record into buf, without a trailing newline
type Formatter interface {
	Format(buf *bytebufferpool.ByteBuffer, r *Record)
}

// NewFormatter compiles a format. format is a template, or one of FormatPipe and FormatJSON.
// align is only used by the pipe format.
func NewFormatter(format, timeFormat string, align *AlignInfo) (Formatter, error) {
	if timeFormat == "" {
		timeFormat = DefaultTimeFormat
	}
	switch format {
	case "":
		return compileTemplate(DefaultFormat, timeFormat)
	case FormatPipe:
		return &pipeFormatter{timeFormat: timeFormat, align: align}, nil
	case FormatJSON:
		return &jsonFormatter{timeFormat: timeFormat}, nil
	default:
		return compileTemplate(format, timeFormat)
	}
}

type placeholder int

const (
	phLiteral placeholder = iota
	phTime
	phLevel
	phLocation
	phMessage
	phContext
	phSession
	phAction
	phPID
	phParentPID
)

var placeholders = map[string]placeholder{
	"time":     phTime,
	"level":    phLevel,
	"location": phLocation,
	"message":  phMessage,
	"context":  phContext,
	"session":  phSession,
	"action":   phAction,
	"pid":      phPID,
	"ppid":     phParentPID,
}

type segment struct {
	kind    placeholder
	literal string
}

type templateFormatter struct {
	segments   []segment
	timeFormat string
}

// compileTemplate splits a template into literal and placeholder segments.
// "{{" and "}}" are literal braces.
func compileTemplate(tmpl, timeFormat string) (*templateFormatter, error) {
	var segments []segment
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			segments = append(segments, segment{kind: phLiteral, literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == placeholderOpening && i+1 < len(tmpl) && tmpl[i+1] == placeholderOpening:
			lit.WriteByte(placeholderOpening)
			i++
		case c == placeholderClosing && i+1 < len(tmpl) && tmpl[i+1] == placeholderClosing:
			lit.WriteByte(placeholderClosing)
			i++
		case c == placeholderOpening:
			end := strings.IndexByte(tmpl[i+1:], placeholderClosing)
			if end < 0 {
				return nil, NewConfigError("format", fmt.Sprintf("unterminated placeholder at offset %d", i))
			}
			name := tmpl[i+1 : i+1+end]
			kind, ok := placeholders[name]
			if !ok {
				return nil, NewConfigError("format", fmt.Sprintf("unknown placeholder {%s}", name))
			}
			flush()
			segments = append(segments, segment{kind: kind})
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()

	return &templateFormatter{segments: segments, timeFormat: timeFormat}, nil
}

func (t *templateFormatter) Format(buf *bytebufferpool.ByteBuffer, r *Record) {
	for _, s := range t.segments {
		switch s.kind {
		case phLiteral:
			_, _ = buf.WriteString(s.literal)
		case phTime:
			buf.B = r.Time.AppendFormat(buf.B, t.timeFormat)
		case phLevel:
			_, _ = buf.WriteString(r.Level.String())
		case phLocation:
			_, _ = buf.WriteString(r.Location.String())
		case phMessage:
			_, _ = buf.WriteString(r.Message)
		case phContext:
			writeContext(buf, r.Fields)
		case phSession:
			_, _ = buf.WriteString(r.SessionID)
		case phAction:
			_, _ = buf.WriteString(r.Action)
		case phPID:
			buf.B = strconv.AppendInt(buf.B, int64(r.PID), 10)
		case phParentPID:
			buf.B = strconv.AppendInt(buf.B, int64(r.ParentPID), 10)
		}
	}
}

// writeContext renders " key=value" for each field in insertion order
func writeContext(buf *bytebufferpool.ByteBuffer, fields []Field) {
	for _, f := range fields {
		_ = buf.WriteByte(' ')
		_, _ = buf.WriteString(f.Key)
		_ = buf.WriteByte('=')
		if needsQuoting(f.Value) {
			buf.B = strconv.AppendQuote(buf.B, f.Value)
		} else {
			_, _ = buf.WriteString(f.Value)
		}
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '=' || c > '~' {
			return true
		}
	}
	return false
}

type pipeFormatter struct {
	timeFormat string
	align      *AlignInfo
}

func (p *pipeFormatter) Format(buf *bytebufferpool.ByteBuffer, r *Record) {
	ts := r.Time.Format(p.timeFormat)
	if p.align == nil {
		writeToken(buf, ts)
		writeToken(buf, strconv.Itoa(r.ParentPID))
		writeToken(buf, strconv.Itoa(r.PID))
		if r.SessionID != "" {
			writeToken(buf, r.SessionID)
		}
		if r.Action != "" {
			writeToken(buf, r.Action)
		}
	} else {
		writeAligned(buf, ts, len(DefaultTimeFormat))
		writeAligned(buf, strconv.Itoa(r.ParentPID), pidWidth)
		writeAligned(buf, strconv.Itoa(r.PID), pidWidth)
		if r.SessionID != "" {
			writeAligned(buf, r.SessionID, p.align.sessionWidth())
		}
		if r.Action != "" {
			writeAligned(buf, r.Action, p.align.actionWidth())
		}
	}
	_, _ = buf.WriteString(r.Message)
	writeContext(buf, r.Fields)
}

func writeToken(buf *bytebufferpool.ByteBuffer, token string) {
	_, _ = buf.WriteString(token)
	_, _ = buf.WriteString(pipeSeparator)
}

// writeAligned right-justifies token in width columns, truncating longer tokens.
// Columns count runes, so truncation never splits a multi-byte character.
func writeAligned(buf *bytebufferpool.ByteBuffer, token string, width int) {
	n := 0
	for i := range token {
		if n == width {
			token = token[:i]
			break
		}
		n++
	}
	for ; n < width; n++ {
		_ = buf.WriteByte(' ')
	}
	writeToken(buf, token)
}

type jsonFormatter struct {
	timeFormat string
}

func (j *jsonFormatter) Format(buf *bytebufferpool.ByteBuffer, r *Record) {
	_, _ = buf.WriteString(`{"time":`)
	writeJSONString(buf, r.Time.Format(j.timeFormat))
	_, _ = buf.WriteString(`,"level":`)
	writeJSONString(buf, r.Level.String())
	if !r.Location.IsZero() {
		_, _ = buf.WriteString(`,"location":`)
		writeJSONString(buf, r.Location.String())
	}
	_, _ = buf.WriteString(`,"message":`)
	writeJSONString(buf, r.Message)
	if r.SessionID != "" {
		_, _ = buf.WriteString(`,"session":`)
		writeJSONString(buf, r.SessionID)
	}
	if r.Action != "" {
		_, _ = buf.WriteString(`,"action":`)
		writeJSONString(buf, r.Action)
	}
	_, _ = buf.WriteString(`,"pid":`)
	buf.B = strconv.AppendInt(buf.B, int64(r.PID), 10)
	_, _ = buf.WriteString(`,"ppid":`)
	buf.B = strconv.AppendInt(buf.B, int64(r.ParentPID), 10)
	if len(r.Fields) > 0 {
		// an object keeps insertion order here, unlike a marshalled map
		_, _ = buf.WriteString(`,"context":{`)
		for i, f := range r.Fields {
			if i > 0 {
				_ = buf.WriteByte(',')
			}
			writeJSONString(buf, f.Key)
			_ = buf.WriteByte(':')
			writeJSONString(buf, f.Value)
		}
		_ = buf.WriteByte('}')
	}
	_ = buf.WriteByte('}')
}

func writeJSONString(buf *bytebufferpool.ByteBuffer, s string) {
	encoded, err := json.Marshal(s)
	if err != nil {
		buf.B = strconv.AppendQuote(buf.B, s)
		return
	}
	_, _ = buf.Write(encoded)
}
