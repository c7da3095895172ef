package file

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	specifierStart = '%'
	specTime       = 't' // current time, core.DefaultTimeFormat
	specIteration  = 'n' // rotation iteration, starting at 1
)

// nameTemplate is a parsed file name such as "app.%t.%n.log"
type nameTemplate struct {
	raw        string
	parts      []templatePart
	timeFormat string
	hasTime    bool
	hasIter    bool
}

type templatePart struct {
	literal   string
	specifier byte
}

// parseTemplate accepts %t and %n, each at most once. A '%' ending the template is literal.
func parseTemplate(tmpl, timeFormat string) (*nameTemplate, error) {
	if tmpl == "" {
		return nil, fmt.Errorf("file name template cannot be empty")
	}

	t := &nameTemplate{raw: tmpl, timeFormat: timeFormat}
	var lit strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != specifierStart || i+1 >= len(tmpl) {
			lit.WriteByte(c)
			continue
		}

		spec := tmpl[i+1]
		switch spec {
		case specTime:
			if t.hasTime {
				return nil, fmt.Errorf("duplicate specifier %%%c", spec)
			}
			t.hasTime = true
		case specIteration:
			if t.hasIter {
				return nil, fmt.Errorf("duplicate specifier %%%c", spec)
			}
			t.hasIter = true
		default:
			return nil, fmt.Errorf("unknown specifier %%%c", spec)
		}

		if lit.Len() > 0 {
			t.parts = append(t.parts, templatePart{literal: lit.String()})
			lit.Reset()
		}
		t.parts = append(t.parts, templatePart{specifier: spec})
		i++
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, templatePart{literal: lit.String()})
	}

	if strings.ContainsAny(t.render(time.Time{}, 1), `/\`) {
		return nil, fmt.Errorf("file name template must not contain path separators")
	}
	return t, nil
}

// rotatable reports whether the rendered name can change at all
func (t *nameTemplate) rotatable() bool {
	return t.hasTime || t.hasIter
}

func (t *nameTemplate) render(now time.Time, iteration int) string {
	var b strings.Builder
	for _, p := range t.parts {
		switch p.specifier {
		case 0:
			b.WriteString(p.literal)
		case specTime:
			b.WriteString(now.Format(t.timeFormat))
		case specIteration:
			b.WriteString(strconv.Itoa(iteration))
		}
	}
	return b.String()
}
