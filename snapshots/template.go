/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package snapshots saves copies of training checkpoints at the end of each epoch, in directories
// named from a template like "gender.mobilenet.{epoch:02d}-{loss:.2f}", and keeps track of
// them in a manifest file.
//
// A snapshot is a regular checkpoint directory: it can be loaded on its own with checkpoints.Load.
package snapshots

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Template for snapshot names. Placeholders are written as `{name}` or `{name:spec}`, where spec is a
// format like `02d` (integer, zero padded to 2 digits) or `.2f` (float with 2 decimal places).
// Use `{{` and `}}` for literal braces.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	literal string

	// Placeholder, if name != "".
	name             string
	verb             byte // 0 (no spec), 'd', 'f', 'e' or 'g'.
	width, precision int  // precision is -1 if not given.
	zeroPad          bool
}

// ParseTemplate parses the template.
func ParseTemplate(template string) (*Template, error) {
	t := &Template{raw: template}
	var literal strings.Builder
	flushLiteral := func() {
		if literal.Len() > 0 {
			t.parts = append(t.parts, templatePart{literal: literal.String()})
			literal.Reset()
		}
	}
	for pos := 0; pos < len(template); pos++ {
		c := template[pos]
		switch c {
		case '{':
			if pos+1 < len(template) && template[pos+1] == '{' {
				literal.WriteByte('{')
				pos++
				continue
			}
			end := strings.IndexByte(template[pos:], '}')
			if end < 0 {
				return nil, errors.Errorf("template %q: unclosed \"{\" at position %d", template, pos)
			}
			part, err := parsePlaceholder(template[pos+1 : pos+end])
			if err != nil {
				return nil, errors.WithMessagef(err, "template %q", template)
			}
			flushLiteral()
			t.parts = append(t.parts, part)
			pos += end
		case '}':
			if pos+1 < len(template) && template[pos+1] == '}' {
				literal.WriteByte('}')
				pos++
				continue
			}
			return nil, errors.Errorf("template %q: single \"}\" at position %d, use \"}}\" for a literal brace",
				template, pos)
		default:
			literal.WriteByte(c)
		}
	}
	flushLiteral()
	return t, nil
}

// MustParseTemplate is like ParseTemplate, but panics on error.
func MustParseTemplate(template string) *Template {
	t, err := ParseTemplate(template)
	if err != nil {
		panic(err)
	}
	return t
}

// parsePlaceholder parses the contents within braces: "name" or "name:spec".
func parsePlaceholder(contents string) (part templatePart, err error) {
	part.precision = -1
	name, spec, hasSpec := strings.Cut(contents, ":")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "{ \t") {
		err = errors.Errorf("invalid placeholder name in {%s}", contents)
		return
	}
	part.name = name
	if !hasSpec {
		return
	}
	if spec == "" {
		err = errors.Errorf("empty format spec in {%s}", contents)
		return
	}
	part.verb = spec[len(spec)-1]
	switch part.verb {
	case 'd', 'f', 'e', 'g':
	default:
		err = errors.Errorf("unsupported format %q in {%s}: it must end with one of \"d\", \"f\", \"e\" or \"g\"",
			spec, contents)
		return
	}
	spec = spec[:len(spec)-1]
	widthStr, precisionStr, hasPrecision := strings.Cut(spec, ".")
	if strings.HasPrefix(widthStr, "0") && len(widthStr) > 1 {
		part.zeroPad = true
	}
	if widthStr != "" {
		part.width, err = strconv.Atoi(widthStr)
		if err != nil || part.width < 0 {
			err = errors.Errorf("invalid width %q in {%s}", widthStr, contents)
			return
		}
	}
	if hasPrecision {
		if part.verb == 'd' {
			err = errors.Errorf("precision not allowed for integers in {%s}", contents)
			return
		}
		part.precision, err = strconv.Atoi(precisionStr)
		if err != nil || part.precision < 0 {
			err = errors.Errorf("invalid precision %q in {%s}", precisionStr, contents)
			return
		}
	}
	return
}

// String returns the original template.
func (t *Template) String() string { return t.raw }

// Names returns the placeholder names used in the template, in order of appearance.
func (t *Template) Names() []string {
	var names []string
	for _, part := range t.parts {
		if part.name != "" {
			names = append(names, part.name)
		}
	}
	return names
}

// Format the template with the given values. Values must be integers, floats or strings (strings can't take a format).
// It returns an error if a placeholder has no value, or if the value doesn't fit the format (e.g.: a float
// for "{epoch:02d}").
func (t *Template) Format(values map[string]any) (string, error) {
	var sb strings.Builder
	for _, part := range t.parts {
		if part.name == "" {
			sb.WriteString(part.literal)
			continue
		}
		value, found := values[part.name]
		if !found {
			return "", errors.Errorf("template %q: unknown placeholder %q", t.raw, part.name)
		}
		formatted, err := part.format(value)
		if err != nil {
			return "", errors.WithMessagef(err, "template %q", t.raw)
		}
		sb.WriteString(formatted)
	}
	return sb.String(), nil
}

func (part templatePart) format(value any) (string, error) {
	var (
		intValue   int64
		floatValue float64
		isInt      bool
	)
	switch v := value.(type) {
	case string:
		if part.verb != 0 {
			return "", errors.Errorf("{%s:...%c} requires a number, got string %q", part.name, part.verb, v)
		}
		return v, nil
	case int:
		intValue, isInt = int64(v), true
	case int32:
		intValue, isInt = int64(v), true
	case int64:
		intValue, isInt = v, true
	case float32:
		floatValue = float64(v)
	case float64:
		floatValue = v
	default:
		return "", errors.Errorf("value of {%s} has unsupported type %T", part.name, value)
	}
	if isInt {
		floatValue = float64(intValue)
	}

	pad := ""
	if part.zeroPad {
		pad = "0"
	}
	width := ""
	if part.width > 0 {
		width = strconv.Itoa(part.width)
	}
	switch part.verb {
	case 0:
		if isInt {
			return strconv.FormatInt(intValue, 10), nil
		}
		return formatPythonFloat(floatValue), nil
	case 'd':
		if !isInt {
			return "", errors.Errorf("{%s:...d} requires an integer, got float %g", part.name, floatValue)
		}
		return fmt.Sprintf("%"+pad+width+"d", intValue), nil
	default: // 'f', 'e', 'g'
		precision := part.precision
		if precision < 0 && part.verb != 'g' {
			precision = 6
		}
		format := "%" + pad + width
		if precision >= 0 {
			format += "." + strconv.Itoa(precision)
		}
		format += string(part.verb)
		return fmt.Sprintf(format, floatValue), nil
	}
}

// formatPythonFloat formats a float with the shortest representation, always including a decimal point.
func formatPythonFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
