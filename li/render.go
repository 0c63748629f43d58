// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Template is a CSV line template: literal text with replacement fields
// {name}, {name[i]}, {name!r} and {name:fmt}. Braces are escaped by
// doubling them.
type Template struct {
	src   string
	parts []part
}

type part struct {
	lit   string
	name  string // empty for literal parts
	index int    // -1 when not indexed
	conv  byte   // 0, 'r' or 's'
	ff    fieldFmt
}

// fieldFmt is a parsed format specification:
//
//	[[fill]align][sign][#][0][width][.precision][type]
type fieldFmt struct {
	fill  rune
	align byte
	sign  byte
	alt   bool
	width int
	prec  int // -1 when unset
	verb  byte
	set   bool
}

// ParseTemplate parses a line template.
func ParseTemplate(s string) (*Template, error) {
	tmpl := &Template{src: s}
	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			j := strings.IndexByte(s[i:], '}')
			if j < 0 {
				return nil, xerrors.Errorf("li: unmatched '{' in template %q: %w", s, ErrFormat)
			}
			p, err := parseField(s[i+1 : i+j])
			if err != nil {
				return nil, xerrors.Errorf("li: invalid field in template %q: %w", s, err)
			}
			if lit.Len() > 0 {
				tmpl.parts = append(tmpl.parts, part{lit: lit.String()})
				lit.Reset()
			}
			tmpl.parts = append(tmpl.parts, p)
			i += j
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, xerrors.Errorf("li: single '}' in template %q: %w", s, ErrFormat)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		tmpl.parts = append(tmpl.parts, part{lit: lit.String()})
	}
	return tmpl, nil
}

func (tmpl *Template) String() string { return tmpl.src }

func parseField(s string) (part, error) {
	p := part{index: -1, ff: fieldFmt{fill: ' ', prec: -1}}
	if strings.ContainsRune(s, '{') {
		return p, xerrors.Errorf("li: nested field %q: %w", s, ErrFormat)
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		sp, err := parseFieldFmt(s[i+1:])
		if err != nil {
			return p, err
		}
		p.ff = sp
		s = s[:i]
	}
	if i := strings.IndexByte(s, '!'); i >= 0 {
		switch s[i+1:] {
		case "r", "s":
			p.conv = s[i+1]
		default:
			return p, xerrors.Errorf("li: invalid conversion %q: %w", s[i:], ErrFormat)
		}
		s = s[:i]
	}
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return p, xerrors.Errorf("li: invalid index in %q: %w", s, ErrFormat)
		}
		idx, err := strconv.Atoi(s[i+1 : len(s)-1])
		if err != nil || idx < 0 {
			return p, xerrors.Errorf("li: invalid index in %q: %w", s, ErrFormat)
		}
		p.index = idx
		s = s[:i]
	}
	if s == "" || strings.ContainsAny(s, ".[]") {
		return p, xerrors.Errorf("li: invalid field name %q: %w", s, ErrFormat)
	}
	p.name = s
	return p, nil
}

func parseFieldFmt(s string) (fieldFmt, error) {
	sp := fieldFmt{fill: ' ', prec: -1, set: s != ""}
	rs := []rune(s)
	i := 0
	isAlign := func(r rune) bool { return r == '<' || r == '>' || r == '^' || r == '=' }
	switch {
	case len(rs) >= 2 && isAlign(rs[1]):
		sp.fill, sp.align = rs[0], byte(rs[1])
		i = 2
	case len(rs) >= 1 && isAlign(rs[0]):
		sp.align = byte(rs[0])
		i = 1
	}
	if i < len(rs) && (rs[i] == '+' || rs[i] == '-' || rs[i] == ' ') {
		sp.sign = byte(rs[i])
		i++
	}
	if i < len(rs) && rs[i] == '#' {
		sp.alt = true
		i++
	}
	if i < len(rs) && rs[i] == '0' {
		if sp.align == 0 {
			sp.fill, sp.align = '0', '='
		}
		i++
	}
	j := i
	for i < len(rs) && rs[i] >= '0' && rs[i] <= '9' {
		i++
	}
	if i > j {
		sp.width, _ = strconv.Atoi(string(rs[j:i]))
	}
	if i < len(rs) && rs[i] == '.' {
		i++
		j = i
		for i < len(rs) && rs[i] >= '0' && rs[i] <= '9' {
			i++
		}
		if i == j {
			return sp, xerrors.Errorf("li: format specifier %q misses precision: %w", s, ErrFormat)
		}
		sp.prec, _ = strconv.Atoi(string(rs[j:i]))
	}
	if i < len(rs) {
		if !strings.ContainsRune("eEfFgGdxXobs%", rs[i]) || i+1 != len(rs) {
			return sp, xerrors.Errorf("li: invalid format specifier %q: %w", s, ErrFormat)
		}
		sp.verb = byte(rs[i])
	}
	return sp, nil
}

// env holds the values a template may refer to.
type env struct {
	T   string
	t   float64
	d   float64
	n   int64
	chs [2]Record
	has [2]bool
}

func (e *env) lookup(name string) (interface{}, bool) {
	switch name {
	case "T":
		return e.T, true
	case "t":
		return FloatValue(e.t), true
	case "d":
		return FloatValue(e.d), true
	case "n":
		return IntValue(e.n), true
	case "ch1":
		return e.chs[0], e.has[0]
	case "ch2":
		return e.chs[1], e.has[1]
	}
	return nil, false
}

func (tmpl *Template) execute(o *strings.Builder, e *env) error {
	for _, p := range tmpl.parts {
		if p.name == "" {
			o.WriteString(p.lit)
			continue
		}
		v, ok := e.lookup(p.name)
		if !ok {
			return xerrors.Errorf("li: unknown template field %q: %w", p.name, ErrFormat)
		}
		if p.index >= 0 {
			rec, ok := v.(Record)
			if !ok || len(rec) < 2 {
				return xerrors.Errorf("li: field %q is not indexable: %w", p.name, ErrFormat)
			}
			if p.index >= len(rec) {
				return xerrors.Errorf("li: index %d out of range for field %q: %w", p.index, p.name, ErrFormat)
			}
			v = rec[p.index]
		}
		if rec, ok := v.(Record); ok && len(rec) == 1 {
			v = rec[0]
		}
		s, err := p.format(v)
		if err != nil {
			return xerrors.Errorf("li: could not format field %q: %w", p.name, err)
		}
		o.WriteString(s)
	}
	return nil
}

func (p part) format(v interface{}) (string, error) {
	switch p.conv {
	case 'r':
		if s, ok := v.(string); ok {
			v = "'" + s + "'"
		}
		v = str(v)
	case 's':
		v = str(v)
	}

	switch v := v.(type) {
	case string:
		return p.ff.formatString(v)
	case Value:
		return p.ff.formatValue(v)
	case Record:
		if p.ff.set {
			return "", xerrors.Errorf("li: format specifier on a tuple: %w", ErrFormat)
		}
		return v.String(), nil
	}
	return "", xerrors.Errorf("li: invalid template value %T: %w", v, ErrFormat)
}

func str(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case Value:
		return v.String()
	case Record:
		return v.String()
	}
	return ""
}

func (sp fieldFmt) formatString(s string) (string, error) {
	if sp.verb != 0 && sp.verb != 's' {
		return "", xerrors.Errorf("li: invalid format %q for a string: %w", sp.verb, ErrFormat)
	}
	if sp.sign != 0 || sp.align == '=' {
		return "", xerrors.Errorf("li: sign not allowed in string format: %w", ErrFormat)
	}
	if sp.prec >= 0 {
		if rs := []rune(s); len(rs) > sp.prec {
			s = string(rs[:sp.prec])
		}
	}
	return sp.pad("", s, '<'), nil
}

func (sp fieldFmt) formatValue(v Value) (string, error) {
	if !sp.set {
		return v.String(), nil
	}

	verb := sp.verb
	if v.Kind() == Bool {
		v = IntValue(v.Int())
	}
	if verb == 0 {
		if v.Kind() == Float {
			verb = 'r'
			if sp.prec >= 0 {
				verb = 'q'
			}
		} else {
			verb = 'd'
		}
	}

	var (
		neg  bool
		body string
	)
	switch verb {
	case 's':
		return "", xerrors.Errorf("li: invalid format 's' for a number: %w", ErrFormat)
	case 'd', 'x', 'X', 'o', 'b':
		if v.Kind() == Float {
			return "", xerrors.Errorf("li: invalid format %q for a float: %w", verb, ErrFormat)
		}
		if sp.prec >= 0 {
			return "", xerrors.Errorf("li: precision not allowed in integer format: %w", ErrFormat)
		}
		var u uint64
		switch v.Kind() {
		case Uint:
			u = v.Uint()
		default:
			i := v.Int()
			neg = i < 0
			u = uint64(i)
			if neg {
				u = -u
			}
		}
		base, prefix := 10, ""
		switch verb {
		case 'x', 'X':
			base, prefix = 16, "0x"
		case 'o':
			base, prefix = 8, "0o"
		case 'b':
			base, prefix = 2, "0b"
		}
		body = strconv.FormatUint(u, base)
		if sp.alt {
			body = prefix + body
		}
		if verb == 'X' {
			body = strings.ToUpper(body)
		}
	default:
		f := v.Float()
		neg = math.Signbit(f) && !math.IsNaN(f)
		body = formatFloat(math.Abs(f), verb, sp.prec)
	}

	sign := ""
	switch {
	case neg:
		sign = "-"
	case sp.sign == '+':
		sign = "+"
	case sp.sign == ' ':
		sign = " "
	}
	return sp.pad(sign, body, '>'), nil
}

// formatFloat formats a non-negative float. Verb 'r' is the shortest
// representation, verb 'q' the general format of a float without type.
func formatFloat(f float64, verb byte, prec int) string {
	switch {
	case math.IsNaN(f):
		return cased("nan", verb)
	case math.IsInf(f, 0):
		return cased("inf", verb)
	}

	if prec < 0 {
		prec = 6
	}
	switch verb {
	case 'r':
		return formatRepr(f)
	case 'e', 'E':
		return strconv.FormatFloat(f, verb, prec, 64)
	case 'f', 'F':
		return strconv.FormatFloat(f, 'f', prec, 64)
	case '%':
		return strconv.FormatFloat(100*f, 'f', prec, 64) + "%"
	case 'q':
		if prec == 0 {
			prec = 1
		}
		s := strconv.FormatFloat(f, 'g', prec, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s
	}
	if prec == 0 {
		prec = 1
	}
	return strconv.FormatFloat(f, verb, prec, 64)
}

func cased(s string, verb byte) string {
	switch verb {
	case 'E', 'F', 'G':
		return strings.ToUpper(s)
	}
	return s
}

func (sp fieldFmt) pad(sign, body string, align byte) string {
	n := len([]rune(sign)) + len([]rune(body))
	if n >= sp.width {
		return sign + body
	}
	if sp.align != 0 {
		align = sp.align
	}
	var (
		fill  = string(sp.fill)
		width = sp.width - n
	)
	switch align {
	case '<':
		return sign + body + strings.Repeat(fill, width)
	case '^':
		left := width / 2
		return strings.Repeat(fill, left) + sign + body + strings.Repeat(fill, width-left)
	case '=':
		return sign + strings.Repeat(fill, width) + body
	}
	return strings.Repeat(fill, width) + sign + body
}
