package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// parseArgs parses the inside of an argument list or object literal:
// `key: value, key: value`. Keys are bare identifiers or quoted strings;
// commas and whitespace between entries are insignificant. An argument
// bound to a missing variable is dropped, not an error.
func parseArgs(text string, vars map[string]any) (map[string]any, error) {
	p := &parser{src: text, vars: vars}
	args := map[string]any{}
	for {
		p.skipSeparators()
		if p.atEnd() {
			return args, nil
		}
		var key string
		var err error
		if ch := p.peek(); ch == '"' || ch == '\'' {
			key, err = p.readString()
		} else {
			key, err = p.readIdent()
		}
		if err != nil {
			return nil, fmt.Errorf("argument key: %w", err)
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		val, present, err := p.parseValue()
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", key, err)
		}
		if present {
			args[key] = val
		}
	}
}

// parseValue parses a single value expression. present is false only for a
// variable reference whose binding is missing; the value is then treated as
// if the argument had not been written at all.
func (p *parser) parseValue() (val any, present bool, err error) {
	p.skipSpace()
	if p.atEnd() {
		return nil, false, fmt.Errorf("expected value at offset %d", p.pos)
	}
	switch ch := p.peek(); {
	case ch == '"' || ch == '\'':
		s, err := p.readString()
		return s, true, err

	case ch == '{':
		inner, err := p.readBalanced('{', '}')
		if err != nil {
			return nil, false, err
		}
		obj, err := parseArgs(inner, p.vars)
		return obj, true, err

	case ch == '[':
		inner, err := p.readBalanced('[', ']')
		if err != nil {
			return nil, false, err
		}
		list, err := parseList(inner, p.vars)
		return list, true, err

	case ch == '$':
		p.pos++
		name, err := p.readIdent()
		if err != nil {
			return nil, false, fmt.Errorf("variable reference: %w", err)
		}
		v, ok := p.vars[name]
		return v, ok, nil

	case ch == '-' || ch == '+' || (ch >= '0' && ch <= '9'):
		n, err := p.readNumber()
		return n, true, err

	default:
		ident, err := p.readIdent()
		if err != nil {
			return nil, false, err
		}
		switch ident {
		case "true":
			return true, true, nil
		case "false":
			return false, true, nil
		case "null":
			return nil, true, nil
		}
		// Bare identifiers are enum-like tokens (asc, desc, insensitive).
		return ident, true, nil
	}
}

func parseList(text string, vars map[string]any) ([]any, error) {
	p := &parser{src: text, vars: vars}
	list := []any{}
	for {
		p.skipSeparators()
		if p.atEnd() {
			return list, nil
		}
		val, present, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if present {
			list = append(list, val)
		}
	}
}

// readString consumes a double- or single-quoted string literal and decodes
// its backslash escapes. Both quote styles share the same decoder; this is
// deliberately not JSON unescaping so single-quoted input round-trips.
func (p *parser) readString() (string, error) {
	quote := p.peek()
	start := p.pos
	p.pos++
	var b strings.Builder
	for !p.atEnd() {
		ch := p.src[p.pos]
		switch ch {
		case '\\':
			p.pos++
			if p.atEnd() {
				return "", fmt.Errorf("dangling escape at offset %d", p.pos-1)
			}
			switch esc := p.src[p.pos]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				// \" \' \\ and anything else: the escaped char itself.
				b.WriteByte(esc)
			}
			p.pos++
		case quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
	return "", fmt.Errorf("unterminated string starting at offset %d", start)
}

// readNumber parses an integer or float literal. Integers come out as
// int64, anything with a fraction or exponent as float64.
func (p *parser) readNumber() (any, error) {
	start := p.pos
	isFloat := false
	for !p.atEnd() {
		ch := p.src[p.pos]
		if ch == '.' || ch == 'e' || ch == 'E' {
			isFloat = true
			p.pos++
			continue
		}
		if ch == '-' || ch == '+' || (ch >= '0' && ch <= '9') {
			p.pos++
			continue
		}
		break
	}
	text := p.src[start:p.pos]
	if !isFloat {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q at offset %d", text, start)
	}
	return f, nil
}
