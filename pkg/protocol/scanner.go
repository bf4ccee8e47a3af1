package protocol

import "fmt"

// parser is a positional scanner over a document substring. All helpers are
// byte-oriented; identifiers and structural characters in the protocol are
// ASCII, and quoted strings pass through untouched by the scanner itself.
type parser struct {
	src  string
	pos  int
	vars map[string]any
}

func (p *parser) atEnd() bool {
	return p.pos >= len(p.src)
}

func (p *parser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.atEnd() && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

// skipSeparators also consumes commas, which are insignificant between
// arguments, list entries and selections.
func (p *parser) skipSeparators() {
	for !p.atEnd() && (isSpace(p.src[p.pos]) || p.src[p.pos] == ',') {
		p.pos++
	}
}

func (p *parser) expect(ch byte) error {
	p.skipSpace()
	if p.atEnd() || p.src[p.pos] != ch {
		return fmt.Errorf("expected %q at offset %d", string(ch), p.pos)
	}
	p.pos++
	return nil
}

// readIdent consumes a bare identifier (letters, digits, underscore;
// must not start with a digit).
func (p *parser) readIdent() (string, error) {
	p.skipSpace()
	start := p.pos
	for !p.atEnd() && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at offset %d", start)
	}
	ident := p.src[start:p.pos]
	if ident[0] >= '0' && ident[0] <= '9' {
		return "", fmt.Errorf("identifier %q may not start with a digit", ident)
	}
	return ident, nil
}

// readBalanced consumes a bracketed region starting at the current position
// and returns the inner text. Matching is escape-aware: open/close bytes
// inside quoted strings are ignored, which is what keeps argument objects
// with quoted braces from derailing the parse.
func (p *parser) readBalanced(open, close byte) (string, error) {
	p.skipSpace()
	if p.peek() != open {
		return "", fmt.Errorf("expected %q at offset %d", string(open), p.pos)
	}
	depth := 0
	inString := false
	var quote byte
	for i := p.pos; i < len(p.src); i++ {
		ch := p.src[i]
		if inString {
			switch ch {
			case '\\':
				i++ // skip escaped character
			case quote:
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = true
			quote = ch
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				inner := p.src[p.pos+1 : i]
				p.pos = i + 1
				return inner, nil
			}
		}
	}
	return "", fmt.Errorf("unterminated %q starting at offset %d", string(open), p.pos)
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isIdentChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
