// Package protocol parses the query documents emitted by the remote client
// library. The language is a constrained GraphQL dialect: one operation per
// document, a single `result:` aliased method call, literal or
// variable-bound arguments, and an optional selection set.
//
//	query {
//	  result: findManyUser(where: $where, take: 10) {
//	    id
//	    name
//	    posts { id title }
//	  }
//	}
//
// Parsing is pure and synchronous: no I/O, no state across calls. Malformed
// input is reported as an error, never a panic.
package protocol

import (
	"fmt"
	"log"
)

// Operation is the top-level document kind.
type Operation string

const (
	OpQuery    Operation = "query"
	OpMutation Operation = "mutation"
)

// Selection is one entry of a selection set: a plain field when Nested is
// nil, a relation node otherwise. Relation nesting mirrors the document and
// has no depth limit beyond input size.
type Selection struct {
	Field  string
	Nested []Selection
}

// IsRelation reports whether the selection carries its own selection set.
func (s Selection) IsRelation() bool { return s.Nested != nil }

// ParsedQuery is the structured descriptor handed to the executor.
type ParsedQuery struct {
	Operation Operation
	Action    string
	Model     string
	Args      map[string]any
	// Selections holds the parsed selection set in document order.
	Selections []Selection
	// RawSelection keeps the original selection-set text. Aggregate
	// sub-selections (_count, _avg, ...) are detected by substring on it.
	RawSelection string
}

// Parse converts a document plus variable bindings into a ParsedQuery.
// Arguments written as `$name` are substituted whole from variables;
// a missing binding drops the argument rather than failing the parse.
func Parse(document string, variables map[string]any) (*ParsedQuery, error) {
	pq, err := parseDocument(document, variables)
	if err != nil {
		log.Printf("[Protocol] parse failed: %v", err)
		return nil, err
	}
	return pq, nil
}

func parseDocument(document string, variables map[string]any) (*ParsedQuery, error) {
	p := &parser{src: document, vars: variables}

	op, err := p.readIdent()
	if err != nil {
		return nil, fmt.Errorf("expected operation keyword: %w", err)
	}
	if op != string(OpQuery) && op != string(OpMutation) {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err := p.expect('{'); err != nil {
		return nil, err
	}

	alias, err := p.readIdent()
	if err != nil {
		return nil, fmt.Errorf("expected result alias: %w", err)
	}
	if alias != "result" {
		return nil, fmt.Errorf("expected 'result' alias, got %q", alias)
	}
	if err := p.expect(':'); err != nil {
		return nil, err
	}

	method, err := p.readIdent()
	if err != nil {
		return nil, fmt.Errorf("expected method name: %w", err)
	}
	action, model := DecomposeMethod(method)

	pq := &ParsedQuery{
		Operation: Operation(op),
		Action:    action,
		Model:     model,
		Args:      map[string]any{},
	}

	p.skipSpace()
	if p.peek() == '(' {
		inner, err := p.readBalanced('(', ')')
		if err != nil {
			return nil, err
		}
		pq.Args, err = parseArgs(inner, variables)
		if err != nil {
			return nil, err
		}
	}

	p.skipSpace()
	if p.peek() == '{' {
		inner, err := p.readBalanced('{', '}')
		if err != nil {
			return nil, err
		}
		pq.RawSelection = inner
		pq.Selections, err = parseSelections(inner)
		if err != nil {
			return nil, err
		}
	}

	if err := p.expect('}'); err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected input after document at offset %d", p.pos)
	}
	return pq, nil
}

// parseSelections parses a brace-delimited field list. A field immediately
// followed by a braced block becomes a relation node; recursion terminates
// because each nested call consumes a strictly smaller substring.
func parseSelections(text string) ([]Selection, error) {
	p := &parser{src: text}
	sels := []Selection{}
	for {
		p.skipSeparators()
		if p.atEnd() {
			return sels, nil
		}
		field, err := p.readIdent()
		if err != nil {
			return nil, fmt.Errorf("selection set: %w", err)
		}
		sel := Selection{Field: field}
		p.skipSpace()
		if p.peek() == '{' {
			inner, err := p.readBalanced('{', '}')
			if err != nil {
				return nil, err
			}
			nested, err := parseSelections(inner)
			if err != nil {
				return nil, err
			}
			sel.Nested = nested
		}
		sels = append(sels, sel)
	}
}
