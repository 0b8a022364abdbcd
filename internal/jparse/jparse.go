// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package jparse implements a streaming, feed-incrementally JSON value
// scanner, grounded on the json_parser_feed/json_parser_is_done/
// json_parser_finish triad of original_source/lib/jsonrpc.c. It exists
// because the standard library's encoding/json.Decoder requires a
// blocking io.Reader, but Connection's receive path must be able to
// push whatever bytes are currently available and resume later without
// re-reading them.
package jparse

import (
	"encoding/json"
	"fmt"
)

// state names the scanner's position relative to a JSON value's lexical
// structure. Only enough state is tracked to find the boundary of one
// top-level value; once found, the accumulated bytes are handed to
// encoding/json for full structural decoding and validation.
type state byte

const (
	stateSkipSpace state = iota // before the value: consume leading whitespace
	stateBare                   // inside a bare (unbracketed) literal or number
	stateValue                  // inside an object/array, outside any string
	stateString                 // inside a quoted string
	stateStringEscape           // just consumed a backslash inside a string
	stateDone                   // a complete value has been scanned
)

// A Parser consumes bytes incrementally and reports when a complete
// top-level JSON value (object, array, string, number, or literal) has
// been scanned. It retains no more than the bytes of the in-progress
// value.
type Parser struct {
	st    state
	depth int // bracket/brace nesting depth; 0 at the top level
	buf   []byte
	err   error
}

// New constructs a Parser ready to scan a new value.
func New() *Parser { return &Parser{st: stateSkipSpace} }

// Feed appends data to the parser's buffer and advances the scan,
// returning the number of leading bytes of data it consumed. Feed
// consumes only bytes belonging to (or leading whitespace before) the
// current value; once Done reports true, further Feed calls return 0
// until Finish resets the parser.
func (p *Parser) Feed(data []byte) (consumed int, err error) {
	if p.err != nil {
		return 0, p.err
	}
	for i, c := range data {
		if p.st == stateDone {
			return i, nil
		}
		switch p.st {
		case stateSkipSpace:
			if isSpace(c) {
				continue
			}
			switch c {
			case '{', '[':
				p.depth++
				p.buf = append(p.buf, c)
				p.st = stateValue
			case '}', ']':
				p.err = fmt.Errorf("jparse: unbalanced closing %q", c)
				return i + 1, p.err
			case '"':
				p.buf = append(p.buf, c)
				p.st = stateString
			default:
				p.buf = append(p.buf, c)
				p.st = stateBare
			}

		case stateBare:
			if isSpace(c) || c == ',' || c == '}' || c == ']' {
				p.st = stateDone
				return i, nil // do not consume the delimiter
			}
			p.buf = append(p.buf, c)

		case stateValue:
			p.buf = append(p.buf, c)
			switch c {
			case '{', '[':
				p.depth++
			case '}', ']':
				p.depth--
				if p.depth < 0 {
					p.err = fmt.Errorf("jparse: unbalanced closing %q", c)
					return i + 1, p.err
				}
				if p.depth == 0 {
					p.st = stateDone
					return i + 1, nil
				}
			case '"':
				p.st = stateString
			}

		case stateString:
			p.buf = append(p.buf, c)
			switch c {
			case '\\':
				p.st = stateStringEscape
			case '"':
				if p.depth == 0 {
					p.st = stateDone
					return i + 1, nil
				}
				p.st = stateValue
			}

		case stateStringEscape:
			p.buf = append(p.buf, c)
			p.st = stateString
		}
	}
	return len(data), nil
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

// Done reports whether a complete value has been scanned.
func (p *Parser) Done() bool { return p.st == stateDone }

// Finish completes parsing: it returns the raw bytes of the scanned
// value and resets the parser for reuse. It must only be called when
// Done reports true.
func (p *Parser) Finish() (json.RawMessage, error) {
	if p.st != stateDone {
		panic("jparse: Finish called before Done")
	}
	out := p.buf
	p.buf = nil
	p.depth = 0
	p.st = stateSkipSpace
	return json.RawMessage(out), nil
}
