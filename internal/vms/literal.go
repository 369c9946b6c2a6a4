package vms

import (
	"errors"
	"fmt"
	"strings"
)

var errNotString = errors.New("value is not a string")

// bareWord is an unquoted token such as a number. It is kept apart from
// string so callers that need a quoted string can reject it.
type bareWord string

// scanLiteral parses one Python-style literal: quoted strings (either quote),
// lists, tuples, dicts with quoted keys, None, True, False and bare words.
// Bare words other than None/True/False are returned as bareWord.
func scanLiteral(s string) (any, error) {
	sc := &literalScanner{src: s}
	v, err := sc.value()
	if err != nil {
		return nil, err
	}
	sc.skipSpace()
	if sc.pos != len(sc.src) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d", sc.pos)
	}
	return v, nil
}

type literalScanner struct {
	src string
	pos int
}

func (sc *literalScanner) skipSpace() {
	for sc.pos < len(sc.src) {
		switch sc.src[sc.pos] {
		case ' ', '\t', '\r', '\n':
			sc.pos++
		default:
			return
		}
	}
}

func (sc *literalScanner) peek() (byte, bool) {
	if sc.pos >= len(sc.src) {
		return 0, false
	}
	return sc.src[sc.pos], true
}

func (sc *literalScanner) value() (any, error) {
	sc.skipSpace()
	c, ok := sc.peek()
	if !ok {
		return nil, errors.New("unexpected end of input")
	}
	switch c {
	case '{':
		return sc.dict()
	case '[':
		return sc.list('[', ']')
	case '(':
		return sc.list('(', ')')
	case '\'', '"':
		return sc.quoted()
	case '}', ']', ')', ',', ':':
		return nil, fmt.Errorf("unexpected %q at offset %d", c, sc.pos)
	default:
		return sc.bare(), nil
	}
}

func (sc *literalScanner) dict() (any, error) {
	sc.pos++ // {
	out := map[string]any{}
	for {
		sc.skipSpace()
		c, ok := sc.peek()
		if !ok {
			return nil, errors.New("unterminated dict")
		}
		if c == '}' {
			sc.pos++
			return out, nil
		}

		k, err := sc.value()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("dict key at offset %d is not a string", sc.pos)
		}

		sc.skipSpace()
		if c, ok := sc.peek(); !ok || c != ':' {
			return nil, fmt.Errorf("expected ':' at offset %d", sc.pos)
		}
		sc.pos++

		v, err := sc.value()
		if err != nil {
			return nil, err
		}
		out[key] = v

		if err := sc.separator('}'); err != nil {
			return nil, err
		}
	}
}

func (sc *literalScanner) list(open, closing byte) (any, error) {
	sc.pos++ // open
	out := []any{}
	for {
		sc.skipSpace()
		c, ok := sc.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated %q", open)
		}
		if c == closing {
			sc.pos++
			return out, nil
		}
		v, err := sc.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if err := sc.separator(closing); err != nil {
			return nil, err
		}
	}
}

// separator consumes a ',' or leaves a closing delimiter for the caller.
func (sc *literalScanner) separator(closing byte) error {
	sc.skipSpace()
	c, ok := sc.peek()
	if !ok {
		return fmt.Errorf("expected ',' or %q at end of input", closing)
	}
	switch c {
	case ',':
		sc.pos++
		return nil
	case closing:
		return nil
	default:
		return fmt.Errorf("expected ',' or %q at offset %d, got %q", closing, sc.pos, c)
	}
}

func (sc *literalScanner) quoted() (any, error) {
	quote := sc.src[sc.pos]
	start := sc.pos
	sc.pos++
	var b strings.Builder
	for sc.pos < len(sc.src) {
		c := sc.src[sc.pos]
		switch {
		case c == quote:
			sc.pos++
			return b.String(), nil
		case c == '\\' && sc.pos+1 < len(sc.src):
			sc.pos++
			switch e := sc.src[sc.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
		sc.pos++
	}
	return nil, fmt.Errorf("unterminated string starting at offset %d", start)
}

func (sc *literalScanner) bare() any {
	start := sc.pos
	for sc.pos < len(sc.src) && !strings.ContainsRune(",:}]) \t\r\n", rune(sc.src[sc.pos])) {
		sc.pos++
	}
	switch word := sc.src[start:sc.pos]; word {
	case "None":
		return nil
	case "True":
		return true
	case "False":
		return false
	default:
		return bareWord(word)
	}
}
