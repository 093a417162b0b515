package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF     = errors.New("unexpected end of data")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidStream     = errors.New("invalid PDF stream")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidArray      = errors.New("invalid PDF array")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidName       = errors.New("invalid PDF name")
	ErrInvalidNumber     = errors.New("invalid PDF number")
)

// maxNesting bounds array/dictionary nesting to keep hostile input from
// exhausting the stack.
const maxNesting = 256

// LengthResolver resolves an indirect /Length entry of a stream.
type LengthResolver func(ref Reference) (int64, bool)

// Parser parses PDF objects from an in-memory byte slice.
type Parser struct {
	data          []byte
	pos           int
	depth         int
	resolveLength LengthResolver
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// SetLengthResolver installs the callback used for indirect stream lengths.
func (p *Parser) SetLengthResolver(fn LengthResolver) {
	p.resolveLength = fn
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves the parser to an absolute offset.
func (p *Parser) Seek(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(p.data) {
		pos = len(p.data)
	}
	p.pos = pos
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0 || b == '\f'
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		switch {
		case isWhitespace(b):
			p.pos++
		case b == '%':
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// ReadToken reads a run of regular characters (a keyword or number).
func (p *Parser) ReadToken() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// PeekToken returns the next token without consuming it.
func (p *Parser) PeekToken() string {
	pos := p.pos
	tok := p.ReadToken()
	p.pos = pos
	return tok
}

// ParseObject parses the next direct object or indirect reference.
func (p *Parser) ParseObject() (Object, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}

	switch b := p.data[p.pos]; {
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			p.pos += 2
			return p.parseDictionary()
		}
		return p.parseHexString()
	case b == '[':
		p.pos++
		return p.parseArray()
	case b == '/':
		return p.parseName()
	case b >= '0' && b <= '9':
		return p.parseNumberOrReference()
	case b == '-' || b == '+' || b == '.':
		return p.parseNumber()
	default:
		tok := p.ReadToken()
		switch tok {
		case "true":
			return Boolean(true), nil
		case "false":
			return Boolean(false), nil
		case "null":
			return Null{}, nil
		case "":
			p.pos++
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrInvalidObject, b, p.pos-1)
		}
		return nil, fmt.Errorf("%w: unexpected token %q", ErrInvalidObject, tok)
	}
}

func (p *Parser) parseLiteralString() (*String, error) {
	p.pos++ // (
	var buf bytes.Buffer
	depth := 1
	for {
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated string", ErrInvalidString)
		}
		b := p.data[p.pos]
		p.pos++
		switch b {
		case '(':
			depth++
			buf.WriteByte(b)
		case ')':
			depth--
			if depth == 0 {
				return &String{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(b)
		case '\\':
			if p.pos >= len(p.data) {
				return nil, fmt.Errorf("%w: unterminated escape", ErrInvalidString)
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data); i++ {
						c := p.data[p.pos]
						if c < '0' || c > '7' {
							break
						}
						val = val*8 + int(c-'0')
						p.pos++
					}
					buf.WriteByte(byte(val))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(b)
		}
	}
}

func (p *Parser) parseHexString() (*String, error) {
	p.pos++ // <
	var digits []byte
	for {
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
		}
		b := p.data[p.pos]
		p.pos++
		if b == '>' {
			break
		}
		if isWhitespace(b) {
			continue
		}
		digits = append(digits, b)
	}
	if len(digits)%2 != 0 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	return &String{Value: out, Hex: true}, nil
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > maxNesting {
		return fmt.Errorf("%w: nesting too deep", ErrInvalidObject)
	}
	return nil
}

func (p *Parser) parseDictionary() (*Dictionary, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary)
		}
		if p.data[p.pos] == '>' {
			if p.pos+1 < len(p.data) && p.data[p.pos+1] == '>' {
				p.pos += 2
				return dict, nil
			}
			return nil, fmt.Errorf("%w: expected '>>'", ErrInvalidDictionary)
		}
		if p.data[p.pos] != '/' {
			return nil, fmt.Errorf("%w: key must be a name at offset %d", ErrInvalidDictionary, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: value for key %q: %v", ErrInvalidDictionary, string(key), err)
		}
		// A null value is equivalent to an absent key.
		if _, isNull := value.(Null); isNull {
			continue
		}
		dict.Set(string(key), value)
	}
}

func (p *Parser) parseArray() (Array, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	arr := Array{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidArray)
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArray, err)
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseName() (Name, error) {
	p.pos++ // /
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
		if b == '#' && p.pos+1 < len(p.data) {
			v, err := strconv.ParseUint(string(p.data[p.pos:p.pos+2]), 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: bad escape", ErrInvalidName)
			}
			buf.WriteByte(byte(v))
			p.pos += 2
			continue
		}
		buf.WriteByte(b)
	}
	return Name(buf.String()), nil
}

func (p *Parser) parseNumber() (Object, error) {
	tok := p.ReadToken()
	if tok == "" {
		return nil, fmt.Errorf("%w: empty number", ErrInvalidNumber)
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return Integer(i), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return Real(f), nil
}

// parseNumberOrReference handles "n g R" lookahead after an integer.
func (p *Parser) parseNumberOrReference() (Object, error) {
	first, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	num, ok := first.(Integer)
	if !ok {
		return first, nil
	}

	save := p.pos
	p.SkipWhitespace()
	gen, err := strconv.ParseInt(p.PeekToken(), 10, 64)
	if err != nil {
		p.pos = save
		return num, nil
	}
	p.ReadToken()
	if p.ReadToken() == "R" {
		return Reference{Num: int(num), Gen: int(gen)}, nil
	}
	p.pos = save
	return num, nil
}

// ParseIndirectObject parses "n g obj ... endobj", including stream data.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	num, err := strconv.Atoi(p.ReadToken())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid object number", ErrInvalidObject)
	}
	gen, err := strconv.Atoi(p.ReadToken())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid generation number", ErrInvalidObject)
	}
	if tok := p.ReadToken(); tok != "obj" {
		return nil, fmt.Errorf("%w: expected 'obj', got %q", ErrInvalidObject, tok)
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	if dict, ok := obj.(*Dictionary); ok && p.PeekToken() == "stream" {
		stream, err := p.parseStreamBody(dict)
		if err != nil {
			return nil, err
		}
		obj = stream
	}

	// Some writers omit endobj; tolerate it.
	if p.PeekToken() == "endobj" {
		p.ReadToken()
	}
	return &IndirectObject{Num: num, Gen: gen, Object: obj}, nil
}

func (p *Parser) parseStreamBody(dict *Dictionary) (*Stream, error) {
	p.ReadToken() // stream
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	start := p.pos

	length := int64(-1)
	switch l := dict.Get("Length").(type) {
	case Integer:
		length = int64(l)
	case Reference:
		if p.resolveLength != nil {
			if v, ok := p.resolveLength(l); ok {
				length = v
			}
		}
	}

	if length >= 0 && start+int(length) <= len(p.data) {
		end := start + int(length)
		probe := NewParser(p.data)
		probe.Seek(end)
		if probe.ReadToken() == "endstream" {
			p.pos = probe.pos
			return NewStream(dict, p.data[start:end]), nil
		}
	}

	// Declared length is missing or wrong: scan for the terminator.
	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing endstream", ErrInvalidStream)
	}
	end := start + idx
	if end > start && p.data[end-1] == '\n' {
		end--
	}
	if end > start && p.data[end-1] == '\r' {
		end--
	}
	p.pos = start + idx + len("endstream")
	return NewStream(dict, p.data[start:end]), nil
}
