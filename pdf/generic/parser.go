package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Parse errors
var (
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrInvalidObject    = errors.New("invalid PDF object")
	ErrInvalidString    = errors.New("invalid PDF string")
	ErrInvalidNumber    = errors.New("invalid PDF number")
	ErrInvalidReference = errors.New("invalid PDF reference")
)

// LengthResolver resolves an indirect /Length entry of a stream.
type LengthResolver func(ref Reference) (int64, bool)

// Parser reads PDF objects from an in-memory buffer.
type Parser struct {
	data []byte
	pos  int

	// ResolveLength is consulted when a stream's /Length is indirect.
	ResolveLength LengthResolver
}

// NewParser creates a parser positioned at offset 0.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// NewParserAt creates a parser positioned at offset.
func NewParserAt(data []byte, offset int64) *Parser {
	return &Parser{data: data, pos: int(offset)}
}

// Pos returns the current offset.
func (p *Parser) Pos() int64 { return int64(p.pos) }

// Seek moves to an absolute offset.
func (p *Parser) Seek(offset int64) { p.pos = int(offset) }

func isWhitespace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		switch {
		case isWhitespace(c):
			p.pos++
		case c == '%':
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// Keyword reads a run of regular characters.
func (p *Parser) Keyword() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ExpectKeyword consumes kw or fails.
func (p *Parser) ExpectKeyword(kw string) error {
	save := p.pos
	if got := p.Keyword(); got != kw {
		p.pos = save
		return fmt.Errorf("%w: expected %q at offset %d, got %q", ErrInvalidObject, kw, save, got)
	}
	return nil
}

// ParseObject parses one direct object. "n g R" sequences become References.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}
	switch c := p.data[p.pos]; {
	case c == '/':
		return p.parseName()
	case c == '(':
		return p.parseLiteralString()
	case c == '[':
		return p.parseArray()
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumberOrReference()
	default:
		switch kw := p.Keyword(); kw {
		case "true":
			return BooleanObject(true), nil
		case "false":
			return BooleanObject(false), nil
		case "null":
			return Null, nil
		case "":
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidObject, c, p.pos)
		default:
			return nil, fmt.Errorf("%w: unexpected keyword %q", ErrInvalidObject, kw)
		}
	}
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++ // '/'
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				buf.WriteByte(byte(v))
				p.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		p.pos++
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for {
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated literal string", ErrInvalidString)
		}
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
		case '\\':
			if p.pos >= len(p.data) {
				return nil, fmt.Errorf("%w: dangling escape", ErrInvalidString)
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
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; i++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
			continue
		}
		buf.WriteByte(c)
	}
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++ // '<'
	end := bytes.IndexByte(p.data[p.pos:], '>')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
	}
	digits := make([]byte, 0, end)
	for _, c := range p.data[p.pos : p.pos+end] {
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	p.pos += end + 1
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	value := make([]byte, len(digits)/2)
	if _, err := hex.Decode(value, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	return &StringObject{Value: value, IsHex: true}, nil
}

func (p *Parser) parseArray() (ArrayObject, error) {
	p.pos++ // '['
	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidObject)
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		item, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	p.pos += 2 // '<<'
	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos+1 >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidObject)
		}
		if p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return dict, nil
		}
		if p.data[p.pos] != '/' {
			return nil, fmt.Errorf("%w: dictionary key must be a name at offset %d", ErrInvalidObject, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("dictionary entry /%s: %w", key, err)
		}
		dict.Set(string(key), value)
	}
}

func (p *Parser) readNumberToken() string {
	start := p.pos
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
			p.pos++
			continue
		}
		break
	}
	return string(p.data[start:p.pos])
}

func parseNumber(tok string) (PdfObject, error) {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntegerObject(i), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return RealObject(f), nil
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	first, err := parseNumber(p.readNumberToken())
	if err != nil {
		return nil, err
	}
	objNum, ok := first.(IntegerObject)
	if !ok || objNum < 0 {
		return first, nil
	}

	save := p.pos
	p.SkipWhitespace()
	if p.pos >= len(p.data) || p.data[p.pos] < '0' || p.data[p.pos] > '9' {
		p.pos = save
		return first, nil
	}
	second, err := parseNumber(p.readNumberToken())
	gen, isInt := second.(IntegerObject)
	if err != nil || !isInt {
		p.pos = save
		return first, nil
	}
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
		(p.pos+1 == len(p.data) || isWhitespace(p.data[p.pos+1]) || isDelimiter(p.data[p.pos+1])) {
		p.pos++
		return Reference{ObjectNumber: int(objNum), GenerationNumber: int(gen)}, nil
	}
	p.pos = save
	return first, nil
}

// ParseIndirectObject parses "n g obj ... endobj" at the current offset.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.SkipWhitespace()
	num, err := parseNumber(p.readNumberToken())
	if err != nil {
		return nil, fmt.Errorf("%w: object number: %v", ErrInvalidObject, err)
	}
	p.SkipWhitespace()
	gen, err := parseNumber(p.readNumberToken())
	if err != nil {
		return nil, fmt.Errorf("%w: generation number: %v", ErrInvalidObject, err)
	}
	objNum, ok1 := num.(IntegerObject)
	genNum, ok2 := gen.(IntegerObject)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: non-integer object header", ErrInvalidObject)
	}
	if err := p.ExpectKeyword("obj"); err != nil {
		return nil, err
	}

	body, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("object %d %d: %w", objNum, genNum, err)
	}

	save := p.pos
	if dict, ok := body.(*DictionaryObject); ok && p.Keyword() == "stream" {
		data, err := p.readStreamData(dict)
		if err != nil {
			return nil, fmt.Errorf("object %d %d: %w", objNum, genNum, err)
		}
		body = &StreamObject{Dictionary: dict, Data: data}
	} else {
		p.pos = save
	}

	// Some producers omit endobj; tolerate it.
	save = p.pos
	if p.Keyword() != "endobj" {
		p.pos = save
	}

	return &IndirectObject{ObjectNumber: int(objNum), GenerationNumber: int(genNum), Object: body}, nil
}

func (p *Parser) readStreamData(dict *DictionaryObject) ([]byte, error) {
	// EOL after the keyword is CRLF or LF.
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}

	length := int64(-1)
	switch v := dict.Get("Length").(type) {
	case IntegerObject:
		length = int64(v)
	case Reference:
		if p.ResolveLength != nil {
			if l, ok := p.ResolveLength(v); ok {
				length = l
			}
		}
	}

	start := p.pos
	if length >= 0 && start+int(length) <= len(p.data) {
		p.pos = start + int(length)
		save := p.pos
		if p.Keyword() == "endstream" {
			return p.data[start : start+int(length)], nil
		}
		p.pos = save
	}

	// Length missing or wrong: scan for the keyword.
	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing endstream", ErrInvalidObject)
	}
	end := start + idx
	p.pos = end + len("endstream")
	for end > start && (p.data[end-1] == '\n' || p.data[end-1] == '\r') {
		end--
	}
	return p.data[start:end], nil
}
