package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/gopdfsign/pdf/filters"
	"github.com/georgepadayatti/gopdfsign/pdf/generic"
)

// XRefType distinguishes the three kinds of cross-reference entries.
type XRefType int

const (
	XRefFree XRefType = iota
	XRefInUse
	XRefCompressed
)

// XRefEntry locates one object.
type XRefEntry struct {
	Type       XRefType
	Offset     int64 // byte offset for XRefInUse
	Generation int
	// For XRefCompressed: containing object stream and index inside it.
	StreamObject int
	StreamIndex  int
}

// findStartXRef returns the offset named by the last startxref keyword.
func findStartXRef(data []byte) (int64, error) {
	pos := bytes.LastIndex(data, []byte("startxref"))
	if pos < 0 {
		return 0, ErrNoXRef
	}
	p := generic.NewParserAt(data, int64(pos+len("startxref")))
	tok := p.Keyword()
	offset, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || offset < 0 || offset >= int64(len(data)) {
		return 0, fmt.Errorf("%w: bad startxref offset %q", ErrInvalidXRef, tok)
	}
	return offset, nil
}

// loadXRefChain walks the /Prev chain from the newest section backwards.
// Newer sections win, so entries are only recorded for unseen object numbers.
func (r *PdfFileReader) loadXRefChain(offset int64) error {
	visited := make(map[int64]bool)
	for {
		if visited[offset] {
			return fmt.Errorf("%w: /Prev loop at offset %d", ErrInvalidXRef, offset)
		}
		visited[offset] = true

		p := generic.NewParserAt(r.data, offset)
		p.SkipWhitespace()
		var (
			trailer *generic.DictionaryObject
			err     error
		)
		if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
			trailer, err = r.readXRefTable(p)
			if err == nil {
				// Hybrid files point at a supplementary xref stream.
				if stm, ok := trailer.GetInt("XRefStm"); ok && !visited[stm] {
					visited[stm] = true
					if _, err := r.readXRefStream(stm); err != nil {
						return err
					}
				}
			}
		} else {
			trailer, err = r.readXRefStream(p.Pos())
			r.HasXRefStream = true
		}
		if err != nil {
			return err
		}
		if r.Trailer == nil {
			r.Trailer = trailer
		}

		prev, ok := trailer.GetInt("Prev")
		if !ok {
			return nil
		}
		if prev < 0 || prev >= int64(len(r.data)) {
			return fmt.Errorf("%w: /Prev %d out of range", ErrInvalidXRef, prev)
		}
		offset = prev
	}
}

func (r *PdfFileReader) record(objNum int, e XRefEntry) {
	if _, seen := r.xref[objNum]; !seen {
		r.xref[objNum] = e
	}
}

func (r *PdfFileReader) readXRefTable(p *generic.Parser) (*generic.DictionaryObject, error) {
	if err := p.ExpectKeyword("xref"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXRef, err)
	}
	for {
		save := p.Pos()
		tok := p.Keyword()
		if tok == "trailer" {
			break
		}
		start, err := strconv.Atoi(tok)
		if err != nil {
			p.Seek(save)
			return nil, fmt.Errorf("%w: bad subsection header %q", ErrInvalidXRef, tok)
		}
		count, err := strconv.Atoi(p.Keyword())
		if err != nil {
			return nil, fmt.Errorf("%w: bad subsection count", ErrInvalidXRef)
		}
		for i := 0; i < count; i++ {
			off, err1 := strconv.ParseInt(p.Keyword(), 10, 64)
			gen, err2 := strconv.Atoi(p.Keyword())
			kind := p.Keyword()
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: bad entry for object %d", ErrInvalidXRef, start+i)
			}
			e := XRefEntry{Type: XRefFree, Generation: gen}
			if kind == "n" {
				e = XRefEntry{Type: XRefInUse, Offset: off, Generation: gen}
			}
			r.record(start+i, e)
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrInvalidXRef, err)
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrInvalidXRef)
	}
	return trailer, nil
}

func (r *PdfFileReader) readXRefStream(offset int64) (*generic.DictionaryObject, error) {
	p := generic.NewParserAt(r.data, offset)
	p.ResolveLength = r.resolveLength
	obj, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}
	stream, ok := obj.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: no xref at offset %d", ErrInvalidXRef, offset)
	}
	dict := stream.Dictionary

	data, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}

	w, err := intArray(dict.Get("W"))
	if err != nil || len(w) != 3 {
		return nil, fmt.Errorf("%w: /W must hold three integers", ErrInvalidXRef)
	}
	width := w[0] + w[1] + w[2]
	if width == 0 {
		return nil, fmt.Errorf("%w: zero-width xref entries", ErrInvalidXRef)
	}

	index, err := intArray(dict.Get("Index"))
	if err != nil || len(index) == 0 {
		size, _ := dict.GetInt("Size")
		index = []int{0, int(size)}
	}
	if len(index)%2 != 0 {
		return nil, fmt.Errorf("%w: odd /Index length", ErrInvalidXRef)
	}

	pos := 0
	for i := 0; i < len(index); i += 2 {
		for j := 0; j < index[i+1]; j++ {
			if pos+width > len(data) {
				return nil, fmt.Errorf("%w: xref stream truncated", ErrInvalidXRef)
			}
			row := data[pos : pos+width]
			pos += width

			kind := int64(1)
			if w[0] > 0 {
				kind = field(row[:w[0]])
			}
			f2 := field(row[w[0] : w[0]+w[1]])
			f3 := field(row[w[0]+w[1]:])

			var e XRefEntry
			switch kind {
			case 0:
				e = XRefEntry{Type: XRefFree, Generation: int(f3)}
			case 1:
				e = XRefEntry{Type: XRefInUse, Offset: f2, Generation: int(f3)}
			case 2:
				e = XRefEntry{Type: XRefCompressed, StreamObject: int(f2), StreamIndex: int(f3)}
			default:
				// Unknown types are treated as null references.
				continue
			}
			r.record(index[i]+j, e)
		}
	}
	return dict, nil
}

func field(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func intArray(obj generic.PdfObject) ([]int, error) {
	arr, ok := obj.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	out := make([]int, len(arr))
	for i, item := range arr {
		n, ok := item.(generic.IntegerObject)
		if !ok {
			return nil, fmt.Errorf("array entry %d is not an integer", i)
		}
		out[i] = int(n)
	}
	return out, nil
}

// resolveLength is used by the parser for indirect /Length values. Only
// uncompressed objects are consulted so that it never recurses into a
// stream that is itself being parsed.
func (r *PdfFileReader) resolveLength(ref generic.Reference) (int64, bool) {
	e, ok := r.xref[ref.ObjectNumber]
	if !ok || e.Type != XRefInUse {
		return 0, false
	}
	obj, err := generic.NewParserAt(r.data, e.Offset).ParseIndirectObject()
	if err != nil {
		return 0, false
	}
	n, ok := obj.Object.(generic.IntegerObject)
	return int64(n), ok
}
