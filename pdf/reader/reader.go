// Package reader parses existing PDF files far enough to append an
// incremental update: the cross-reference chain, object streams, the
// document catalog and the page tree.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/georgepadayatti/gopdfsign/pdf/filters"
	"github.com/georgepadayatti/gopdfsign/pdf/generic"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrObjectNotFound = errors.New("object not found")
	ErrEncrypted      = errors.New("encrypted PDF files are not supported")
	ErrPageOutOfRange = errors.New("page index out of range")
)

var headerRegex = regexp.MustCompile(`%PDF-(\d\.\d)`)

// maxPageTreeDepth bounds recursion on malformed page trees.
const maxPageTreeDepth = 64

// PdfFileReader gives read access to the objects of a PDF file.
type PdfFileReader struct {
	data    []byte
	Version string
	// Trailer is the newest trailer dictionary.
	Trailer *generic.DictionaryObject
	// StartXRef is the offset of the newest cross-reference section.
	StartXRef     int64
	HasXRefStream bool

	Root    *generic.DictionaryObject
	RootRef generic.Reference

	xref  map[int]XRefEntry
	cache map[int]generic.PdfObject
	pages []generic.Reference
}

// Open reads and parses the file at path.
func Open(path string) (*PdfFileReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReader reads r fully and parses it.
func NewPdfFileReader(r io.Reader) (*PdfFileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF data: %w", err)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes parses data. The slice is retained and must not be
// modified afterwards.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:  data,
		xref:  make(map[int]XRefEntry),
		cache: make(map[int]generic.PdfObject),
	}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) parse() error {
	head := r.data
	if len(head) > 1024 {
		head = head[:1024]
	}
	m := headerRegex.FindSubmatch(head)
	if m == nil {
		return fmt.Errorf("%w: missing %%PDF header", ErrInvalidPDF)
	}
	r.Version = string(m[1])

	offset, err := findStartXRef(r.data)
	if err != nil {
		return err
	}
	r.StartXRef = offset
	if err := r.loadXRefChain(offset); err != nil {
		return err
	}

	if r.Trailer.Has("Encrypt") {
		return ErrEncrypted
	}

	rootRef, ok := r.Trailer.Get("Root").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root reference", ErrInvalidPDF)
	}
	root, err := r.GetDict(rootRef)
	if err != nil {
		return fmt.Errorf("%w: catalog: %v", ErrInvalidPDF, err)
	}
	r.Root, r.RootRef = root, rootRef

	pagesRef, ok := root.Get("Pages").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrInvalidPDF)
	}
	return r.walkPages(pagesRef, map[int]bool{}, 0)
}

func (r *PdfFileReader) walkPages(ref generic.Reference, seen map[int]bool, depth int) error {
	if seen[ref.ObjectNumber] || depth > maxPageTreeDepth {
		return fmt.Errorf("%w: page tree cycle at object %d", ErrInvalidPDF, ref.ObjectNumber)
	}
	seen[ref.ObjectNumber] = true

	node, err := r.GetDict(ref)
	if err != nil {
		return fmt.Errorf("%w: page tree node %s: %v", ErrInvalidPDF, ref, err)
	}
	if node.GetName("Type") == "Page" || !node.Has("Kids") {
		r.pages = append(r.pages, ref)
		return nil
	}
	kids, ok := r.Resolve(node.Get("Kids")).(generic.ArrayObject)
	if !ok {
		return fmt.Errorf("%w: /Kids of %s is not an array", ErrInvalidPDF, ref)
	}
	for _, kid := range kids {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			return fmt.Errorf("%w: page tree kid is not a reference", ErrInvalidPDF)
		}
		if err := r.walkPages(kidRef, seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Data returns the original file bytes.
func (r *PdfFileReader) Data() []byte {
	return r.data
}

// Size returns the trailer /Size, the first unused object number.
func (r *PdfFileReader) Size() int {
	size, _ := r.Trailer.GetInt("Size")
	max := 0
	for n := range r.xref {
		if n > max {
			max = n
		}
	}
	if int(size) <= max {
		return max + 1
	}
	return int(size)
}

// PageCount returns the number of pages.
func (r *PdfFileReader) PageCount() int {
	return len(r.pages)
}

// PageRef returns the reference of the page at index (0-based).
func (r *PdfFileReader) PageRef(index int) (generic.Reference, error) {
	if index < 0 || index >= len(r.pages) {
		return generic.Reference{}, fmt.Errorf("%w: %d not in [0, %d)", ErrPageOutOfRange, index, len(r.pages))
	}
	return r.pages[index], nil
}

// DocumentID returns the two elements of the trailer /ID, if present.
func (r *PdfFileReader) DocumentID() ([]byte, []byte, bool) {
	arr, ok := r.Resolve(r.Trailer.Get("ID")).(generic.ArrayObject)
	if !ok || len(arr) != 2 {
		return nil, nil, false
	}
	first, ok1 := r.Resolve(arr[0]).(*generic.StringObject)
	second, ok2 := r.Resolve(arr[1]).(*generic.StringObject)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	return first.Value, second.Value, true
}

// GetObject loads the object behind ref.
func (r *PdfFileReader) GetObject(ref generic.Reference) (generic.PdfObject, error) {
	if obj, ok := r.cache[ref.ObjectNumber]; ok {
		return obj, nil
	}
	e, ok := r.xref[ref.ObjectNumber]
	if !ok || e.Type == XRefFree {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}

	var (
		obj generic.PdfObject
		err error
	)
	switch e.Type {
	case XRefInUse:
		obj, err = r.objectAt(ref, e.Offset)
	case XRefCompressed:
		obj, err = r.objectInStream(ref, e.StreamObject, e.StreamIndex)
	}
	if err != nil {
		return nil, err
	}
	r.cache[ref.ObjectNumber] = obj
	return obj, nil
}

// GetDict loads ref and requires a dictionary (a stream's dictionary counts).
func (r *PdfFileReader) GetDict(ref generic.Reference) (*generic.DictionaryObject, error) {
	obj, err := r.GetObject(ref)
	if err != nil {
		return nil, err
	}
	switch v := obj.(type) {
	case *generic.DictionaryObject:
		return v, nil
	case *generic.StreamObject:
		return v.Dictionary, nil
	}
	return nil, fmt.Errorf("%w: %s is %T, not a dictionary", ErrInvalidPDF, ref, obj)
}

// Resolve follows obj if it is a reference. Unresolvable references yield
// null, as PDF readers are required to treat them.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) generic.PdfObject {
	ref, ok := obj.(generic.Reference)
	if !ok {
		return obj
	}
	resolved, err := r.GetObject(ref)
	if err != nil {
		return generic.Null
	}
	return resolved
}

func (r *PdfFileReader) objectAt(ref generic.Reference, offset int64) (generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: %s offset %d out of range", ErrObjectNotFound, ref, offset)
	}
	p := generic.NewParserAt(r.data, offset)
	p.ResolveLength = r.resolveLength
	obj, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", ref, err)
	}
	if obj.ObjectNumber != ref.ObjectNumber {
		return nil, fmt.Errorf("%w: xref for %s points at object %d", ErrInvalidXRef, ref, obj.ObjectNumber)
	}
	return obj.Object, nil
}

func (r *PdfFileReader) objectInStream(ref generic.Reference, streamNum, index int) (generic.PdfObject, error) {
	container, err := r.GetObject(generic.Reference{ObjectNumber: streamNum})
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", streamNum, err)
	}
	stream, ok := container.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "ObjStm" {
		return nil, fmt.Errorf("%w: object %d is not an object stream", ErrInvalidPDF, streamNum)
	}
	data, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", streamNum, err)
	}
	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	if first < 0 || first > int64(len(data)) {
		return nil, fmt.Errorf("%w: object stream %d has /First %d outside its data", ErrInvalidPDF, streamNum, first)
	}
	if index < 0 || int64(index) >= n {
		return nil, fmt.Errorf("%w: %s index %d outside object stream %d", ErrObjectNotFound, ref, index, streamNum)
	}

	header := generic.NewParser(data[:first])
	var objNum, offset int64
	for i := 0; i <= index; i++ {
		a, err1 := header.ParseObject()
		b, err2 := header.ParseObject()
		an, ok1 := a.(generic.IntegerObject)
		bn, ok2 := b.(generic.IntegerObject)
		if err1 != nil || err2 != nil || !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: malformed header in object stream %d", ErrInvalidPDF, streamNum)
		}
		objNum, offset = int64(an), int64(bn)
	}
	if int(objNum) != ref.ObjectNumber {
		return nil, fmt.Errorf("%w: object stream %d slot %d holds object %d", ErrInvalidXRef, streamNum, index, objNum)
	}
	if offset < 0 || first+offset >= int64(len(data)) {
		return nil, fmt.Errorf("%w: object stream %d offset %d outside its data", ErrInvalidPDF, streamNum, offset)
	}
	return generic.NewParserAt(data, first+offset).ParseObject()
}

// HasSignatureFields reports whether the AcroForm already contains a
// signature field, i.e. whether the file has been signed before.
func (r *PdfFileReader) HasSignatureFields() bool {
	form, ok := r.Resolve(r.Root.Get("AcroForm")).(*generic.DictionaryObject)
	if !ok {
		return false
	}
	fields, _ := r.Resolve(form.Get("Fields")).(generic.ArrayObject)
	for _, f := range fields {
		field, ok := r.Resolve(f).(*generic.DictionaryObject)
		if ok && field.GetName("FT") == "Sig" && field.Has("V") {
			return true
		}
	}
	return false
}

// EndsWithEOL reports whether the original data ends in a line break.
func (r *PdfFileReader) EndsWithEOL() bool {
	return bytes.HasSuffix(r.data, []byte("\n")) || bytes.HasSuffix(r.data, []byte("\r"))
}
