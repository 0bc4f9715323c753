// Package writer appends incremental updates to existing PDF files.
//
// The original bytes are reproduced unmodified; new and changed objects, a
// cross-reference section and a trailer are appended after them.
package writer

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/gopdfsign/pdf/filters"
	"github.com/georgepadayatti/gopdfsign/pdf/generic"
	"github.com/georgepadayatti/gopdfsign/pdf/reader"
)

// Common errors
var (
	ErrAlreadySerialized = errors.New("incremental update already serialized")
	ErrNoPlaceholder     = errors.New("no signature placeholder registered")
)

// IncrementalWriter collects changes to a parsed document and serializes them
// as one incremental update.
type IncrementalWriter struct {
	reader     *reader.PdfFileReader
	objects    map[int]*generic.IndirectObject
	nextObjNum int

	// XRefStream selects a cross-reference stream instead of a table. It
	// defaults to whatever the input file uses.
	XRefStream bool
	// Rand is the entropy source for the second /ID element.
	Rand io.Reader

	placeholder *SignaturePlaceholder
	serialized  bool
}

// NewIncrementalWriter starts an update on top of r.
func NewIncrementalWriter(r *reader.PdfFileReader) *IncrementalWriter {
	return &IncrementalWriter{
		reader:     r,
		objects:    make(map[int]*generic.IndirectObject),
		nextObjNum: r.Size(),
		XRefStream: r.HasXRefStream,
		Rand:       rand.Reader,
	}
}

// PageCount returns the number of pages in the document.
func (w *IncrementalWriter) PageCount() int {
	return w.reader.PageCount()
}

// AddObject allocates a new object number for obj.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ref := generic.Reference{ObjectNumber: w.nextObjNum}
	w.nextObjNum++
	w.objects[ref.ObjectNumber] = &generic.IndirectObject{ObjectNumber: ref.ObjectNumber, Object: obj}
	return ref
}

// UpdateObject replaces the object behind ref in the update.
func (w *IncrementalWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = &generic.IndirectObject{
		ObjectNumber:     ref.ObjectNumber,
		GenerationNumber: ref.GenerationNumber,
		Object:           obj,
	}
}

// GetObject returns the current version of ref, preferring pending updates.
func (w *IncrementalWriter) GetObject(ref generic.Reference) (generic.PdfObject, error) {
	if obj, ok := w.objects[ref.ObjectNumber]; ok {
		return obj.Object, nil
	}
	return w.reader.GetObject(ref)
}

// Resolve follows references through pending updates and the original file.
func (w *IncrementalWriter) Resolve(obj generic.PdfObject) generic.PdfObject {
	ref, ok := obj.(generic.Reference)
	if !ok {
		return obj
	}
	resolved, err := w.GetObject(ref)
	if err != nil {
		return generic.Null
	}
	return resolved
}

// SerializeIncremental writes the original document followed by the update to
// out. When a signature placeholder is registered, the /ByteRange entry is
// filled in and the resulting descriptor returned; the /Contents placeholder
// is left blank for the caller to fill.
func (w *IncrementalWriter) SerializeIncremental(out io.Writer) (ByteRangeDescriptor, error) {
	if w.serialized {
		return ByteRangeDescriptor{}, ErrAlreadySerialized
	}
	if w.placeholder == nil {
		return ByteRangeDescriptor{}, ErrNoPlaceholder
	}
	data, err := w.serialize()
	if err != nil {
		return ByteRangeDescriptor{}, err
	}
	w.serialized = true

	ph := w.placeholder
	d := ByteRangeDescriptor{
		PreOffset:  0,
		PreLength:  ph.contents.offset,
		PostOffset: ph.contents.offset + ph.contents.length(),
	}
	d.PostLength = int64(len(data)) - d.PostOffset
	if err := d.Validate(int64(len(data))); err != nil {
		return ByteRangeDescriptor{}, err
	}
	if err := ph.byteRange.patch(data, d); err != nil {
		return ByteRangeDescriptor{}, err
	}
	ph.descriptor = d

	if _, err := out.Write(data); err != nil {
		return ByteRangeDescriptor{}, err
	}
	return d, nil
}

func (w *IncrementalWriter) serialize() ([]byte, error) {
	buf := &outputBuffer{}
	original := w.reader.Data()
	buf.Write(original)
	if !w.reader.EndsWithEOL() {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums)+1)
	for _, n := range nums {
		offsets[n] = buf.Position()
		if err := w.objects[n].Write(buf); err != nil {
			return nil, fmt.Errorf("writing object %d: %w", n, err)
		}
	}

	trailer, err := w.trailer()
	if err != nil {
		return nil, err
	}
	if w.XRefStream {
		err = w.writeXRefStream(buf, offsets, trailer)
	} else {
		err = w.writeXRefTable(buf, offsets, trailer)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// trailer builds the entries shared by table and stream trailers.
func (w *IncrementalWriter) trailer() (*generic.DictionaryObject, error) {
	old := w.reader.Trailer
	t := generic.NewDictionary()
	t.Set("Size", generic.IntegerObject(w.nextObjNum))
	t.Set("Root", w.reader.RootRef)
	if info, ok := old.Get("Info").(generic.Reference); ok {
		t.Set("Info", info)
	}

	second := make([]byte, 16)
	if _, err := io.ReadFull(w.Rand, second); err != nil {
		return nil, fmt.Errorf("generating document ID: %w", err)
	}
	first, _, ok := w.reader.DocumentID()
	if !ok {
		first = append([]byte(nil), second...)
	}
	t.Set("ID", generic.ArrayObject{generic.NewHexString(first), generic.NewHexString(second)})
	t.Set("Prev", generic.IntegerObject(w.reader.StartXRef))
	return t, nil
}

type subsection struct {
	start int
	nums  []int
}

func subsections(nums []int) []subsection {
	sort.Ints(nums)
	var out []subsection
	for _, n := range nums {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.start+len(last.nums) == n {
				last.nums = append(last.nums, n)
				continue
			}
		}
		out = append(out, subsection{start: n, nums: []int{n}})
	}
	return out
}

func keys(m map[int]int64) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (w *IncrementalWriter) writeXRefTable(buf *outputBuffer, offsets map[int]int64, trailer *generic.DictionaryObject) error {
	xrefOffset := buf.Position()
	buf.WriteString("xref\n")
	for _, sub := range subsections(keys(offsets)) {
		fmt.Fprintf(buf, "%d %d\n", sub.start, len(sub.nums))
		for _, n := range sub.nums {
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[n], w.objects[n].GenerationNumber)
		}
	}
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func (w *IncrementalWriter) writeXRefStream(buf *outputBuffer, offsets map[int]int64, trailer *generic.DictionaryObject) error {
	xrefNum := w.nextObjNum
	w.nextObjNum++
	trailer.Set("Size", generic.IntegerObject(w.nextObjNum))

	xrefOffset := buf.Position()
	offsets[xrefNum] = xrefOffset

	width := 1
	for v := xrefOffset; v > 0xff; v >>= 8 {
		width++
	}

	var index generic.ArrayObject
	var rows []byte
	for _, sub := range subsections(keys(offsets)) {
		index = append(index, generic.IntegerObject(sub.start), generic.IntegerObject(len(sub.nums)))
		for _, n := range sub.nums {
			gen := 0
			if obj, ok := w.objects[n]; ok {
				gen = obj.GenerationNumber
			}
			rows = append(rows, 1)
			for i := width - 1; i >= 0; i-- {
				rows = append(rows, byte(offsets[n]>>(8*i)))
			}
			rows = append(rows, byte(gen>>8), byte(gen))
		}
	}
	packed, err := filters.FlateEncode(rows)
	if err != nil {
		return err
	}

	dict := trailer.Clone()
	dict.Set("Type", generic.NameObject("XRef"))
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(width), generic.IntegerObject(2)})
	dict.Set("Index", index)
	dict.Set("Filter", generic.NameObject("FlateDecode"))

	obj := &generic.IndirectObject{ObjectNumber: xrefNum, Object: &generic.StreamObject{Dictionary: dict, Data: packed}}
	if err := obj.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}
