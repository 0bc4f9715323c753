// Package testpdf builds small, valid PDF files for tests.
package testpdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/georgepadayatti/gopdfsign/pdf/filters"
)

// Options control the generated document.
type Options struct {
	// Pages is the number of pages; at least one.
	Pages int
	// Size pads the file with a comment so that it is exactly Size bytes.
	// Zero means no padding.
	Size int
	// XRefStream writes a cross-reference stream and stores the page
	// objects in a compressed object stream.
	XRefStream bool
	// ID adds a trailer /ID with this first element.
	ID []byte
}

// Minimal returns a one page PDF with a classic xref table.
func Minimal() []byte {
	return MustBuild(Options{Pages: 1})
}

// MustBuild is Build that panics on error.
func MustBuild(opts Options) []byte {
	data, err := Build(opts)
	if err != nil {
		panic(err)
	}
	return data
}

// Build renders a document according to opts.
func Build(opts Options) ([]byte, error) {
	if opts.Pages < 1 {
		opts.Pages = 1
	}
	if opts.XRefStream {
		return buildXRefStream(opts)
	}
	return buildTable(opts)
}

func pageObjects(n int) (kids string, bodies []string) {
	refs := make([]string, n)
	for i := 0; i < n; i++ {
		refs[i] = fmt.Sprintf("%d 0 R", 3+i)
		bodies = append(bodies, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	return strings.Join(refs, " "), bodies
}

func trailerID(id []byte) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf(" /ID [<%X> <%X>]", id, id)
}

func buildTable(opts Options) ([]byte, error) {
	kids, pages := pageObjects(opts.Pages)
	bodies := append([]string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, opts.Pages),
	}, pages...)

	var body bytes.Buffer
	body.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	offsets := make([]int, len(bodies))
	for i, b := range bodies {
		offsets[i] = body.Len()
		fmt.Fprintf(&body, "%d 0 obj\n%s\nendobj\n", i+1, b)
	}

	tail := func(xrefOffset int) string {
		var t strings.Builder
		fmt.Fprintf(&t, "xref\n0 %d\n0000000000 65535 f \n", len(bodies)+1)
		for _, off := range offsets {
			fmt.Fprintf(&t, "%010d 00000 n \n", off)
		}
		fmt.Fprintf(&t, "trailer\n<< /Size %d /Root 1 0 R%s >>\nstartxref\n%d\n%%%%EOF\n",
			len(bodies)+1, trailerID(opts.ID), xrefOffset)
		return t.String()
	}
	return pad(body.Bytes(), opts.Size, tail)
}

// pad inserts a comment line between the body and the tail so that the
// result is exactly size bytes long.
func pad(body []byte, size int, tail func(xrefOffset int) string) ([]byte, error) {
	if size == 0 {
		return append(body, tail(len(body))...), nil
	}
	padding := 0
	for i := 0; i < 3; i++ {
		t := tail(len(body) + padding)
		padding = size - len(body) - len(t)
		if padding < 2 {
			return nil, fmt.Errorf("testpdf: size %d too small, need at least %d", size, len(body)+len(t)+2)
		}
	}
	out := make([]byte, 0, size)
	out = append(out, body...)
	out = append(out, '%')
	out = append(out, bytes.Repeat([]byte{'x'}, padding-2)...)
	out = append(out, '\n')
	out = append(out, tail(len(body)+padding)...)
	if len(out) != size {
		return nil, fmt.Errorf("testpdf: produced %d bytes, want %d", len(out), size)
	}
	return out, nil
}

func buildXRefStream(opts Options) ([]byte, error) {
	kids, pages := pageObjects(opts.Pages)
	compressed := append([]string{
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, opts.Pages),
	}, pages...)

	// Object stream holds objects 2..; object 1 (catalog) stays uncompressed.
	var header, objs strings.Builder
	for i, c := range compressed {
		fmt.Fprintf(&header, "%d %d ", 2+i, objs.Len())
		objs.WriteString(c)
		objs.WriteString("\n")
	}
	raw := header.String() + objs.String()
	packed, err := filters.FlateEncode([]byte(raw))
	if err != nil {
		return nil, err
	}

	streamNum := 2 + len(compressed)
	xrefNum := streamNum + 1
	size := xrefNum + 1

	var body bytes.Buffer
	body.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	catalogOff := body.Len()
	body.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	streamOff := body.Len()
	fmt.Fprintf(&body, "%d 0 obj\n<< /Type /ObjStm /N %d /First %d /Filter /FlateDecode /Length %d >>\nstream\n",
		streamNum, len(compressed), header.Len(), len(packed))
	body.Write(packed)
	body.WriteString("\nendstream\nendobj\n")

	tail := func(xrefOffset int) string {
		var rows bytes.Buffer
		row := func(kind byte, f2 int, f3 int) {
			rows.WriteByte(kind)
			rows.Write([]byte{byte(f2 >> 24), byte(f2 >> 16), byte(f2 >> 8), byte(f2)})
			rows.Write([]byte{byte(f3 >> 8), byte(f3)})
		}
		row(0, 0, 0xffff)
		row(1, catalogOff, 0)
		for i := range compressed {
			row(2, streamNum, i)
		}
		row(1, streamOff, 0)
		row(1, xrefOffset, 0)
		enc, _ := filters.FlateEncode(rows.Bytes())
		return fmt.Sprintf("%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root 1 0 R%s /Filter /FlateDecode /Length %d >>\nstream\n%s\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n",
			xrefNum, size, trailerID(opts.ID), len(enc), enc, xrefOffset)
	}
	return pad(body.Bytes(), opts.Size, tail)
}
