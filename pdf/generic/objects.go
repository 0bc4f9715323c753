// Package generic provides the PDF object model used by the reader and the
// incremental writer.
package generic

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// PdfObject is any value that can be serialized in PDF syntax.
type PdfObject interface {
	// Write serializes the object to w.
	Write(w io.Writer) error
}

// Reference is an indirect reference ("12 0 R").
type Reference struct {
	ObjectNumber     int
	GenerationNumber int
}

// Write implements PdfObject.
func (r Reference) Write(w io.Writer) error {
	_, err := io.WriteString(w, r.String())
	return err
}

func (r Reference) String() string {
	return strconv.Itoa(r.ObjectNumber) + " " + strconv.Itoa(r.GenerationNumber) + " R"
}

// IndirectObject is an object body together with its object and generation numbers.
type IndirectObject struct {
	ObjectNumber     int
	GenerationNumber int
	Object           PdfObject
}

// Reference returns a reference pointing at this object.
func (o *IndirectObject) Reference() Reference {
	return Reference{ObjectNumber: o.ObjectNumber, GenerationNumber: o.GenerationNumber}
}

// Write implements PdfObject.
func (o *IndirectObject) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", o.ObjectNumber, o.GenerationNumber); err != nil {
		return err
	}
	body := o.Object
	if body == nil {
		body = Null
	}
	if err := body.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// NullObject is the PDF null value.
type NullObject struct{}

// Null is the shared null value.
var Null = NullObject{}

// Write implements PdfObject.
func (NullObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// BooleanObject is a PDF boolean.
type BooleanObject bool

// Write implements PdfObject.
func (b BooleanObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

// IntegerObject is a PDF integer.
type IntegerObject int64

// Write implements PdfObject.
func (i IntegerObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// RealObject is a PDF real number.
type RealObject float64

// Write implements PdfObject.
func (r RealObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}

// NameObject is a PDF name, stored without the leading slash.
type NameObject string

// Write implements PdfObject.
func (n NameObject) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			fmt.Fprintf(&buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// StringObject is a PDF string. Hex strings keep their form on output.
type StringObject struct {
	Value []byte
	IsHex bool
}

// NewLiteralString creates a literal string from raw bytes.
func NewLiteralString(s string) *StringObject {
	return &StringObject{Value: []byte(s)}
}

// NewHexString creates a hex string.
func NewHexString(data []byte) *StringObject {
	return &StringObject{Value: data, IsHex: true}
}

// Write implements PdfObject.
func (s *StringObject) Write(w io.Writer) error {
	var buf bytes.Buffer
	if s.IsHex {
		fmt.Fprintf(&buf, "<%X>", s.Value)
		_, err := w.Write(buf.Bytes())
		return err
	}
	buf.WriteByte('(')
	for _, c := range s.Value {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if c < 0x20 || c > 0x7e {
				fmt.Fprintf(&buf, "\\%03o", c)
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

// ArrayObject is a PDF array.
type ArrayObject []PdfObject

// Write implements PdfObject.
func (a ArrayObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if item == nil {
			item = Null
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// DictionaryObject is a PDF dictionary that keeps key insertion order so
// that rewritten objects serialize deterministically.
type DictionaryObject struct {
	keys   []string
	values map[string]PdfObject
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *DictionaryObject {
	return &DictionaryObject{values: make(map[string]PdfObject)}
}

// Set adds or replaces an entry.
func (d *DictionaryObject) Set(key string, value PdfObject) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the raw entry, which may be a Reference.
func (d *DictionaryObject) Get(key string) PdfObject {
	if d == nil {
		return nil
	}
	return d.values[key]
}

// Has reports whether key is present.
func (d *DictionaryObject) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (d *DictionaryObject) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of entries.
func (d *DictionaryObject) Len() int {
	return len(d.keys)
}

// GetName returns the entry as a name, or "" if it is not one.
func (d *DictionaryObject) GetName(key string) string {
	n, _ := d.Get(key).(NameObject)
	return string(n)
}

// GetInt returns the entry as an integer.
func (d *DictionaryObject) GetInt(key string) (int64, bool) {
	i, ok := d.Get(key).(IntegerObject)
	return int64(i), ok
}

// Clone returns a shallow copy; values are shared.
func (d *DictionaryObject) Clone() *DictionaryObject {
	out := NewDictionary()
	for _, k := range d.keys {
		out.Set(k, d.values[k])
	}
	return out
}

// Write implements PdfObject.
func (d *DictionaryObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, k := range d.keys {
		if err := NameObject(k).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		v := d.values[k]
		if v == nil {
			v = Null
		}
		if err := v.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ">>")
	return err
}

// StreamObject is a dictionary followed by raw (still encoded) data.
type StreamObject struct {
	Dictionary *DictionaryObject
	Data       []byte
}

// Write implements PdfObject. /Length is always set from Data.
func (s *StreamObject) Write(w io.Writer) error {
	s.Dictionary.Set("Length", IntegerObject(len(s.Data)))
	if err := s.Dictionary.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}
