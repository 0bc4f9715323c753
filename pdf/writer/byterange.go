package writer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Placeholder errors
var (
	ErrPlaceholderOverflow = errors.New("signature value exceeds reserved placeholder")
	ErrInvalidByteRange    = errors.New("invalid byte range")
)

// byteRangeArrayLength is the width reserved for the /ByteRange array,
// enough for four ten-digit integers.
const byteRangeArrayLength = 60

// ByteRangeDescriptor describes the two digested spans of a serialized
// document. The gap between them is the /Contents hex string, delimiters
// included.
type ByteRangeDescriptor struct {
	PreOffset  int64
	PreLength  int64
	PostOffset int64
	PostLength int64
}

// PlaceholderLength is the length of the excluded region.
func (d ByteRangeDescriptor) PlaceholderLength() int64 {
	return d.PostOffset - (d.PreOffset + d.PreLength)
}

// Array returns the /ByteRange array form.
func (d ByteRangeDescriptor) Array() [4]int64 {
	return [4]int64{d.PreOffset, d.PreLength, d.PostOffset, d.PostLength}
}

// Validate checks the descriptor against a serialized length of total bytes:
// the spans start at zero, do not overlap and, together with the placeholder,
// cover every byte exactly once.
func (d ByteRangeDescriptor) Validate(total int64) error {
	switch {
	case d.PreOffset != 0:
		return fmt.Errorf("%w: first range starts at %d", ErrInvalidByteRange, d.PreOffset)
	case d.PreLength <= 0 || d.PostLength < 0:
		return fmt.Errorf("%w: negative or empty range %v", ErrInvalidByteRange, d.Array())
	case d.PlaceholderLength() < 2:
		return fmt.Errorf("%w: ranges overlap %v", ErrInvalidByteRange, d.Array())
	case d.PostOffset+d.PostLength != total:
		return fmt.Errorf("%w: ranges cover %d bytes of %d", ErrInvalidByteRange, d.PostOffset+d.PostLength, total)
	case d.PreLength+d.PostLength+d.PlaceholderLength() != total:
		return fmt.Errorf("%w: lengths do not sum to %d", ErrInvalidByteRange, total)
	}
	return nil
}

// DigestInput concatenates the two spans of data.
func (d ByteRangeDescriptor) DigestInput(data []byte) ([]byte, error) {
	if err := d.Validate(int64(len(data))); err != nil {
		return nil, err
	}
	out := make([]byte, 0, d.PreLength+d.PostLength)
	out = append(out, data[d.PreOffset:d.PreOffset+d.PreLength]...)
	out = append(out, data[d.PostOffset:d.PostOffset+d.PostLength]...)
	return out, nil
}

// ContentsRegion returns the [start, end) offsets of the hex digits inside
// the placeholder, i.e. without the angle brackets.
func (d ByteRangeDescriptor) ContentsRegion() (int64, int64) {
	return d.PreOffset + d.PreLength + 1, d.PostOffset - 1
}

// Capacity returns how many bytes of signature value fit in the placeholder.
func (d ByteRangeDescriptor) Capacity() int {
	start, end := d.ContentsRegion()
	return int(end-start) / 2
}

// FillContents writes value as uppercase hex into the placeholder of data,
// left-justified. The remaining digits keep their '0' fill. A value that does
// not fit is an error; it is never truncated.
func FillContents(data []byte, d ByteRangeDescriptor, value []byte) error {
	if err := d.Validate(int64(len(data))); err != nil {
		return err
	}
	start, end := d.ContentsRegion()
	if data[start-1] != '<' || data[end] != '>' {
		return fmt.Errorf("%w: placeholder delimiters not found at %d and %d", ErrInvalidByteRange, start-1, end)
	}
	if capacity := d.Capacity(); len(value) > capacity {
		return fmt.Errorf("%w: %d bytes, room for %d", ErrPlaceholderOverflow, len(value), capacity)
	}
	encoded := make([]byte, hex.EncodedLen(len(value)))
	hex.Encode(encoded, value)
	copy(data[start:end], bytes.ToUpper(encoded))
	return nil
}

// positioned is implemented by the serialization buffer so that placeholder
// objects can record where they were written.
type positioned interface {
	Position() int64
}

type outputBuffer struct {
	bytes.Buffer
}

func (b *outputBuffer) Position() int64 {
	return int64(b.Len())
}

// byteRangeObject writes a blank, fixed-width /ByteRange array and remembers
// its offset so the real values can be patched in after serialization.
type byteRangeObject struct {
	offset int64
}

func (o *byteRangeObject) Write(w io.Writer) error {
	p, ok := w.(positioned)
	if !ok {
		return errors.New("byte range placeholder needs a positioned writer")
	}
	o.offset = p.Position()
	_, err := io.WriteString(w, "[]"+strings.Repeat(" ", byteRangeArrayLength))
	return err
}

func (o *byteRangeObject) patch(data []byte, d ByteRangeDescriptor) error {
	repr := fmt.Sprintf("[%d %d %d %d]", d.PreOffset, d.PreLength, d.PostOffset, d.PostLength)
	width := byteRangeArrayLength + 2
	if len(repr) > width {
		return fmt.Errorf("%w: %q does not fit in %d bytes", ErrInvalidByteRange, repr, width)
	}
	copy(data[o.offset:o.offset+int64(width)], repr+strings.Repeat(" ", width-len(repr)))
	return nil
}

// contentsObject writes the blank /Contents hex string of size bytes.
type contentsObject struct {
	size   int
	offset int64
}

func (o *contentsObject) Write(w io.Writer) error {
	p, ok := w.(positioned)
	if !ok {
		return errors.New("contents placeholder needs a positioned writer")
	}
	o.offset = p.Position()
	_, err := io.WriteString(w, "<"+strings.Repeat("0", 2*o.size)+">")
	return err
}

func (o *contentsObject) length() int64 {
	return int64(2*o.size + 2)
}
