package writer

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsign/internal/testpdf"
	"github.com/georgepadayatti/gopdfsign/pdf/generic"
	"github.com/georgepadayatti/gopdfsign/pdf/reader"
)

func newWriter(t *testing.T, data []byte) *IncrementalWriter {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	require.NoError(t, err)
	return NewIncrementalWriter(r)
}

func testField(size int) SignatureField {
	return SignatureField{
		Filter:       "Adobe.PPKLite",
		SubFilter:    "adbe.pkcs7.detached",
		Name:         "Example User",
		Location:     "Los Angeles, CA",
		Reason:       "Testing",
		SigningTime:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ContentsSize: size,
	}
}

func TestSerializeIncrementalAppendsOnly(t *testing.T) {
	for _, xrefStream := range []bool{false, true} {
		name := "table"
		if xrefStream {
			name = "stream"
		}
		t.Run(name, func(t *testing.T) {
			original := testpdf.MustBuild(testpdf.Options{Pages: 2, XRefStream: xrefStream})
			w := newWriter(t, original)

			ph, err := w.RegisterSignaturePlaceholder(testField(512))
			require.NoError(t, err)
			assert.Equal(t, "Signature1", ph.FieldName)

			var out bytes.Buffer
			d, err := w.SerializeIncremental(&out)
			require.NoError(t, err)
			data := out.Bytes()

			assert.Equal(t, original, data[:len(original)])
			assert.Equal(t, int64(len(data)), d.PreLength+d.PostLength+d.PlaceholderLength())
			assert.Equal(t, int64(2*512+2), d.PlaceholderLength())
			assert.Equal(t, byte('<'), data[d.PreLength])
			assert.Equal(t, byte('>'), data[d.PostOffset-1])
			assert.Equal(t, d, ph.ByteRange())
			assert.True(t, bytes.HasSuffix(data, []byte("%%EOF\n")))

			// The patched array is present verbatim.
			want := []byte("/ByteRange [0 " + itoa(d.PreLength) + " " + itoa(d.PostOffset) + " " + itoa(d.PostLength) + "]")
			assert.True(t, bytes.Contains(data, want), "missing %s", want)

			// The result parses and exposes the new field.
			r, err := reader.NewPdfFileReaderFromBytes(data)
			require.NoError(t, err)
			assert.Equal(t, 2, r.PageCount())
			assert.True(t, r.HasSignatureFields())
			assert.Equal(t, xrefStream, r.HasXRefStream)
		})
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestPlaceholderWiresFormAndPage(t *testing.T) {
	w := newWriter(t, testpdf.MustBuild(testpdf.Options{Pages: 3}))
	field := testField(64)
	field.PageIndex = 2
	ph, err := w.RegisterSignaturePlaceholder(field)
	require.NoError(t, err)

	root, err := w.GetObject(w.reader.RootRef)
	require.NoError(t, err)
	form := root.(*generic.DictionaryObject).Get("AcroForm").(*generic.DictionaryObject)
	flags, _ := form.GetInt("SigFlags")
	assert.Equal(t, int64(3), flags)
	assert.Equal(t, generic.ArrayObject{ph.FieldRef}, form.Get("Fields"))

	pageRef, err := w.reader.PageRef(2)
	require.NoError(t, err)
	page, err := w.GetObject(pageRef)
	require.NoError(t, err)
	assert.Equal(t, generic.ArrayObject{ph.FieldRef}, page.(*generic.DictionaryObject).Get("Annots"))

	widget, err := w.GetObject(ph.FieldRef)
	require.NoError(t, err)
	wd := widget.(*generic.DictionaryObject)
	assert.Equal(t, "Sig", wd.GetName("FT"))
	assert.Equal(t, pageRef, wd.Get("P"))
	assert.Equal(t, ph.SigDictRef, wd.Get("V"))

	// The original catalog is untouched.
	assert.False(t, w.reader.Root.Has("AcroForm"))
}

func TestRegisterPlaceholderErrors(t *testing.T) {
	t.Run("page out of range", func(t *testing.T) {
		w := newWriter(t, testpdf.Minimal())
		field := testField(64)
		field.PageIndex = 1
		_, err := w.RegisterSignaturePlaceholder(field)
		assert.ErrorIs(t, err, reader.ErrPageOutOfRange)
	})

	t.Run("second placeholder", func(t *testing.T) {
		w := newWriter(t, testpdf.Minimal())
		_, err := w.RegisterSignaturePlaceholder(testField(64))
		require.NoError(t, err)
		_, err = w.RegisterSignaturePlaceholder(testField(64))
		assert.ErrorIs(t, err, ErrPlaceholderExists)
	})

	t.Run("serialize twice", func(t *testing.T) {
		w := newWriter(t, testpdf.Minimal())
		_, err := w.RegisterSignaturePlaceholder(testField(64))
		require.NoError(t, err)
		_, err = w.SerializeIncremental(&bytes.Buffer{})
		require.NoError(t, err)
		_, err = w.SerializeIncremental(&bytes.Buffer{})
		assert.ErrorIs(t, err, ErrAlreadySerialized)
	})

	t.Run("no placeholder", func(t *testing.T) {
		w := newWriter(t, testpdf.Minimal())
		_, err := w.SerializeIncremental(&bytes.Buffer{})
		assert.ErrorIs(t, err, ErrNoPlaceholder)
	})
}

func TestFieldNameAfterExistingSignature(t *testing.T) {
	w := newWriter(t, testpdf.Minimal())
	_, err := w.RegisterSignaturePlaceholder(testField(64))
	require.NoError(t, err)
	var first bytes.Buffer
	_, err = w.SerializeIncremental(&first)
	require.NoError(t, err)

	w2 := newWriter(t, first.Bytes())
	ph, err := w2.RegisterSignaturePlaceholder(testField(64))
	require.NoError(t, err)
	assert.Equal(t, "Signature2", ph.FieldName)

	field := testField(64)
	field.FieldName = "Signature1"
	w3 := newWriter(t, first.Bytes())
	_, err = w3.RegisterSignaturePlaceholder(field)
	assert.ErrorIs(t, err, ErrFieldNameTaken)
}

func TestDocumentIDKeepsFirstElement(t *testing.T) {
	id := []byte("fedcba9876543210")
	w := newWriter(t, testpdf.MustBuild(testpdf.Options{Pages: 1, ID: id}))
	_, err := w.RegisterSignaturePlaceholder(testField(64))
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = w.SerializeIncremental(&out)
	require.NoError(t, err)

	r, err := reader.NewPdfFileReaderFromBytes(out.Bytes())
	require.NoError(t, err)
	first, second, ok := r.DocumentID()
	require.True(t, ok)
	assert.Equal(t, id, first)
	assert.NotEqual(t, id, second)
}

func TestFillContents(t *testing.T) {
	w := newWriter(t, testpdf.Minimal())
	_, err := w.RegisterSignaturePlaceholder(testField(8))
	require.NoError(t, err)
	var out bytes.Buffer
	d, err := w.SerializeIncremental(&out)
	require.NoError(t, err)
	data := out.Bytes()
	before := append([]byte(nil), data...)

	require.NoError(t, FillContents(data, d, []byte{0xde, 0xad, 0xbe, 0xef}))
	start, end := d.ContentsRegion()
	assert.Equal(t, "DEADBEEF00000000", string(data[start:end]))
	assert.Equal(t, before[:start], data[:start])
	assert.Equal(t, before[end:], data[end:])

	err = FillContents(data, d, make([]byte, 9))
	assert.ErrorIs(t, err, ErrPlaceholderOverflow)
}

func TestByteRangeValidate(t *testing.T) {
	tests := []struct {
		name  string
		d     ByteRangeDescriptor
		total int64
		ok    bool
	}{
		{"valid", ByteRangeDescriptor{0, 100, 120, 30}, 150, true},
		{"gap too small", ByteRangeDescriptor{0, 100, 101, 49}, 150, false},
		{"short cover", ByteRangeDescriptor{0, 100, 120, 20}, 150, false},
		{"nonzero start", ByteRangeDescriptor{5, 95, 120, 30}, 150, false},
		{"overlap", ByteRangeDescriptor{0, 130, 120, 30}, 150, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate(tt.total)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidByteRange)
			}
		})
	}
}
