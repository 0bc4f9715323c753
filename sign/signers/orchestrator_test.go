package signers

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsign/internal/testcert"
	"github.com/georgepadayatti/gopdfsign/internal/testpdf"
	"github.com/georgepadayatti/gopdfsign/keys"
	"github.com/georgepadayatti/gopdfsign/pdf/reader"
	"github.com/georgepadayatti/gopdfsign/pdf/writer"
)

var byteRangeRe = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)

// lastByteRange reads the /ByteRange of the most recent signature in data.
func lastByteRange(t *testing.T, data []byte) writer.ByteRangeDescriptor {
	t.Helper()
	all := byteRangeRe.FindAllSubmatch(data, -1)
	require.NotEmpty(t, all, "no /ByteRange in output")
	m := all[len(all)-1]
	var v [4]int64
	for i := range v {
		n, err := strconv.ParseInt(string(m[i+1]), 10, 64)
		require.NoError(t, err)
		v[i] = n
	}
	return writer.ByteRangeDescriptor{PreOffset: v[0], PreLength: v[1], PostOffset: v[2], PostLength: v[3]}
}

// embeddedSignature decodes the /Contents value of d, without its zero fill.
func embeddedSignature(t *testing.T, data []byte, d writer.ByteRangeDescriptor) []byte {
	t.Helper()
	start, end := d.ContentsRegion()
	raw, err := hex.DecodeString(string(data[start:end]))
	require.NoError(t, err)
	var outer asn1.RawValue
	_, err = asn1.Unmarshal(raw, &outer)
	require.NoError(t, err)
	return outer.FullBytes
}

func verifySigned(t *testing.T, data []byte) *pkcs7.PKCS7 {
	t.Helper()
	d := lastByteRange(t, data)
	require.NoError(t, d.Validate(int64(len(data))))
	content, err := d.DigestInput(data)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(embeddedSignature(t, data, d))
	require.NoError(t, err)
	p7.Content = content
	require.NoError(t, p7.Verify())
	return p7
}

func loadDoc(t *testing.T, data []byte) *writer.IncrementalWriter {
	t.Helper()
	doc, err := LoadDocument(bytes.NewReader(data))
	require.NoError(t, err)
	return doc
}

func keyMaterial(t *testing.T, opts testcert.Options) *keys.KeyMaterial {
	t.Helper()
	id := testcert.New(t, opts)
	km, err := keys.Resolve(&keys.MemoryContainer{Entries: []keys.MemoryEntry{
		{Alias: "signer", Key: id.Key, Chain: id.Chain},
	}}, "")
	require.NoError(t, err)
	return km
}

// fixedSigner returns a canned value and records what it was asked to sign.
type fixedSigner struct {
	value []byte
	err   error
	got   []byte
}

func (s *fixedSigner) Sign(_ context.Context, digestInput []byte) ([]byte, error) {
	s.got = append([]byte(nil), digestInput...)
	return s.value, s.err
}

func TestSignAppendsVerifiableSignature(t *testing.T) {
	tests := []struct {
		name       string
		xrefStream bool
		rsa        bool
	}{
		{"table ecdsa", false, false},
		{"table rsa", false, true},
		{"stream ecdsa", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := testpdf.MustBuild(testpdf.Options{Pages: 2, XRefStream: tt.xrefStream})
			km := keyMaterial(t, testcert.Options{RSA: tt.rsa})
			signer, err := NewCMSSigner(km)
			require.NoError(t, err)

			o := NewOrchestrator(loadDoc(t, original))
			spec, err := o.NewSpec(DefaultSignatureRequest())
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, o.Sign(context.Background(), spec, signer, &out))
			data := out.Bytes()

			assert.Equal(t, original, data[:len(original)])
			d := lastByteRange(t, data)
			assert.Equal(t, int64(len(data)), d.PreLength+d.PostLength+d.PlaceholderLength())
			assert.Equal(t, 2*signer.EstimateSize()+2, int(d.PlaceholderLength()))

			p7 := verifySigned(t, data)
			assert.Equal(t, km.Certificate().Raw, p7.GetOnlySigner().Raw)

			r, err := reader.NewPdfFileReaderFromBytes(data)
			require.NoError(t, err)
			assert.Equal(t, 2, r.PageCount())
			assert.True(t, r.HasSignatureFields())
		})
	}
}

func TestDigestInputExcludesPlaceholder(t *testing.T) {
	o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
	spec, err := o.NewSpec(SignatureRequest{ContentsSize: 256})
	require.NoError(t, err)

	ps, err := o.Prepare(context.Background(), spec)
	require.NoError(t, err)
	d := ps.ByteRange()
	total := int64(len(ps.Bytes()))
	assert.Equal(t, total-d.PlaceholderLength(), int64(len(ps.DigestInput())))
	assert.Equal(t, 256, ps.Capacity())

	before := append([]byte(nil), ps.DigestInput()...)
	out, err := ps.Commit(bytes.Repeat([]byte{0x5A}, 100))
	require.NoError(t, err)
	after, err := d.DigestInput(out)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = ps.Commit([]byte{1})
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestSameDocumentSignedTwice(t *testing.T) {
	original := testpdf.Minimal()
	km := keyMaterial(t, testcert.Options{})
	signer, err := NewCMSSigner(km)
	require.NoError(t, err)

	var outputs [2][]byte
	for i := range outputs {
		o := NewOrchestrator(loadDoc(t, original))
		spec, err := o.NewSpec(DefaultSignatureRequest())
		require.NoError(t, err)
		var out bytes.Buffer
		require.NoError(t, o.Sign(context.Background(), spec, signer, &out))
		outputs[i] = out.Bytes()
	}

	for _, data := range outputs {
		assert.Equal(t, original, data[:len(original)])
		assert.Len(t, byteRangeRe.FindAll(data, -1), 1)
		p7 := verifySigned(t, data)
		assert.Equal(t, km.Certificate().Raw, p7.GetOnlySigner().Raw)
	}
	assert.NotEqual(t, outputs[0], outputs[1])
}

func TestSignAlreadySignedOutput(t *testing.T) {
	km := keyMaterial(t, testcert.Options{})
	signer, err := NewCMSSigner(km)
	require.NoError(t, err)

	signOnce := func(in []byte) []byte {
		o := NewOrchestrator(loadDoc(t, in))
		spec, err := o.NewSpec(DefaultSignatureRequest())
		require.NoError(t, err)
		var out bytes.Buffer
		require.NoError(t, o.Sign(context.Background(), spec, signer, &out))
		return out.Bytes()
	}

	first := signOnce(testpdf.Minimal())
	second := signOnce(first)

	assert.Equal(t, first, second[:len(first)])
	assert.Len(t, byteRangeRe.FindAll(second, -1), 2)
	assert.Contains(t, string(second[len(first):]), "(Signature2)")

	verifySigned(t, first)
	verifySigned(t, second)
}

func TestFixedBudgetScenario(t *testing.T) {
	original := testpdf.MustBuild(testpdf.Options{Size: 10000})
	require.Len(t, original, 10000)
	value := bytes.Repeat([]byte{0xAB}, 2048)
	signer := &fixedSigner{value: value}

	o := NewOrchestrator(loadDoc(t, original))
	spec, err := o.NewSpec(SignatureRequest{ContentsSize: 4096})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, o.Sign(context.Background(), spec, signer, &out))
	data := out.Bytes()

	assert.Greater(t, len(data), 10000)
	assert.Equal(t, original, data[:10000])

	d := lastByteRange(t, data)
	start, end := d.ContentsRegion()
	require.Equal(t, int64(2*4096), end-start)
	region := string(data[start:end])
	assert.Equal(t, hex.EncodeToString(value), toLower(region[:2*2048]))
	assert.Equal(t, string(bytes.Repeat([]byte{'0'}, 2*2048)), region[2*2048:])

	digest, err := d.DigestInput(data)
	require.NoError(t, err)
	assert.Equal(t, signer.got, digest)
}

func toLower(s string) string {
	return string(bytes.ToLower([]byte(s)))
}

// memFile is a minimal in-memory io.WriteSeeker.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func TestOversizedSignature(t *testing.T) {
	value := bytes.Repeat([]byte{1}, 4097)

	t.Run("sign", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{ContentsSize: 4096})
		require.NoError(t, err)

		var out bytes.Buffer
		err = o.Sign(context.Background(), spec, &fixedSigner{value: value}, &out)
		var sce *SigningCapabilityError
		require.ErrorAs(t, err, &sce)
		assert.True(t, sce.Oversized)
		assert.ErrorIs(t, err, writer.ErrPlaceholderOverflow)
		assert.Zero(t, out.Len())
		assert.False(t, IsOutputUnusable(err))
	})

	t.Run("sign to", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{ContentsSize: 4096})
		require.NoError(t, err)

		sink := &memFile{}
		err = o.SignTo(context.Background(), spec, &fixedSigner{value: value}, sink)
		var sce *SigningCapabilityError
		require.ErrorAs(t, err, &sce)
		assert.True(t, sce.Oversized)
		assert.NotZero(t, len(sink.data))
		assert.True(t, IsOutputUnusable(err))
		assert.Equal(t, "signing", Stage(err))
	})
}

func TestSignToPatchesInPlace(t *testing.T) {
	km := keyMaterial(t, testcert.Options{})
	signer, err := NewCMSSigner(km)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
	spec, err := o.NewSpec(DefaultSignatureRequest())
	require.NoError(t, err)
	require.NoError(t, o.SignTo(context.Background(), spec, signer, f))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	verifySigned(t, data)
}

func TestSignerFailure(t *testing.T) {
	boom := errors.New("token removed")

	t.Run("sink untouched", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{})
		require.NoError(t, err)
		var out bytes.Buffer
		err = o.Sign(context.Background(), spec, &fixedSigner{err: boom}, &out)
		var sce *SigningCapabilityError
		require.ErrorAs(t, err, &sce)
		assert.ErrorIs(t, err, boom)
		assert.False(t, sce.Oversized)
		assert.Zero(t, out.Len())
	})

	t.Run("sign to unusable", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{})
		require.NoError(t, err)
		err = o.SignTo(context.Background(), spec, &fixedSigner{err: boom}, &memFile{})
		assert.ErrorIs(t, err, boom)
		assert.True(t, IsOutputUnusable(err))
	})

	t.Run("empty value", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{})
		require.NoError(t, err)
		err = o.Sign(context.Background(), spec, &fixedSigner{}, io.Discard)
		assert.ErrorIs(t, err, ErrEmptySignature)
	})

	t.Run("nil signer", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		spec, err := o.NewSpec(SignatureRequest{})
		require.NoError(t, err)
		assert.ErrorIs(t, o.Sign(context.Background(), spec, nil, io.Discard), ErrSignerRequired)
	})

	t.Run("nil spec", func(t *testing.T) {
		o := NewOrchestrator(loadDoc(t, testpdf.Minimal()))
		signer := &fixedSigner{value: []byte{1}}
		assert.ErrorIs(t, o.Sign(context.Background(), nil, signer, io.Discard), ErrSpecRequired)
		sink := &memFile{}
		assert.ErrorIs(t, o.SignTo(context.Background(), nil, signer, sink), ErrSpecRequired)
		assert.False(t, IsOutputUnusable(o.SignTo(context.Background(), nil, signer, sink)))
		_, err := o.Prepare(context.Background(), nil)
		assert.ErrorIs(t, err, ErrSpecRequired)
		assert.Nil(t, signer.got)
	})
}

func TestPrepareTwiceFails(t *testing.T) {
	doc := loadDoc(t, testpdf.Minimal())
	o := NewOrchestrator(doc)
	spec, err := o.NewSpec(SignatureRequest{})
	require.NoError(t, err)

	_, err = o.Prepare(context.Background(), spec)
	require.NoError(t, err)
	_, err = o.Prepare(context.Background(), spec)
	assert.ErrorIs(t, err, ErrDocumentReused)

	_, err = NewOrchestrator(doc).Prepare(context.Background(), spec)
	assert.ErrorIs(t, err, ErrDocumentReused)
}

func TestPrepareInvalidPage(t *testing.T) {
	o := NewOrchestrator(loadDoc(t, testpdf.MustBuild(testpdf.Options{Pages: 2})))
	_, err := o.NewSpec(SignatureRequest{PageIndex: 2})
	var ipe *InvalidPageIndexError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, 2, ipe.Index)
	assert.Equal(t, 2, ipe.PageCount)

	_, err = o.Prepare(context.Background(), &PlaceholderSpec{PageIndex: 5})
	assert.ErrorIs(t, err, ErrInvalidPageIndex)
}

func TestNewSpecUsesClock(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	o := NewOrchestrator(loadDoc(t, testpdf.Minimal()), WithClock(clockwork.NewFakeClockAt(now)))
	spec, err := o.NewSpec(DefaultSignatureRequest())
	require.NoError(t, err)
	assert.Equal(t, now, spec.SigningTime)
}

// cannedDocument serves a fixed serialization so the protocol can be
// exercised without a PDF.
type cannedDocument struct {
	data  []byte
	d     writer.ByteRangeDescriptor
	field writer.SignatureField
}

func (c *cannedDocument) PageCount() int { return 1 }

func (c *cannedDocument) RegisterSignaturePlaceholder(f writer.SignatureField) (*writer.SignaturePlaceholder, error) {
	c.field = f
	return &writer.SignaturePlaceholder{ContentsSize: f.ContentsSize}, nil
}

func (c *cannedDocument) SerializeIncremental(out io.Writer) (writer.ByteRangeDescriptor, error) {
	_, err := out.Write(c.data)
	return c.d, err
}

func TestProtocolWithCannedDocument(t *testing.T) {
	doc := &cannedDocument{
		data: []byte("HEAD<00000000>TAIL"),
		d:    writer.ByteRangeDescriptor{PreOffset: 0, PreLength: 4, PostOffset: 14, PostLength: 4},
	}
	signer := &fixedSigner{value: []byte{0xCA, 0xFE}}
	o := NewOrchestrator(doc)
	spec, err := o.NewSpec(SignatureRequest{Name: "Canned", ContentsSize: 4})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, o.Sign(context.Background(), spec, signer, &out))
	assert.Equal(t, "HEAD<CAFE0000>TAIL", out.String())
	assert.Equal(t, []byte("HEADTAIL"), signer.got)
	assert.Equal(t, SigFilter, doc.field.Filter)
	assert.Equal(t, SigSubFilter, doc.field.SubFilter)
	assert.Equal(t, "Canned", doc.field.Name)
}

func TestPrepareRejectsBadByteRange(t *testing.T) {
	doc := &cannedDocument{
		data: []byte("HEAD<00>TAIL"),
		d:    writer.ByteRangeDescriptor{PreOffset: 0, PreLength: 4, PostOffset: 9, PostLength: 4},
	}
	_, err := NewOrchestrator(doc).Prepare(context.Background(), &PlaceholderSpec{})
	var dio *DocumentIOError
	require.ErrorAs(t, err, &dio)
	assert.ErrorIs(t, err, writer.ErrInvalidByteRange)
}

func TestEstimatedBudgetUsed(t *testing.T) {
	doc := &cannedDocument{
		data: []byte("HEAD<00>TAIL"),
		d:    writer.ByteRangeDescriptor{PreOffset: 0, PreLength: 4, PostOffset: 8, PostLength: 4},
	}
	km := keyMaterial(t, testcert.Options{})
	signer, err := NewCMSSigner(km)
	require.NoError(t, err)

	o := NewOrchestrator(doc)
	ps, err := o.prepare(context.Background(), &PlaceholderSpec{}, signer)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, signer.EstimateSize(), doc.field.ContentsSize)

	doc2 := &cannedDocument{data: doc.data, d: doc.d}
	_, err = NewOrchestrator(doc2).prepare(context.Background(), &PlaceholderSpec{}, &fixedSigner{})
	require.NoError(t, err)
	assert.Equal(t, DefaultContentsSize, doc2.field.ContentsSize)

	doc3 := &cannedDocument{data: doc.data, d: doc.d}
	_, err = NewOrchestrator(doc3).prepare(context.Background(), &PlaceholderSpec{ContentsSize: 99}, signer)
	require.NoError(t, err)
	assert.Equal(t, 99, doc3.field.ContentsSize)
}

func TestLoadDocumentErrors(t *testing.T) {
	_, err := LoadDocument(bytes.NewReader([]byte("not a pdf")))
	var dio *DocumentIOError
	require.ErrorAs(t, err, &dio)
	assert.Equal(t, "document", Stage(err))

	_, err = LoadDocumentFile(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorAs(t, err, &dio)
}
