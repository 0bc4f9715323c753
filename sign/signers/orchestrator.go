package signers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/gopdfsign/pdf/reader"
	"github.com/georgepadayatti/gopdfsign/pdf/writer"
)

// Document is the incremental-save side of a PDF. *writer.IncrementalWriter
// implements it.
type Document interface {
	PageCount() int
	RegisterSignaturePlaceholder(field writer.SignatureField) (*writer.SignaturePlaceholder, error)
	SerializeIncremental(out io.Writer) (writer.ByteRangeDescriptor, error)
}

// DetachedSigner produces a detached signature value over the bytes covered
// by a /ByteRange.
type DetachedSigner interface {
	Sign(ctx context.Context, digestInput []byte) ([]byte, error)
}

// SizeEstimator is implemented by signers that can bound the size of the
// values they produce.
type SizeEstimator interface {
	EstimateSize() int
}

// LoadDocument parses a PDF and opens it for an incremental update.
func LoadDocument(r io.Reader) (*writer.IncrementalWriter, error) {
	pdf, err := reader.NewPdfFileReader(r)
	if err != nil {
		return nil, &DocumentIOError{Message: "failed to parse PDF", Cause: err}
	}
	return writer.NewIncrementalWriter(pdf), nil
}

// LoadDocumentFile is LoadDocument for a file path.
func LoadDocumentFile(path string) (*writer.IncrementalWriter, error) {
	pdf, err := reader.Open(path)
	if err != nil {
		return nil, &DocumentIOError{Message: fmt.Sprintf("failed to open %s", path), Cause: err}
	}
	return writer.NewIncrementalWriter(pdf), nil
}

// Orchestrator runs the two-phase signing protocol over one document.
// A document can be prepared once.
type Orchestrator struct {
	doc      Document
	clock    clockwork.Clock
	prepared bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for signing times.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator returns an orchestrator for doc.
func NewOrchestrator(doc Document, opts ...Option) *Orchestrator {
	o := &Orchestrator{doc: doc, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewSpec builds the placeholder spec for req, stamped with the current time.
func (o *Orchestrator) NewSpec(req SignatureRequest) (*PlaceholderSpec, error) {
	return BuildPlaceholderSpec(req, o.doc.PageCount(), o.clock.Now())
}

// PreparedSignature is a serialized update waiting for its signature value.
type PreparedSignature struct {
	data        []byte
	byteRange   writer.ByteRangeDescriptor
	digestInput []byte
	committed   bool
	log         zerolog.Logger
}

// ByteRange returns the descriptor of the covered spans.
func (p *PreparedSignature) ByteRange() writer.ByteRangeDescriptor {
	return p.byteRange
}

// DigestInput returns the bytes the signature must cover: everything except
// the /Contents placeholder.
func (p *PreparedSignature) DigestInput() []byte {
	return p.digestInput
}

// Capacity is the number of signature bytes the placeholder holds.
func (p *PreparedSignature) Capacity() int {
	return p.byteRange.Capacity()
}

// Bytes returns the serialized document with an empty placeholder, or the
// signed document after Commit.
func (p *PreparedSignature) Bytes() []byte {
	return p.data
}

// Commit writes value into the placeholder and returns the final document.
func (p *PreparedSignature) Commit(value []byte) ([]byte, error) {
	if p.committed {
		return nil, ErrAlreadyCommitted
	}
	if len(value) == 0 {
		return nil, &SigningCapabilityError{Message: "nothing to commit", Cause: ErrEmptySignature}
	}
	if err := writer.FillContents(p.data, p.byteRange, value); err != nil {
		if errors.Is(err, writer.ErrPlaceholderOverflow) {
			return nil, &SigningCapabilityError{Message: "signature value too large", Cause: err, Oversized: true}
		}
		return nil, &DocumentIOError{Message: "failed to fill placeholder", Cause: err}
	}
	p.committed = true
	p.log.Debug().Int("size", len(value)).Int("capacity", p.Capacity()).Msg("signature committed")
	return p.data, nil
}

// Prepare registers a placeholder described by spec and serializes the
// update. A spec without a contents budget gets DefaultContentsSize.
func (o *Orchestrator) Prepare(ctx context.Context, spec *PlaceholderSpec) (*PreparedSignature, error) {
	if spec == nil {
		return nil, ErrSpecRequired
	}
	if o.prepared {
		return nil, ErrDocumentReused
	}
	log := zerolog.Ctx(ctx)

	size := spec.ContentsSize
	if size <= 0 {
		size = DefaultContentsSize
	}
	if _, err := o.doc.RegisterSignaturePlaceholder(spec.field(size)); err != nil {
		switch {
		case errors.Is(err, reader.ErrPageOutOfRange):
			return nil, &InvalidPageIndexError{Index: spec.PageIndex, PageCount: o.doc.PageCount()}
		case errors.Is(err, writer.ErrPlaceholderExists), errors.Is(err, writer.ErrAlreadySerialized):
			return nil, ErrDocumentReused
		}
		return nil, &DocumentIOError{Message: "failed to register signature placeholder", Cause: err}
	}
	o.prepared = true

	var buf bytes.Buffer
	d, err := o.doc.SerializeIncremental(&buf)
	if err != nil {
		return nil, &DocumentIOError{Message: "failed to serialize update", Cause: err}
	}
	data := buf.Bytes()
	digestInput, err := d.DigestInput(data)
	if err != nil {
		return nil, &DocumentIOError{Message: "byte range does not match output", Cause: err}
	}

	byteRange := d.Array()
	log.Debug().
		Ints64("byte_range", byteRange[:]).
		Int("contents_size", size).
		Int("page", spec.PageIndex).
		Msg("signature placeholder prepared")

	return &PreparedSignature{
		data:        data,
		byteRange:   d,
		digestInput: digestInput,
		log:         *log,
	}, nil
}

// Sign prepares the document, signs it and writes the signed bytes to sink
// in one write. Nothing reaches sink unless signing succeeds.
func (o *Orchestrator) Sign(ctx context.Context, spec *PlaceholderSpec, signer DetachedSigner, sink io.Writer) error {
	ctx, log := withOperation(ctx)

	ps, err := o.prepare(ctx, spec, signer)
	if err != nil {
		return failed(log, err)
	}
	value, err := sign(ctx, signer, ps.DigestInput())
	if err != nil {
		return failed(log, err)
	}
	out, err := ps.Commit(value)
	if err != nil {
		return failed(log, err)
	}
	if n, err := sink.Write(out); err != nil {
		return failed(log, &DocumentIOError{Message: "failed to write output", Cause: err, Unusable: n > 0})
	}
	log.Info().Int("bytes", len(out)).Msg("document signed")
	return nil
}

// SignTo writes the prepared document to sink before signing and then
// patches the placeholder in place. Any failure after the first write leaves
// sink unusable, see IsOutputUnusable.
func (o *Orchestrator) SignTo(ctx context.Context, spec *PlaceholderSpec, signer DetachedSigner, sink io.WriteSeeker) error {
	ctx, log := withOperation(ctx)

	ps, err := o.prepare(ctx, spec, signer)
	if err != nil {
		return failed(log, err)
	}
	base, err := sink.Seek(0, io.SeekCurrent)
	if err != nil {
		return failed(log, &DocumentIOError{Message: "output is not seekable", Cause: err})
	}
	if n, err := sink.Write(ps.Bytes()); err != nil {
		return failed(log, &DocumentIOError{Message: "failed to write output", Cause: err, Unusable: n > 0})
	}

	value, err := sign(ctx, signer, ps.DigestInput())
	if err != nil {
		return failed(log, markUnusable(err))
	}
	out, err := ps.Commit(value)
	if err != nil {
		return failed(log, markUnusable(err))
	}

	start, end := ps.ByteRange().ContentsRegion()
	if _, err := sink.Seek(base+start, io.SeekStart); err != nil {
		return failed(log, markUnusable(&DocumentIOError{Message: "failed to seek to placeholder", Cause: err}))
	}
	if _, err := sink.Write(out[start:end]); err != nil {
		return failed(log, markUnusable(&DocumentIOError{Message: "failed to patch placeholder", Cause: err}))
	}
	if _, err := sink.Seek(base+int64(len(out)), io.SeekStart); err != nil {
		return failed(log, markUnusable(&DocumentIOError{Message: "failed to seek to end of output", Cause: err}))
	}
	log.Info().Int("bytes", len(out)).Msg("document signed")
	return nil
}

func (o *Orchestrator) prepare(ctx context.Context, spec *PlaceholderSpec, signer DetachedSigner) (*PreparedSignature, error) {
	if spec == nil {
		return nil, ErrSpecRequired
	}
	if signer == nil {
		return nil, ErrSignerRequired
	}
	sized := *spec
	if sized.ContentsSize <= 0 {
		if est, ok := signer.(SizeEstimator); ok {
			sized.ContentsSize = est.EstimateSize()
		}
	}
	return o.Prepare(ctx, &sized)
}

func sign(ctx context.Context, signer DetachedSigner, digestInput []byte) ([]byte, error) {
	value, err := signer.Sign(ctx, digestInput)
	if err != nil {
		var (
			sce *SigningCapabilityError
			tpe *TimestampProtocolError
		)
		if errors.As(err, &sce) || errors.As(err, &tpe) {
			return nil, err
		}
		return nil, &SigningCapabilityError{Message: "signer failed", Cause: err}
	}
	return value, nil
}

func withOperation(ctx context.Context) (context.Context, *zerolog.Logger) {
	log := zerolog.Ctx(ctx).With().Str("op", uuid.NewString()).Logger()
	return log.WithContext(ctx), &log
}

func failed(log *zerolog.Logger, err error) error {
	log.Error().Err(err).Str("stage", Stage(err)).Bool("output_unusable", IsOutputUnusable(err)).Msg("signing failed")
	return err
}
