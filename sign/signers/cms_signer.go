package signers

import (
	"context"
	"crypto"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/gopdfsign/keys"
	"github.com/georgepadayatti/gopdfsign/sign/cms"
	"github.com/georgepadayatti/gopdfsign/sign/timestamps"
)

// baseSignatureSize is the room reserved for the CMS structure around the
// certificates.
const baseSignatureSize = 8192

// CMSSigner produces detached CMS SignedData values with key material
// resolved from a credential container.
type CMSSigner struct {
	km          *keys.KeyMaterial
	hash        crypto.Hash
	timestamper timestamps.Timestamper
	clock       clockwork.Clock
}

// CMSOption customizes a CMSSigner.
type CMSOption func(*CMSSigner)

// WithDigest selects the message digest.
func WithDigest(h crypto.Hash) CMSOption {
	return func(s *CMSSigner) { s.hash = h }
}

// WithTimestamper embeds a signature time-stamp token from ts.
func WithTimestamper(ts timestamps.Timestamper) CMSOption {
	return func(s *CMSSigner) { s.timestamper = ts }
}

// WithSignerClock sets the clock of the signingTime attribute.
func WithSignerClock(c clockwork.Clock) CMSOption {
	return func(s *CMSSigner) { s.clock = c }
}

// NewCMSSigner returns a signer for km.
func NewCMSSigner(km *keys.KeyMaterial, opts ...CMSOption) (*CMSSigner, error) {
	s := &CMSSigner{km: km, hash: DefaultMD, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	if km == nil || km.PrivateKey == nil || len(km.Chain) == 0 {
		return nil, &SigningCapabilityError{Message: "incomplete key material", Cause: cms.ErrMissingCertificate}
	}
	if _, err := cms.AlgorithmFor(km.Certificate().PublicKey, s.hash); err != nil {
		return nil, &SigningCapabilityError{Message: "unsupported key", Cause: err}
	}
	return s, nil
}

// EstimateSize implements SizeEstimator.
func (s *CMSSigner) EstimateSize() int {
	size := baseSignatureSize
	for _, c := range s.km.Chain {
		size += len(c.Raw)
	}
	if s.timestamper != nil {
		size += timestamps.TokenSizeEstimate
	}
	return size
}

// Sign implements DetachedSigner.
func (s *CMSSigner) Sign(ctx context.Context, digestInput []byte) ([]byte, error) {
	b, err := cms.NewBuilder(s.km.Chain, s.km.PrivateKey, s.hash)
	if err != nil {
		return nil, &SigningCapabilityError{Message: "failed to set up CMS builder", Cause: err}
	}
	b.SigningTime = s.clock.Now().UTC()

	if s.timestamper != nil {
		b.UnsignedAttributes = func(signature []byte) ([]cms.Attribute, error) {
			h := s.hash.New()
			h.Write(signature)
			token, err := s.timestamper.Timestamp(ctx, s.hash, h.Sum(nil))
			if err != nil {
				return nil, &TimestampProtocolError{Cause: err}
			}
			zerolog.Ctx(ctx).Debug().Int("token_size", len(token)).Msg("signature timestamp embedded")
			return []cms.Attribute{cms.TimeStampTokenAttribute(token)}, nil
		}
	}

	der, err := b.Sign(digestInput)
	if err != nil {
		var tpe *TimestampProtocolError
		if errors.As(err, &tpe) {
			return nil, tpe
		}
		return nil, &SigningCapabilityError{Message: "failed to build CMS signature", Cause: err}
	}
	return der, nil
}
