// Package cms builds detached CMS SignedData structures for PDF signatures.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS and signature algorithms
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// Unsigned attributes
	OIDSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrNotSignedData        = errors.New("content is not SignedData")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content. Detached
// signatures leave EContent empty.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information.
// SID is IssuerAndSerialNumber directly because SignerIdentifier is a CHOICE.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// SignatureAlgorithm pairs a digest with the matching signature OID.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA   = SignatureAlgorithm{OIDSHA256, OIDSHA256WithRSA, crypto.SHA256}
	SHA384WithRSA   = SignatureAlgorithm{OIDSHA384, OIDSHA384WithRSA, crypto.SHA384}
	SHA512WithRSA   = SignatureAlgorithm{OIDSHA512, OIDSHA512WithRSA, crypto.SHA512}
	SHA256WithECDSA = SignatureAlgorithm{OIDSHA256, OIDECDSAWithSHA256, crypto.SHA256}
	SHA384WithECDSA = SignatureAlgorithm{OIDSHA384, OIDECDSAWithSHA384, crypto.SHA384}
	SHA512WithECDSA = SignatureAlgorithm{OIDSHA512, OIDECDSAWithSHA512, crypto.SHA512}
)

// AlgorithmFor picks the signature algorithm for a public key and digest.
func AlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithRSA, nil
		case crypto.SHA384:
			return SHA384WithRSA, nil
		case crypto.SHA512:
			return SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithECDSA, nil
		case crypto.SHA384:
			return SHA384WithECDSA, nil
		case crypto.SHA512:
			return SHA512WithECDSA, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %T with %s", ErrUnsupportedAlgorithm, pub, h)
}

// UnsignedAttributesFunc produces unsigned attributes once the signature
// value is known, e.g. a signature time-stamp token.
type UnsignedAttributesFunc func(signature []byte) ([]Attribute, error)

// Builder builds detached CMS signatures.
type Builder struct {
	// Chain holds the signer certificate first.
	Chain       []*x509.Certificate
	Signer      crypto.Signer
	Algorithm   SignatureAlgorithm
	SigningTime time.Time

	UnsignedAttributes UnsignedAttributesFunc
}

// NewBuilder returns a builder for signer and its chain using digest h.
func NewBuilder(chain []*x509.Certificate, signer crypto.Signer, h crypto.Hash) (*Builder, error) {
	if len(chain) == 0 {
		return nil, ErrMissingCertificate
	}
	alg, err := AlgorithmFor(chain[0].PublicKey, h)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Chain:       chain,
		Signer:      signer,
		Algorithm:   alg,
		SigningTime: time.Now().UTC(),
	}, nil
}

func (b *Builder) certificate() *x509.Certificate {
	return b.Chain[0]
}

// Digest hashes content with the builder's digest algorithm.
func (b *Builder) Digest(content []byte) []byte {
	h := b.Algorithm.Hash.New()
	h.Write(content)
	return h.Sum(nil)
}

// SignedAttributes returns the DER-sorted signed attributes over a content
// digest and their SET encoding, which is what gets signed.
func (b *Builder) SignedAttributes(messageDigest []byte) ([]Attribute, []byte, error) {
	attrs, err := b.buildSignedAttributes(messageDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	attrs = derSortAttributes(attrs)

	encoded, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	encoded[0] = 0x31 // SET tag
	return attrs, encoded, nil
}

// Sign creates a detached CMS signature over content.
func (b *Builder) Sign(content []byte) ([]byte, error) {
	if len(b.Chain) == 0 {
		return nil, ErrMissingCertificate
	}
	if !b.Algorithm.Hash.Available() {
		return nil, fmt.Errorf("%w: hash %s", ErrUnsupportedAlgorithm, b.Algorithm.Hash)
	}

	signedAttrs, encoded, err := b.SignedAttributes(b.Digest(content))
	if err != nil {
		return nil, err
	}
	signature, err := b.signDigest(b.Digest(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	cert := b.certificate()
	digestAlg := AlgorithmIdentifier{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: asn1.NullRawValue}
	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm: digestAlg,
		SignedAttrs:     signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
		},
		Signature: signature,
	}

	if b.UnsignedAttributes != nil {
		unsigned, err := b.UnsignedAttributes(signature)
		if err != nil {
			return nil, err
		}
		signerInfo.UnsignedAttrs = derSortAttributes(unsigned)
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{digestAlg},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []SignerInfo{signerInfo},
	}
	for _, c := range b.Chain {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: c.Raw})
	}

	inner, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// TimeStampTokenAttribute wraps an RFC 3161 token as the
// id-aa-signatureTimeStampToken unsigned attribute.
func TimeStampTokenAttribute(token []byte) Attribute {
	return Attribute{
		Type:   OIDSignatureTimeStampToken,
		Values: []asn1.RawValue{{FullBytes: token}},
	}
}

func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	switch {
	case oid.Equal(OIDSHA256WithRSA), oid.Equal(OIDSHA384WithRSA), oid.Equal(OIDSHA512WithRSA):
		return asn1.NullRawValue
	default:
		return asn1.RawValue{} // omit
	}
}

func (b *Builder) buildSignedAttributes(messageDigest []byte) ([]Attribute, error) {
	var attrs []Attribute
	add := func(oid asn1.ObjectIdentifier, v interface{}) error {
		der, err := asn1.Marshal(v)
		if err != nil {
			return err
		}
		attrs = append(attrs, Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: der}}})
		return nil
	}

	if err := add(OIDContentType, OIDData); err != nil {
		return nil, err
	}
	if err := add(OIDMessageDigest, messageDigest); err != nil {
		return nil, err
	}
	if err := add(OIDSigningTime, b.SigningTime.UTC()); err != nil {
		return nil, err
	}

	cert := b.certificate()
	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: asn1.NullRawValue},
			CertHash:      b.Digest(cert.Raw),
			IssuerSerial: IssuerSerial{
				Issuer: GeneralNames{Names: []asn1.RawValue{{
					Class:      asn1.ClassContextSpecific,
					Tag:        4, // directoryName
					IsCompound: true,
					Bytes:      cert.RawIssuer,
				}}},
				SerialNumber: cert.SerialNumber,
			},
		}},
	}
	if err := add(OIDSigningCertificateV2, signingCert); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (b *Builder) signDigest(digest []byte) ([]byte, error) {
	switch key := b.Signer.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, b.Algorithm.Hash, digest)
	default:
		return b.Signer.Sign(rand.Reader, digest, b.Algorithm.Hash)
	}
}

// derSortAttributes sorts attributes by their DER encoding, as required for
// SET OF.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})
	result := make([]Attribute, len(attrs))
	for i, a := range sorted {
		result[i] = a.attr
	}
	return result
}

// Parse decodes a ContentInfo holding SignedData.
func Parse(der []byte) (*SignedData, error) {
	var ci ContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, ErrNotSignedData
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	return &sd, nil
}

// Attribute returns the first value of the attribute with oid.
func (si *SignerInfo) Attribute(oid asn1.ObjectIdentifier, unsigned bool) (asn1.RawValue, bool) {
	attrs := si.SignedAttrs
	if unsigned {
		attrs = si.UnsignedAttrs
	}
	for _, a := range attrs {
		if a.Type.Equal(oid) && len(a.Values) > 0 {
			return a.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}
