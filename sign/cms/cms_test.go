package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:   "Test Signer",
			Organization: []string{"Test Org"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func verifyDetached(t *testing.T, der, content []byte) *pkcs7.PKCS7 {
	t.Helper()
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	p7.Content = content
	require.NoError(t, p7.Verify())
	return p7
}

func TestBuilderSignVerifies(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  crypto.Signer
		hash crypto.Hash
		alg  SignatureAlgorithm
	}{
		{"rsa sha256", rsaKey, crypto.SHA256, SHA256WithRSA},
		{"rsa sha512", rsaKey, crypto.SHA512, SHA512WithRSA},
		{"ecdsa sha256", ecKey, crypto.SHA256, SHA256WithECDSA},
		{"ecdsa sha384", ecKey, crypto.SHA384, SHA384WithECDSA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := generateTestCert(t, tt.key)
			b, err := NewBuilder([]*x509.Certificate{cert}, tt.key, tt.hash)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, b.Algorithm)

			content := []byte("%PDF-1.7 bytes outside the placeholder")
			der, err := b.Sign(content)
			require.NoError(t, err)

			p7 := verifyDetached(t, der, content)
			require.Len(t, p7.Certificates, 1)
			assert.Equal(t, cert.Raw, p7.Certificates[0].Raw)

			// Any change to the content breaks the signature.
			p7.Content = append([]byte("x"), content...)
			assert.Error(t, p7.Verify())
		})
	}
}

func TestBuilderSignedAttributes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := generateTestCert(t, key)
	b, err := NewBuilder([]*x509.Certificate{cert}, key, crypto.SHA256)
	require.NoError(t, err)
	b.SigningTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	der, err := b.Sign([]byte("data"))
	require.NoError(t, err)
	sd, err := Parse(der)
	require.NoError(t, err)
	require.Len(t, sd.SignerInfos, 1)
	si := sd.SignerInfos[0]

	for _, oid := range []asn1.ObjectIdentifier{OIDContentType, OIDMessageDigest, OIDSigningTime, OIDSigningCertificateV2} {
		_, ok := si.Attribute(oid, false)
		assert.True(t, ok, "missing signed attribute %s", oid)
	}

	raw, _ := si.Attribute(OIDSigningTime, false)
	var signingTime time.Time
	_, err = asn1.Unmarshal(raw.FullBytes, &signingTime)
	require.NoError(t, err)
	assert.True(t, b.SigningTime.Equal(signingTime))

	raw, _ = si.Attribute(OIDMessageDigest, false)
	var digest []byte
	_, err = asn1.Unmarshal(raw.FullBytes, &digest)
	require.NoError(t, err)
	assert.Equal(t, b.Digest([]byte("data")), digest)

	assert.Empty(t, sd.EncapContentInfo.EContent.Bytes)
	assert.Empty(t, si.UnsignedAttrs)
}

func TestBuilderUnsignedAttributes(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := generateTestCert(t, key)
	b, err := NewBuilder([]*x509.Certificate{cert}, key, crypto.SHA256)
	require.NoError(t, err)

	token, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: []byte{0x05, 0x00}})
	require.NoError(t, err)
	var seen []byte
	b.UnsignedAttributes = func(signature []byte) ([]Attribute, error) {
		seen = signature
		return []Attribute{TimeStampTokenAttribute(token)}, nil
	}

	der, err := b.Sign([]byte("data"))
	require.NoError(t, err)
	verifyDetached(t, der, []byte("data"))

	sd, err := Parse(der)
	require.NoError(t, err)
	si := sd.SignerInfos[0]
	assert.Equal(t, si.Signature, seen)
	raw, ok := si.Attribute(OIDSignatureTimeStampToken, true)
	require.True(t, ok)
	assert.Equal(t, token, raw.FullBytes)
}

func TestNewBuilderErrors(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := generateTestCert(t, key)

	_, err = NewBuilder(nil, key, crypto.SHA256)
	assert.ErrorIs(t, err, ErrMissingCertificate)

	_, err = NewBuilder([]*x509.Certificate{cert}, key, crypto.MD5)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestParseRejectsOtherContent(t *testing.T) {
	der, err := asn1.Marshal(ContentInfo{ContentType: OIDData})
	require.NoError(t, err)
	_, err = Parse(der)
	assert.ErrorIs(t, err, ErrNotSignedData)
}
