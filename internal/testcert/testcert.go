// Package testcert issues throwaway signing identities for tests.
package testcert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// Options describes the certificate to issue. Zero values give an ECDSA
// P-256 leaf valid from an hour ago for a year, self-signed.
type Options struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	RSA        bool
	CA         bool
	// Issuer signs the certificate instead of itself.
	Issuer *Identity
}

// Identity is a key with its certificate chain, leaf first.
type Identity struct {
	Key   crypto.Signer
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

var serial atomic.Int64

// New issues an identity.
func New(t testing.TB, opts Options) *Identity {
	t.Helper()
	if opts.CommonName == "" {
		opts.CommonName = "Example User"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = opts.NotBefore.Add(365 * 24 * time.Hour)
	}

	var key crypto.Signer
	var err error
	if opts.RSA {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1000 + serial.Add(1)),
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"Example Org"}},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		IsCA:                  opts.CA,
	}
	if opts.CA {
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	parent, signer := template, key
	var parents []*x509.Certificate
	if opts.Issuer != nil {
		parent, signer = opts.Issuer.Cert, opts.Issuer.Key
		parents = opts.Issuer.Chain
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{
		Key:   key,
		Cert:  cert,
		Chain: append([]*x509.Certificate{cert}, parents...),
	}
}

// PKCS12 encodes the identity as a PKCS#12 archive.
func (id *Identity) PKCS12(t testing.TB, password string) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, id.Chain[1:], password)
	require.NoError(t, err)
	return data
}

// PEM encodes the key as PKCS#8 followed by the chain.
func (id *Identity) PEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err)
	out := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	for _, c := range id.Chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}
