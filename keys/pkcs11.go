package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PKCS#11 related errors
var (
	ErrPKCS11ModuleLoad = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken    = errors.New("no matching token found")
	ErrPKCS11NoKey      = errors.New("private key not found")
	ErrPKCS11NoCert     = errors.New("certificate not found")
	ErrPKCS11Login      = errors.New("PKCS#11 login failed")
)

// pkcs11API is the subset of *pkcs11.Ctx used by the container.
type pkcs11API interface {
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Finalize() error
	Destroy()
}

// PKCS11Options selects a token.
type PKCS11Options struct {
	ModulePath string
	// TokenLabel picks the token by label; the only token is used when empty.
	TokenLabel string
}

// PKCS11Container exposes the certificates and keys of a PKCS#11 token.
// Aliases are certificate labels; the private key must carry the same label.
// The passphrase given to PrivateKey is the user PIN.
type PKCS11Container struct {
	api     pkcs11API
	session pkcs11.SessionHandle

	mu       sync.Mutex
	loggedIn bool
}

// OpenPKCS11 loads the module and opens a session on the selected token.
func OpenPKCS11(opts PKCS11Options) (*PKCS11Container, error) {
	ctx := pkcs11.New(opts.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, opts.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}
	fail := func(err error) (*PKCS11Container, error) {
		ctx.Finalize()
		ctx.Destroy()
		return nil, err
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return fail(fmt.Errorf("failed to get slots: %w", err))
	}
	slot, err := selectSlot(ctx, slots, opts.TokenLabel)
	if err != nil {
		return fail(err)
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fail(fmt.Errorf("failed to open PKCS#11 session: %w", err))
	}
	return newPKCS11Container(ctx, session), nil
}

func newPKCS11Container(api pkcs11API, session pkcs11.SessionHandle) *PKCS11Container {
	return &PKCS11Container{api: api, session: session}
}

func selectSlot(ctx *pkcs11.Ctx, slots []uint, label string) (uint, error) {
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens available", ErrPKCS11NoToken)
	}
	if label == "" {
		if len(slots) > 1 {
			return 0, fmt.Errorf("%w: %d tokens present, set a token label", ErrPKCS11NoToken, len(slots))
		}
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		// PKCS#11 pads labels with spaces
		if strings.TrimRight(info.Label, " ") == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q", ErrPKCS11NoToken, label)
}

// Close ends the session and unloads the module.
func (c *PKCS11Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.api.CloseSession(c.session)
	c.api.Finalize()
	c.api.Destroy()
	return err
}

func (c *PKCS11Container) find(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := c.api.FindObjectsInit(c.session, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer c.api.FindObjectsFinal(c.session)

	var out []pkcs11.ObjectHandle
	for {
		objs, _, err := c.api.FindObjects(c.session, 16)
		if err != nil {
			return nil, fmt.Errorf("FindObjects failed: %w", err)
		}
		if len(objs) == 0 {
			return out, nil
		}
		out = append(out, objs...)
	}
}

func (c *PKCS11Container) attribute(obj pkcs11.ObjectHandle, typ uint) ([]byte, error) {
	attrs, err := c.api.GetAttributeValue(c.session, obj, []*pkcs11.Attribute{pkcs11.NewAttribute(typ, nil)})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs[0].Value, nil
}

type tokenCert struct {
	label string
	cert  *x509.Certificate
}

func (c *PKCS11Container) certificates() ([]tokenCert, error) {
	objs, err := c.find([]*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)})
	if err != nil {
		return nil, err
	}
	var out []tokenCert
	for _, obj := range objs {
		der, err := c.attribute(obj, pkcs11.CKA_VALUE)
		if err != nil || len(der) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		label, _ := c.attribute(obj, pkcs11.CKA_LABEL)
		out = append(out, tokenCert{label: string(label), cert: cert})
	}
	return out, nil
}

// Aliases implements Container.
func (c *PKCS11Container) Aliases() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	certs, err := c.certificates()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var aliases []string
	for _, tc := range certs {
		if tc.label == "" || seen[tc.label] {
			continue
		}
		seen[tc.label] = true
		aliases = append(aliases, tc.label)
	}
	sort.Strings(aliases)
	return aliases, nil
}

// CertificateChain implements Container. The chain is completed with other
// certificates on the token by following issuer names.
func (c *PKCS11Container) CertificateChain(alias string) ([]*x509.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	certs, err := c.certificates()
	if err != nil {
		return nil, err
	}
	var leaf *x509.Certificate
	for _, tc := range certs {
		if tc.label == alias {
			leaf = tc.cert
			break
		}
	}
	if leaf == nil {
		return nil, fmt.Errorf("%w: label %q", ErrPKCS11NoCert, alias)
	}

	chain := []*x509.Certificate{leaf}
	for cur := leaf; !bytes.Equal(cur.RawIssuer, cur.RawSubject); {
		var next *x509.Certificate
		for _, tc := range certs {
			if bytes.Equal(tc.cert.RawSubject, cur.RawIssuer) && cur.CheckSignatureFrom(tc.cert) == nil {
				next = tc.cert
				break
			}
		}
		if next == nil || len(chain) > 8 {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// PrivateKey implements Container. It logs in with passphrase as the user PIN.
func (c *PKCS11Container) PrivateKey(alias, passphrase string) (crypto.Signer, error) {
	c.mu.Lock()
	if !c.loggedIn {
		err := c.api.Login(c.session, pkcs11.CKU_USER, passphrase)
		var perr pkcs11.Error
		if err != nil && !(errors.As(err, &perr) && perr == pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrPKCS11Login, err)
		}
		c.loggedIn = true
	}
	objs, err := c.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, alias),
	})
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(objs) != 1 {
		return nil, fmt.Errorf("%w: label %q matched %d keys", ErrPKCS11NoKey, alias, len(objs))
	}

	chain, err := c.CertificateChain(alias)
	if err != nil {
		return nil, err
	}
	switch chain[0].PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported token key type %T", chain[0].PublicKey)
	}
	return &tokenSigner{container: c, key: objs[0], pub: chain[0].PublicKey}, nil
}

// tokenSigner is a crypto.Signer whose private key never leaves the token.
type tokenSigner struct {
	container *PKCS11Container
	key       pkcs11.ObjectHandle
	pub       crypto.PublicKey
}

func (s *tokenSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *tokenSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, errors.New("RSA-PSS is not supported for token keys")
	}

	var mech *pkcs11.Mechanism
	message := digest
	switch s.pub.(type) {
	case *rsa.PublicKey:
		info, err := digestInfo(opts.HashFunc(), digest)
		if err != nil {
			return nil, err
		}
		mech, message = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), info
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	}

	c := s.container
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.api.SignInit(c.session, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("PKCS#11 SignInit failed: %w", err)
	}
	sig, err := c.api.Sign(c.session, message)
	if err != nil {
		return nil, fmt.Errorf("PKCS#11 signing failed: %w", err)
	}
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return encodeECDSASignature(sig)
	}
	return sig, nil
}

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// digestInfo wraps a digest in a PKCS#1 DigestInfo for CKM_RSA_PKCS.
func digestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestOIDs[h]
	if !ok {
		return nil, fmt.Errorf("unsupported digest %s", h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %s", len(digest), h)
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})
	return b.Bytes()
}

// encodeECDSASignature converts the raw r||s output of CKM_ECDSA to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
