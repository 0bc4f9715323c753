package keys

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// PKCS12Container exposes the single key entry of a PKCS#12 archive.
//
// The archive is decoded when the private key is requested, so a wrong
// password surfaces as a key recovery failure rather than an open error.
type PKCS12Container struct {
	data     []byte
	password string

	alias string
	chain []*x509.Certificate
}

// OpenPKCS12File reads a PKCS#12 archive from path. password unlocks the
// certificate bags for enumeration; it is usually the same passphrase that
// protects the key.
func OpenPKCS12File(path, password string) (*PKCS12Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenPKCS12(data, password), nil
}

// OpenPKCS12 wraps an in-memory PKCS#12 archive.
func OpenPKCS12(data []byte, password string) *PKCS12Container {
	return &PKCS12Container{data: data, password: password}
}

func (c *PKCS12Container) decode(password string) (crypto.Signer, []*x509.Certificate, error) {
	key, leaf, cas, err := pkcs12.DecodeChain(c.data, password)
	if err != nil {
		return nil, nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, append([]*x509.Certificate{leaf}, cas...), nil
}

// Aliases implements Container. An archive without a key bag has no aliases.
func (c *PKCS12Container) Aliases() ([]string, error) {
	if c.alias != "" {
		return []string{c.alias}, nil
	}
	_, chain, err := c.decode(c.password)
	if err != nil {
		if isMissingKey(err) {
			return nil, nil
		}
		return nil, err
	}
	c.chain = chain
	c.alias = aliasFor(chain[0])
	return []string{c.alias}, nil
}

// PrivateKey implements Container.
func (c *PKCS12Container) PrivateKey(alias, passphrase string) (crypto.Signer, error) {
	if _, err := c.Aliases(); err != nil {
		return nil, err
	}
	if alias != c.alias {
		return nil, fmt.Errorf("unknown alias %q", alias)
	}
	key, _, err := c.decode(passphrase)
	return key, err
}

// CertificateChain implements Container.
func (c *PKCS12Container) CertificateChain(alias string) ([]*x509.Certificate, error) {
	if _, err := c.Aliases(); err != nil {
		return nil, err
	}
	if alias != c.alias {
		return nil, fmt.Errorf("unknown alias %q", alias)
	}
	return c.chain, nil
}

// isMissingKey reports archives that decode but hold no key entry, such as
// trust stores. go-pkcs12 has no sentinel for this.
func isMissingKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "private key missing") || strings.Contains(msg, "certificate missing")
}

// aliasFor names an entry after the leaf subject, the way keytool lists
// imported PKCS#12 entries.
func aliasFor(cert *x509.Certificate) string {
	if cn := strings.TrimSpace(cert.Subject.CommonName); cn != "" {
		return strings.ToLower(cn)
	}
	return "1"
}
