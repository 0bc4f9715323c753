package keys

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// PEM loading errors
var (
	ErrInvalidPEMBlock  = errors.New("invalid PEM block")
	ErrUnknownKeyType   = errors.New("unknown key type")
	ErrDecryptionFailed = errors.New("failed to decrypt private key")
)

// PEMContainer is a PEM bundle with one private key and its certificates,
// leaf first. The key block may be encrypted with the passphrase.
type PEMContainer struct {
	certs []*x509.Certificate
	key   *pem.Block
}

// OpenPEMFile reads a PEM bundle from path.
func OpenPEMFile(path string) (*PEMContainer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return OpenPEM(data)
}

// OpenPEM splits a PEM bundle into certificate and key blocks. A bundle
// without a key block is valid and has no aliases.
func OpenPEM(data []byte) (*PEMContainer, error) {
	c := &PEMContainer{}
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			c.certs = append(c.certs, cert)
		case "RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY":
			if c.key != nil {
				return nil, fmt.Errorf("%w: more than one private key", ErrInvalidPEMBlock)
			}
			c.key = block
		}
	}
	if len(c.certs) == 0 && c.key == nil {
		return nil, ErrInvalidPEMBlock
	}
	return c, nil
}

// Aliases implements Container.
func (c *PEMContainer) Aliases() ([]string, error) {
	if c.key == nil || len(c.certs) == 0 {
		return nil, nil
	}
	return []string{aliasFor(c.certs[0])}, nil
}

// PrivateKey implements Container.
func (c *PEMContainer) PrivateKey(alias, passphrase string) (crypto.Signer, error) {
	if err := c.checkAlias(alias); err != nil {
		return nil, err
	}
	keyBytes := c.key.Bytes
	if x509.IsEncryptedPEMBlock(c.key) { //nolint:staticcheck
		var err error
		keyBytes, err = x509.DecryptPEMBlock(c.key, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
	}
	return parsePrivateKeyByType(c.key.Type, keyBytes)
}

// CertificateChain implements Container.
func (c *PEMContainer) CertificateChain(alias string) ([]*x509.Certificate, error) {
	if err := c.checkAlias(alias); err != nil {
		return nil, err
	}
	return c.certs, nil
}

func (c *PEMContainer) checkAlias(alias string) error {
	aliases, _ := c.Aliases()
	if len(aliases) == 0 || aliases[0] != alias {
		return fmt.Errorf("unknown alias %q", alias)
	}
	return nil
}

// parsePrivateKeyByType parses a private key based on the PEM block type.
func parsePrivateKeyByType(blockType string, keyBytes []byte) (crypto.Signer, error) {
	var key interface{}
	var err error
	switch blockType {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(keyBytes)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, blockType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", blockType, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
	return signer, nil
}
