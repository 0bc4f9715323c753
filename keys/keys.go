// Package keys resolves signing key material from credential containers
// such as PKCS#12 files, PEM bundles and PKCS#11 tokens.
package keys

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
)

// Credential errors. They are always wrapped in a *CredentialError.
var (
	ErrEmptyCredentialStore = errors.New("credential store has no entries")
	ErrKeyRecoveryFailure   = errors.New("could not recover private key")
	ErrExpiredCertificate   = errors.New("certificate is not valid at this time")
)

// Container is an opened credential container. Parsing the container format
// is the container's job; Resolve only queries it.
type Container interface {
	// Aliases enumerates the entries in a stable order.
	Aliases() ([]string, error)
	// PrivateKey unlocks the key of alias with passphrase.
	PrivateKey(alias, passphrase string) (crypto.Signer, error)
	// CertificateChain returns the chain of alias, leaf first.
	CertificateChain(alias string) ([]*x509.Certificate, error)
}

// CredentialError reports a failure to obtain usable key material.
type CredentialError struct {
	Reason error // one of the Err* sentinels above
	Alias  string
	Err    error
}

func (e *CredentialError) Error() string {
	msg := "credential error: " + e.Reason.Error()
	if e.Alias != "" {
		msg += fmt.Sprintf(" (alias %q)", e.Alias)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// KeyMaterial is a private key with its certificate chain. It is immutable
// once resolved and may be shared by concurrent sign operations.
type KeyMaterial struct {
	Alias      string
	PrivateKey crypto.Signer
	// Chain holds the leaf certificate first.
	Chain    []*x509.Certificate
	NotAfter time.Time
}

// Certificate returns the leaf certificate.
func (k *KeyMaterial) Certificate() *x509.Certificate {
	return k.Chain[0]
}

// Close releases the key if it is backed by an external resource.
func (k *KeyMaterial) Close() error {
	if c, ok := k.PrivateKey.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type resolveOptions struct {
	alias string
	clock clockwork.Clock
}

// ResolveOption customizes Resolve.
type ResolveOption func(*resolveOptions)

// WithAlias selects an entry by name instead of the first enumerated one.
func WithAlias(alias string) ResolveOption {
	return func(o *resolveOptions) { o.alias = alias }
}

// WithClock sets the clock the leaf validity is checked against.
func WithClock(c clockwork.Clock) ResolveOption {
	return func(o *resolveOptions) { o.clock = c }
}

// Resolve selects an entry of c, unlocks its private key and checks that the
// leaf certificate is currently valid.
func Resolve(c Container, passphrase string, opts ...ResolveOption) (*KeyMaterial, error) {
	o := resolveOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	aliases, err := c.Aliases()
	if err != nil {
		return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Err: err}
	}
	if len(aliases) == 0 {
		return nil, &CredentialError{Reason: ErrEmptyCredentialStore}
	}

	alias := aliases[0]
	if o.alias != "" {
		alias = ""
		for _, a := range aliases {
			if a == o.alias {
				alias = a
				break
			}
		}
		if alias == "" {
			return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Alias: o.alias, Err: errors.New("no such alias")}
		}
	}

	key, err := c.PrivateKey(alias, passphrase)
	if err != nil {
		return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Alias: alias, Err: err}
	}
	chain, err := c.CertificateChain(alias)
	if err != nil {
		return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Alias: alias, Err: err}
	}
	if len(chain) == 0 {
		return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Alias: alias, Err: errors.New("entry has no certificate")}
	}
	leaf := chain[0]

	if pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool }); ok && !pub.Equal(leaf.PublicKey) {
		return nil, &CredentialError{Reason: ErrKeyRecoveryFailure, Alias: alias, Err: errors.New("private key does not match certificate")}
	}

	now := o.clock.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, &CredentialError{
			Reason: ErrExpiredCertificate,
			Alias:  alias,
			Err: fmt.Errorf("%s valid from %s to %s",
				leaf.Subject.CommonName, leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339)),
		}
	}

	return &KeyMaterial{
		Alias:      alias,
		PrivateKey: key,
		Chain:      chain,
		NotAfter:   leaf.NotAfter,
	}, nil
}
