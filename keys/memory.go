package keys

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// MemoryEntry is one key entry of a MemoryContainer.
type MemoryEntry struct {
	Alias      string
	Passphrase string
	Key        crypto.Signer
	Chain      []*x509.Certificate
}

// MemoryContainer holds key entries in memory, in insertion order.
type MemoryContainer struct {
	Entries []MemoryEntry
}

var errWrongPassphrase = errors.New("wrong passphrase")

func (m *MemoryContainer) entry(alias string) (*MemoryEntry, error) {
	for i := range m.Entries {
		if m.Entries[i].Alias == alias {
			return &m.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("unknown alias %q", alias)
}

// Aliases implements Container.
func (m *MemoryContainer) Aliases() ([]string, error) {
	out := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Alias)
	}
	return out, nil
}

// PrivateKey implements Container.
func (m *MemoryContainer) PrivateKey(alias, passphrase string) (crypto.Signer, error) {
	e, err := m.entry(alias)
	if err != nil {
		return nil, err
	}
	if e.Passphrase != passphrase {
		return nil, errWrongPassphrase
	}
	if e.Key == nil {
		return nil, fmt.Errorf("entry %q has no private key", alias)
	}
	return e.Key, nil
}

// CertificateChain implements Container.
func (m *MemoryContainer) CertificateChain(alias string) ([]*x509.Certificate, error) {
	e, err := m.entry(alias)
	if err != nil {
		return nil, err
	}
	return e.Chain, nil
}
