// Package signers signs PDF documents through an incremental update: a
// signature placeholder is written first, the covered bytes are handed to a
// DetachedSigner, and the result is patched into the placeholder.
package signers

import "crypto"

// Values written to the signature dictionary.
const (
	SigFilter    = "Adobe.PPKLite"
	SigSubFilter = "adbe.pkcs7.detached"
)

// DefaultMD is the digest used when none is configured.
// Note: Some TSAs produce invalid timestamps when presented with SHA-512 requests.
const DefaultMD = crypto.SHA256

// DefaultContentsSize is the placeholder budget, in signature bytes, used
// when neither an override nor a signer estimate is available.
const DefaultContentsSize = 16384

// Default signature metadata.
const (
	DefaultSignerName = "Example User"
	DefaultLocation   = "Los Angeles, CA"
	DefaultReason     = "Testing"
)

// DigestAlgorithms maps configuration names to digest algorithms.
var DigestAlgorithms = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}
