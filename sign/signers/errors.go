package signers

import (
	"errors"
	"fmt"

	"github.com/georgepadayatti/gopdfsign/keys"
)

// Common errors
var (
	ErrInvalidPageIndex = errors.New("invalid page index")
	ErrDocumentReused   = errors.New("document already has a prepared signature")
	ErrAlreadyCommitted = errors.New("signature already committed")
	ErrSignerRequired   = errors.New("signer is required")
	ErrSpecRequired     = errors.New("placeholder spec is required")
	ErrEmptySignature   = errors.New("signer returned an empty signature")
)

// DocumentIOError reports a failure reading, serializing or writing a
// document.
type DocumentIOError struct {
	Message string
	Cause   error
	// Unusable is set when bytes already reached the sink.
	Unusable bool
}

func (e *DocumentIOError) Error() string {
	if e.Cause != nil {
		return "document i/o: " + e.Message + ": " + e.Cause.Error()
	}
	return "document i/o: " + e.Message
}

func (e *DocumentIOError) Unwrap() error {
	return e.Cause
}

// OutputUnusable reports whether the sink holds partial output.
func (e *DocumentIOError) OutputUnusable() bool {
	return e.Unusable
}

// SigningCapabilityError reports a signer failure or a signature value that
// does not fit the reserved placeholder.
type SigningCapabilityError struct {
	Message   string
	Cause     error
	Oversized bool
	Unusable  bool
}

func (e *SigningCapabilityError) Error() string {
	if e.Cause != nil {
		return "signing: " + e.Message + ": " + e.Cause.Error()
	}
	return "signing: " + e.Message
}

func (e *SigningCapabilityError) Unwrap() error {
	return e.Cause
}

// OutputUnusable reports whether the sink holds partial output.
func (e *SigningCapabilityError) OutputUnusable() bool {
	return e.Unusable
}

// TimestampProtocolError reports a failed exchange with a time-stamp
// authority during signing.
type TimestampProtocolError struct {
	Cause    error
	Unusable bool
}

func (e *TimestampProtocolError) Error() string {
	return "timestamp protocol: " + e.Cause.Error()
}

func (e *TimestampProtocolError) Unwrap() error {
	return e.Cause
}

// OutputUnusable reports whether the sink holds partial output.
func (e *TimestampProtocolError) OutputUnusable() bool {
	return e.Unusable
}

// InvalidPageIndexError reports a page index outside the document.
type InvalidPageIndexError struct {
	Index     int
	PageCount int
}

func (e *InvalidPageIndexError) Error() string {
	return fmt.Sprintf("%s: %d (document has %d pages)", ErrInvalidPageIndex, e.Index, e.PageCount)
}

func (e *InvalidPageIndexError) Unwrap() error {
	return ErrInvalidPageIndex
}

// IsOutputUnusable reports whether err says the sink was partially written
// and must be discarded.
func IsOutputUnusable(err error) bool {
	var u interface{ OutputUnusable() bool }
	return errors.As(err, &u) && u.OutputUnusable()
}

// markUnusable flags err as having left partial output behind.
func markUnusable(err error) error {
	var (
		dio *DocumentIOError
		sce *SigningCapabilityError
		tpe *TimestampProtocolError
	)
	switch {
	case errors.As(err, &tpe):
		tpe.Unusable = true
	case errors.As(err, &sce):
		sce.Unusable = true
	case errors.As(err, &dio):
		dio.Unusable = true
	default:
		return &DocumentIOError{Message: "output abandoned", Cause: err, Unusable: true}
	}
	return err
}

// Stage names the protocol stage an error came from, for logs.
func Stage(err error) string {
	var (
		ce  *keys.CredentialError
		dio *DocumentIOError
		sce *SigningCapabilityError
		tpe *TimestampProtocolError
		ipe *InvalidPageIndexError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "credentials"
	case errors.As(err, &ipe):
		return "placeholder"
	case errors.As(err, &tpe):
		return "timestamp"
	case errors.As(err, &sce):
		return "signing"
	case errors.As(err, &dio):
		return "document"
	}
	return "unknown"
}
