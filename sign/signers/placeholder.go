package signers

import (
	"time"

	"github.com/georgepadayatti/gopdfsign/pdf/writer"
)

// SignatureRequest is the caller's description of a signature.
type SignatureRequest struct {
	// FieldName is the form field name; the writer picks "SignatureN" when
	// empty.
	FieldName   string
	Name        string
	Location    string
	Reason      string
	ContactInfo string
	PageIndex   int
	// ContentsSize overrides the placeholder budget when positive.
	ContentsSize int
}

// DefaultSignatureRequest returns a request carrying the default metadata
// on the first page.
func DefaultSignatureRequest() SignatureRequest {
	return SignatureRequest{
		Name:     DefaultSignerName,
		Location: DefaultLocation,
		Reason:   DefaultReason,
	}
}

// PlaceholderSpec is the fully assembled metadata of a signature
// dictionary, minus its contents budget.
type PlaceholderSpec struct {
	Filter       string
	SubFilter    string
	FieldName    string
	Name         string
	Location     string
	Reason       string
	ContactInfo  string
	SigningTime  time.Time
	PageIndex    int
	ContentsSize int
}

// BuildPlaceholderSpec validates req against a document of pageCount pages
// and fixes the signing time to now.
func BuildPlaceholderSpec(req SignatureRequest, pageCount int, now time.Time) (*PlaceholderSpec, error) {
	if req.PageIndex < 0 || req.PageIndex >= pageCount {
		return nil, &InvalidPageIndexError{Index: req.PageIndex, PageCount: pageCount}
	}
	return &PlaceholderSpec{
		Filter:       SigFilter,
		SubFilter:    SigSubFilter,
		FieldName:    req.FieldName,
		Name:         req.Name,
		Location:     req.Location,
		Reason:       req.Reason,
		ContactInfo:  req.ContactInfo,
		SigningTime:  now,
		PageIndex:    req.PageIndex,
		ContentsSize: req.ContentsSize,
	}, nil
}

func (s *PlaceholderSpec) field(contentsSize int) writer.SignatureField {
	return writer.SignatureField{
		FieldName:    s.FieldName,
		PageIndex:    s.PageIndex,
		Filter:       s.Filter,
		SubFilter:    s.SubFilter,
		Name:         s.Name,
		Location:     s.Location,
		Reason:       s.Reason,
		ContactInfo:  s.ContactInfo,
		SigningTime:  s.SigningTime,
		ContentsSize: contentsSize,
	}
}
