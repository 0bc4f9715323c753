// Package timestamps obtains RFC 3161 time-stamp tokens.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp response")
	ErrTimestampMismatch = errors.New("timestamp does not match request")
)

// TokenSizeEstimate is the room reserved for a time-stamp token when sizing
// a signature placeholder.
const TokenSizeEstimate = 8192

// Content types of the RFC 3161 HTTP transport.
const (
	QueryContentType = "application/timestamp-query"
	ReplyContentType = "application/timestamp-reply"
)

// Timestamper obtains a time-stamp token over a precomputed digest.
type Timestamper interface {
	// Timestamp returns the DER ContentInfo of the token.
	Timestamp(ctx context.Context, hashAlg crypto.Hash, digest []byte) ([]byte, error)
}

// ProtocolError reports a failed exchange with a time-stamp authority.
type ProtocolError struct {
	URL string
	// Stage is one of "request", "transport", "response".
	Stage string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("timestamp %s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HTTPTimestamper implements Timestamper over HTTP POST.
type HTTPTimestamper struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string
	// Rand is the nonce source.
	Rand io.Reader
}

// NewHTTPTimestamper creates a timestamper for url with a 30 second timeout.
func NewHTTPTimestamper(url string) *HTTPTimestamper {
	return &HTTPTimestamper{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Rand:       rand.Reader,
	}
}

// SetCredentials sets basic authentication credentials.
func (t *HTTPTimestamper) SetCredentials(username, password string) {
	t.Username = username
	t.Password = password
}

func (t *HTTPTimestamper) fail(stage string, err error) error {
	return &ProtocolError{URL: t.URL, Stage: stage, Err: err}
}

// Timestamp implements Timestamper.
func (t *HTTPTimestamper) Timestamp(ctx context.Context, hashAlg crypto.Hash, digest []byte) ([]byte, error) {
	log := zerolog.Ctx(ctx).With().Str("tsa", t.URL).Logger()

	if len(digest) != hashAlg.Size() {
		return nil, t.fail("request", fmt.Errorf("digest length %d does not match %s", len(digest), hashAlg))
	}
	nonce, err := rand.Int(t.Rand, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, t.fail("request", err)
	}
	query, err := (&timestamp.Request{
		HashAlgorithm: hashAlg,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}).Marshal()
	if err != nil {
		return nil, t.fail("request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(query))
	if err != nil {
		return nil, t.fail("request", err)
	}
	req.Header.Set("Content-Type", QueryContentType)
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, t.fail("transport", fmt.Errorf("%w: %v", ErrTimestampFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, t.fail("transport", fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, _ := mime.ParseMediaType(ct); mt != ReplyContentType {
			return nil, t.fail("response", fmt.Errorf("%w: content type %q", ErrInvalidTimestamp, ct))
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.fail("transport", err)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		var pe timestamp.ParseError
		if errors.As(err, &pe) {
			return nil, t.fail("response", fmt.Errorf("%w: %v", ErrInvalidTimestamp, err))
		}
		return nil, t.fail("response", fmt.Errorf("%w: %v", ErrTimestampRejected, err))
	}
	if ts.HashAlgorithm != hashAlg || !bytes.Equal(ts.HashedMessage, digest) {
		return nil, t.fail("response", fmt.Errorf("%w: message imprint", ErrTimestampMismatch))
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, t.fail("response", fmt.Errorf("%w: nonce", ErrTimestampMismatch))
	}

	log.Debug().
		Time("gen_time", ts.Time).
		Dur("elapsed", time.Since(start)).
		Int("token_size", len(ts.RawToken)).
		Msg("timestamp token received")
	return ts.RawToken, nil
}
