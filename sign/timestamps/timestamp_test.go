package timestamps

import (
	"context"
	"crypto"
	"crypto/sha256"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsign/internal/testtsa"
)

func digestOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestHTTPTimestamperIssuesToken(t *testing.T) {
	tsa := testtsa.New(t)
	ts := NewHTTPTimestamper(tsa.URL)

	digest := digestOf("signature value")
	token, err := ts.Timestamp(context.Background(), crypto.SHA256, digest)
	require.NoError(t, err)

	parsed, err := timestamp.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, digest, parsed.HashedMessage)
	assert.Equal(t, crypto.SHA256, parsed.HashAlgorithm)
	assert.True(t, parsed.Policy.Equal(testtsa.Policy))
	assert.WithinDuration(t, time.Now(), parsed.Time, time.Minute)
}

func TestHTTPTimestamperErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testtsa.Server)
		stage  string
		target error
	}{
		{
			name:   "http error",
			setup:  func(s *testtsa.Server) { s.Status = http.StatusServiceUnavailable },
			stage:  "transport",
			target: ErrTimestampFailed,
		},
		{
			name: "nonce mismatch",
			setup: func(s *testtsa.Server) {
				s.Tamper = func(ts *timestamp.Timestamp) { ts.Nonce = big.NewInt(1) }
			},
			stage:  "response",
			target: ErrTimestampMismatch,
		},
		{
			name: "imprint mismatch",
			setup: func(s *testtsa.Server) {
				s.Tamper = func(ts *timestamp.Timestamp) { ts.HashedMessage = digestOf("other") }
			},
			stage:  "response",
			target: ErrTimestampMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tsa := testtsa.New(t)
			tt.setup(tsa)
			_, err := NewHTTPTimestamper(tsa.URL).Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
			require.Error(t, err)

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.stage, pe.Stage)
			assert.Equal(t, tsa.URL, pe.URL)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestHTTPTimestamperRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ReplyContentType)
		_, _ = w.Write([]byte("not der"))
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL).Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "response", pe.Stage)
}

func TestHTTPTimestamperWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL).Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestHTTPTimestamperUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTimestamper(url).Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "transport", pe.Stage)
}

func TestHTTPTimestamperDigestLength(t *testing.T) {
	_, err := NewHTTPTimestamper("http://127.0.0.1:1").Timestamp(context.Background(), crypto.SHA256, []byte{1, 2, 3})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "request", pe.Stage)
}

func TestHTTPTimestamperBasicAuth(t *testing.T) {
	tsa := testtsa.New(t)
	var user, pass string
	inner := tsa.Config.Handler
	tsa.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		inner.ServeHTTP(w, r)
	})

	ts := NewHTTPTimestamper(tsa.URL)
	ts.SetCredentials("alice", "secret")
	_, err := ts.Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "secret", pass)
}

type flakyTimestamper struct {
	failures int
	calls    int
	err      error
}

func (f *flakyTimestamper) Timestamp(ctx context.Context, hashAlg crypto.Hash, digest []byte) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []byte("token"), nil
}

func TestRetryingTimestamper(t *testing.T) {
	transport := &ProtocolError{URL: "http://tsa", Stage: "transport", Err: ErrTimestampFailed}
	rejected := &ProtocolError{URL: "http://tsa", Stage: "response", Err: ErrTimestampRejected}

	t.Run("recovers from transport failures", func(t *testing.T) {
		next := &flakyTimestamper{failures: 2, err: transport}
		r := NewRetryingTimestamper(next, 3)
		r.InitialInterval = time.Millisecond
		token, err := r.Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("token"), token)
		assert.Equal(t, 3, next.calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		next := &flakyTimestamper{failures: 5, err: transport}
		r := NewRetryingTimestamper(next, 2)
		r.InitialInterval = time.Millisecond
		_, err := r.Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
		assert.ErrorIs(t, err, ErrTimestampFailed)
		assert.Equal(t, 2, next.calls)
	})

	t.Run("does not retry rejections", func(t *testing.T) {
		next := &flakyTimestamper{failures: 5, err: rejected}
		r := NewRetryingTimestamper(next, 4)
		r.InitialInterval = time.Millisecond
		_, err := r.Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
		assert.ErrorIs(t, err, ErrTimestampRejected)
		assert.Equal(t, 1, next.calls)
	})

	t.Run("zero attempts means one", func(t *testing.T) {
		next := &flakyTimestamper{failures: 1, err: transport}
		_, err := NewRetryingTimestamper(next, 0).Timestamp(context.Background(), crypto.SHA256, digestOf("x"))
		assert.Error(t, err)
		assert.Equal(t, 1, next.calls)
	})
}
