package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/storage/storagetest"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

func newTestClassifier(t *testing.T, endpoint string) *HTTPClassifier {
	t.Helper()
	return NewHTTPClassifier(Config{
		Endpoint:          endpoint,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, logger.Noop(), storagetest.NoOpTracer())
}

func TestHTTPClassifier_Classify(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "auth.log", req.FileID)
		assert.Equal(t, int64(50), req.StartLine)
		assert.Len(t, req.Lines, 2)

		resp := classifyResponse{Findings: []findingPayload{
			{
				LineNumber: 51,
				Excerpt:    "Failed password for root",
				Category:   "brute_force",
				Severity:   "HIGH",
				Rationale:  "repeated failures from one source",
			},
		}}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	findings, err := c.Classify(context.Background(), "auth.log", 50, []string{"line a", "line b"})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	assert.Equal(t, int64(51), findings[0].LineNumber())
	assert.Equal(t, "brute_force", findings[0].Category())
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity())
}

func TestHTTPClassifier_DropsUnknownSeverity(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := classifyResponse{Findings: []findingPayload{
			{LineNumber: 1, Severity: "URGENT"},
			{LineNumber: 2, Severity: "LOW"},
			{LineNumber: 3, Severity: "high"},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	findings, err := c.Classify(context.Background(), "f.log", 0, []string{"x"})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, int64(2), findings[0].LineNumber())
	// Lowercase severities parse rather than being dropped.
	assert.Equal(t, analysis.SeverityHigh, findings[1].Severity())
}

func TestHTTPClassifier_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", status)
		}))

		c := newTestClassifier(t, srv.URL)
		_, err := c.Classify(context.Background(), "f.log", 0, []string{"x"})
		require.Error(t, err, "status %d", status)
		assert.True(t, analysis.IsRetryable(err), "status %d should be retryable", status)
		srv.Close()
	}
}

func TestHTTPClassifier_ClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	_, err := c.Classify(context.Background(), "f.log", 0, []string{"x"})
	require.Error(t, err)
	assert.False(t, analysis.IsRetryable(err))
}

func TestHTTPClassifier_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(Config{
		Endpoint:          srv.URL,
		Timeout:           50 * time.Millisecond,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, logger.Noop(), storagetest.NoOpTracer())

	_, err := c.Classify(context.Background(), "f.log", 0, []string{"x"})
	require.Error(t, err)
	assert.True(t, analysis.IsRetryable(err))
}

func TestHTTPClassifier_MalformedBodyIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	_, err := c.Classify(context.Background(), "f.log", 0, []string{"x"})
	require.Error(t, err)
	assert.False(t, analysis.IsRetryable(err))
}
