// Package classifier adapts the external log analysis service to the engine's
// batch classification port. The service exposes a single HTTP endpoint that
// accepts a batch of log lines and returns structured findings.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

var _ analysis.BatchClassifier = (*HTTPClassifier)(nil)

// Config controls the HTTP classifier client.
type Config struct {
	// Endpoint is the full URL of the classification endpoint.
	Endpoint string
	// Timeout bounds a single classification call end to end.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls to the analysis service.
	RequestsPerSecond float64
	// Burst allows short spikes above the sustained rate.
	Burst int
}

// HTTPClassifier calls the external analysis service over HTTP. Failures are
// classified so the caller can retry what is worth retrying: timeouts and
// server-side errors are transient, everything else is fatal.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
	limiter  *common.RateLimiter
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewHTTPClassifier creates a classifier client with a bounded per-call
// timeout and an outbound rate limit.
func NewHTTPClassifier(cfg Config, log *logger.Logger, tracer trace.Tracer) *HTTPClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  common.NewRateLimiter(rps, burst),
		logger:   log.With("component", "http_classifier"),
		tracer:   tracer,
	}
}

type classifyRequest struct {
	FileID    string   `json:"file_id"`
	StartLine int64    `json:"start_line"`
	Lines     []string `json:"lines"`
}

type classifyResponse struct {
	Findings []findingPayload `json:"findings"`
}

type findingPayload struct {
	LineNumber int64  `json:"line_number"`
	Excerpt    string `json:"excerpt"`
	Category   string `json:"category"`
	Severity   string `json:"severity"`
	Rationale  string `json:"rationale"`
}

// Classify submits one batch of lines and returns the service's findings.
// Line numbers in the response are absolute file positions.
func (c *HTTPClassifier) Classify(ctx context.Context, fileID string, startLine int64, lines []string) ([]analysis.Finding, error) {
	ctx, span := c.tracer.Start(ctx, "classifier.classify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("start_line", startLine),
			attribute.Int("num_lines", len(lines)),
		))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := json.Marshal(classifyRequest{FileID: fileID, StartLine: startLine, Lines: lines})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network errors and client timeouts are worth retrying.
		return nil, analysis.NewTransientBatchError(0, fmt.Errorf("classify call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("classify call returned %d: %s", resp.StatusCode, detail)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if isTransientStatus(resp.StatusCode) {
			return nil, analysis.NewTransientBatchError(0, err)
		}
		return nil, analysis.NewFatalBatchError(0, err)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// A malformed body from the service will not improve on retry.
		return nil, analysis.NewFatalBatchError(0, fmt.Errorf("decode classify response: %w", err))
	}

	findings := make([]analysis.Finding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		severity := analysis.ParseSeverity(f.Severity)
		if severity == "" {
			c.logger.Warn(ctx, "dropping finding with unknown severity",
				"file_id", fileID, "line_number", f.LineNumber, "severity", f.Severity)
			continue
		}
		findings = append(findings, analysis.NewFinding(f.LineNumber, f.Excerpt, f.Category, severity, f.Rationale))
	}

	span.SetAttributes(attribute.Int("num_findings", len(findings)))
	return findings, nil
}

// isTransientStatus reports whether a retry could plausibly succeed.
// Gateway timeouts and 5xx responses are the service struggling, not the
// request being wrong.
func isTransientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
