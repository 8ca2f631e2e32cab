// Package auditexport implements the C10 Audit Exporter: a batched,
// retrying push of audit events to an external HEC-style SIEM
// endpoint, plus a cold-storage evidence-pack path. Grounded on the
// teacher's util/resiliency.EnhancedClient (exponential backoff with
// jitter, circuit breaking over an *http.Client) and
// audit.Exporter.GeneratePack (zip+manifest bundle of queried events).
package auditexport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
)

// ExportResult is the outcome of a single-event export (spec §4.10).
type ExportResult struct {
	Success          bool
	EventID          string
	ExportedAt       time.Time
	ErrorMessage     string
	IsTransientError bool
}

// BatchResult is the outcome of exportBatch (spec §4.10).
type BatchResult struct {
	TotalCount     int
	SuccessCount   int
	FailedCount    int
	FailedEventIDs []string
	Errors         []error
}

// HealthResult is the outcome of checkHealth (spec §4.10).
type HealthResult struct {
	IsHealthy   bool
	Endpoint    string
	LatencyMs   int64
	Diagnostics string
}

// transientStatus is the fixed set of status codes the spec classifies
// as transient (spec §4.10).
var transientStatus = map[int]struct{}{
	408: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// healthyStatus is the fixed set of status codes checkHealth treats as
// a reachable endpoint (spec §4.10: "endpoint reachable but rejecting
// probe method" for 400/405).
var healthyStatus = map[int]struct{}{200: {}, 400: {}, 405: {}}

// Exporter pushes audit events to one HEC-style HTTP endpoint.
type Exporter struct {
	client           *http.Client
	endpoint         string
	authHeader       string // e.g. "Splunk <token>" or "Bearer <token>"
	ackChannelHeader string
	batchSize        int
	maxRetryAttempts int
	limiter          *rate.Limiter // nil: unbounded (SPEC_FULL §4.10 addition)
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithHTTPClient overrides the default http.Client (tests only).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exporter) { e.client = c }
}

// WithAckChannelHeader sets an optional ack-channel header value sent
// with every request.
func WithAckChannelHeader(v string) Option {
	return func(e *Exporter) { e.ackChannelHeader = v }
}

// WithBatchSize overrides the default batch chunk size (100).
func WithBatchSize(n int) Option {
	return func(e *Exporter) { e.batchSize = n }
}

// WithMaxRetryAttempts overrides the default retry ceiling (3).
func WithMaxRetryAttempts(n int) Option {
	return func(e *Exporter) { e.maxRetryAttempts = n }
}

// WithRateLimiter bounds the rate of outbound HTTP requests this
// Exporter issues, so a SIEM outage does not turn into a retry storm.
// Grounded on the teacher's GlobalRateLimiter (rate.NewLimiter per
// caller); here one limiter guards every request this Exporter makes.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(e *Exporter) { e.limiter = l }
}

// New returns an Exporter posting to endpoint with the given
// Authorization header value (spec §4.10: "Authorization: <scheme>
// <token>").
func New(endpoint, authHeader string, opts ...Option) *Exporter {
	e := &Exporter{
		client:           &http.Client{Timeout: 30 * time.Second},
		endpoint:         endpoint,
		authHeader:       authHeader,
		batchSize:        100,
		maxRetryAttempts: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export pushes a single event, retrying transient failures up to
// maxRetryAttempts with exponential backoff and jitter.
func (e *Exporter) Export(ctx context.Context, ev audit.Event) ExportResult {
	body, err := json.Marshal(ev)
	if err != nil {
		return ExportResult{Success: false, EventID: ev.EventID, ErrorMessage: err.Error()}
	}

	var lastErr error
	var transient bool
	for attempt := 0; attempt <= e.maxRetryAttempts; attempt++ {
		status, err := e.post(ctx, body)
		if err == nil && status < 300 {
			return ExportResult{Success: true, EventID: ev.EventID, ExportedAt: time.Now().UTC()}
		}

		transient = classifyTransient(status, err)
		lastErr = classificationError(status, err)

		if !transient || attempt == e.maxRetryAttempts {
			break
		}
		sleepBackoff(ctx, attempt)
	}

	return ExportResult{
		Success:          false,
		EventID:          ev.EventID,
		ErrorMessage:     lastErr.Error(),
		IsTransientError: transient,
	}
}

// ExportBatch chunks events to batchSize and posts each chunk as
// newline-delimited JSON records (spec §4.10); partial batch failures
// produce a per-event result for every event in a failed chunk.
func (e *Exporter) ExportBatch(ctx context.Context, events []audit.Event) BatchResult {
	result := BatchResult{TotalCount: len(events)}

	for start := 0; start < len(events); start += e.batchSize {
		end := start + e.batchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		body, err := ndjson(chunk)
		if err != nil {
			markChunkFailed(&result, chunk, err)
			continue
		}

		var lastErr error
		ok := false
		for attempt := 0; attempt <= e.maxRetryAttempts; attempt++ {
			status, postErr := e.post(ctx, body)
			if postErr == nil && status < 300 {
				ok = true
				break
			}
			transient := classifyTransient(status, postErr)
			lastErr = classificationError(status, postErr)
			if !transient || attempt == e.maxRetryAttempts {
				break
			}
			sleepBackoff(ctx, attempt)
		}

		if ok {
			result.SuccessCount += len(chunk)
			continue
		}
		markChunkFailed(&result, chunk, lastErr)
	}

	return result
}

func markChunkFailed(result *BatchResult, chunk []audit.Event, err error) {
	result.FailedCount += len(chunk)
	for _, ev := range chunk {
		result.FailedEventIDs = append(result.FailedEventIDs, ev.EventID)
	}
	result.Errors = append(result.Errors, err)
}

// CheckHealth probes the endpoint (spec §4.10).
func (e *Exporter) CheckHealth(ctx context.Context) HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint, nil)
	if err != nil {
		return HealthResult{IsHealthy: false, Endpoint: e.endpoint, Diagnostics: err.Error()}
	}
	e.setHeaders(req)

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthResult{IsHealthy: false, Endpoint: e.endpoint, LatencyMs: latency, Diagnostics: err.Error()}
	}
	defer resp.Body.Close()

	_, healthy := healthyStatus[resp.StatusCode]
	diag := ""
	if !healthy {
		diag = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return HealthResult{IsHealthy: healthy, Endpoint: e.endpoint, LatencyMs: latency, Diagnostics: diag}
}

func (e *Exporter) post(ctx context.Context, body []byte) (int, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (e *Exporter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if e.authHeader != "" {
		req.Header.Set("Authorization", e.authHeader)
	}
	if e.ackChannelHeader != "" {
		req.Header.Set("X-Audit-Ack-Channel", e.ackChannelHeader)
	}
}

func ndjson(events []audit.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// classifyTransient implements spec §4.10's status-code and
// network-exception classification: {408,429,500,502,503,504} and
// network errors (including context deadline, "cancellation as
// timeout") are transient; everything else is permanent.
func classifyTransient(status int, err error) bool {
	if err != nil {
		return true
	}
	_, ok := transientStatus[status]
	return ok
}

func classificationError(status int, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("auditexport: endpoint returned status %d", status)
}

// sleepBackoff implements base*2^attempt + jitter, matching the
// teacher's resiliency.EnhancedClient retry loop, honoring ctx
// cancellation instead of sleeping past it.
func sleepBackoff(ctx context.Context, attempt int) {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff + jitter):
	}
}
