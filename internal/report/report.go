// Package report delivers finalized intelligence payloads to the external
// collector.
//
// Delivery is best-effort with a bounded timeout: the engine treats any
// failure here as retryable and leaves the session active, so this package
// never needs to guarantee more than an honest success/failure answer.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/decoyworks/lure/internal/circuitbreaker"
	"github.com/decoyworks/lure/internal/intel"
	"github.com/decoyworks/lure/internal/metrics"
	"github.com/decoyworks/lure/internal/retry"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Payload is the report sent to the collector. The shape is a stable
// contract; renaming fields breaks the collector.
type Payload struct {
	SessionID              string             `json:"sessionId"`
	ScamDetected           bool               `json:"scamDetected"`
	TotalMessagesExchanged int                `json:"totalMessagesExchanged"`
	ExtractedIntelligence  intel.Intelligence `json:"extractedIntelligence"`
	AgentNotes             string             `json:"agentNotes"`
}

// Notes renders the agentNotes line for a finished engagement.
func Notes(turns int, confidence float64) string {
	return fmt.Sprintf("Session lasted %d turns. Scam confidence: %.2f", turns, confidence)
}

// Config configures the dispatcher.
type Config struct {
	URL         string        // collector endpoint
	APIKey      string        // sent as x-api-key
	Timeout     time.Duration // per-attempt timeout, defaults to DefaultTimeout
	MaxAttempts int           // in-call retry attempts, defaults to 3
	BaseDelay   time.Duration // initial backoff, defaults to 500ms
}

// Dispatcher posts payloads to the collector with retry and a circuit
// breaker keyed by collector host.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.Breaker
	host    string
	audit   AuditStore
	logger  *slog.Logger
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithAudit records every successfully delivered payload.
func WithAudit(store AuditStore) Option {
	return func(d *Dispatcher) {
		d.audit = store
	}
}

// NewDispatcher creates a dispatcher for the given collector.
func NewDispatcher(cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}

	host := cfg.URL
	if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		host = u.Host
	}

	d := &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		host:    host,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers the payload. A nil return means the collector accepted it
// (2xx). Any error, including timeout and open circuit, means not delivered.
func (d *Dispatcher) Send(ctx context.Context, p *Payload) error {
	if !d.breaker.Allow(d.host) {
		metrics.ReportsTotal.WithLabelValues("circuit_open").Inc()
		return fmt.Errorf("collector circuit open for %s", d.host)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, body)
	})
	if err != nil {
		d.breaker.RecordFailure(d.host)
		metrics.ReportsTotal.WithLabelValues("failure").Inc()
		return err
	}

	d.breaker.RecordSuccess(d.host)
	metrics.ReportsTotal.WithLabelValues("success").Inc()
	d.logger.Info("report delivered",
		"session_id", p.SessionID,
		"turns", p.TotalMessagesExchanged,
		"scam_detected", p.ScamDetected,
	)

	if d.audit != nil {
		if err := d.audit.Record(ctx, p); err != nil {
			d.logger.Warn("failed to record report audit", "session_id", p.SessionID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("x-api-key", d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The collector rejected the payload; retrying the same bytes
		// cannot succeed.
		return retry.Permanent(fmt.Errorf("collector rejected report: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
}
