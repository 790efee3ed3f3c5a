// Package engine implements the per-conversation decision protocol: score
// each inbound turn, keep the counterpart engaged, and finalize the session
// with an intelligence report once enough has been harvested.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/decoyworks/lure/internal/detect"
	"github.com/decoyworks/lure/internal/intel"
	"github.com/decoyworks/lure/internal/metrics"
	"github.com/decoyworks/lure/internal/reply"
	"github.com/decoyworks/lure/internal/report"
	"github.com/decoyworks/lure/internal/session"
	"github.com/decoyworks/lure/internal/syncutil"
	"github.com/decoyworks/lure/internal/traces"
)

// Reporter delivers a finalize payload to the collector. A nil error means
// delivered; anything else leaves the session retryable.
type Reporter interface {
	Send(ctx context.Context, p *report.Payload) error
}

// EventSink receives engagement lifecycle events. Implementations must not
// block; the engine calls them inline.
type EventSink interface {
	TurnProcessed(sessionID string, turnCount int, scamDetected bool, confidence float64)
	ScamDetected(sessionID string, confidence float64)
	SessionFinalized(sessionID string, payload *report.Payload)
}

// Config holds the engagement tuning knobs.
type Config struct {
	// MinEngagementTurns gates automatic finalize: once a scam is detected,
	// the engine keeps the conversation going until this many inbound turns
	// have accumulated, to harvest more intelligence.
	MinEngagementTurns int

	// MaxEngagementTurns is a hard cap on engagement length. Reaching it
	// triggers finalize even without a detection. Zero disables the cap.
	MaxEngagementTurns int
}

// TurnResult is what the caller gets back for each processed turn.
type TurnResult struct {
	Reply        string  `json:"reply"`
	ScamDetected bool    `json:"scamDetected"`
	Confidence   float64 `json:"confidence"`
}

// Finalize outcome statuses.
const (
	FinalizeDelivered        = "success"
	FinalizeAlreadyFinalized = "already_finalized"
	FinalizeFailed           = "error"
)

// FinalizeOutcome describes one finalize attempt. Delivery failure is an
// outcome, not an error: the session stays active and a later call retries
// with a freshly computed payload.
type FinalizeOutcome struct {
	Status    string          `json:"status"`
	SessionID string          `json:"sessionId"`
	Payload   *report.Payload `json:"payload,omitempty"`
	Reason    string          `json:"message,omitempty"`
}

// Engine orchestrates scoring, reply generation, and reporting against the
// session store.
type Engine struct {
	store     session.Store
	detector  *detect.Detector
	generator reply.Generator
	reporter  Reporter
	cfg       Config

	// locks serializes all mutation of a single session. Different sessions
	// hash to different shards and proceed in parallel.
	locks  syncutil.ShardedMutex
	events EventSink
	logger *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEvents attaches a lifecycle event sink.
func WithEvents(sink EventSink) Option {
	return func(e *Engine) {
		e.events = sink
	}
}

// New creates an engine.
func New(store session.Store, detector *detect.Detector, generator reply.Generator, reporter Reporter, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		detector:  detector,
		generator: generator,
		reporter:  reporter,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessTurn runs the per-turn protocol for one inbound message.
//
// The session is created lazily on first contact. All mutation for the turn
// (inbound append, turn increment, confidence latch, reply append) lands in
// one store write, so a failure during any sub-step leaves no half-applied
// state. If the turn satisfies the finalize condition, finalize runs
// synchronously before returning; its failure is logged, never surfaced,
// because the session simply stays retryable.
func (e *Engine) ProcessTurn(ctx context.Context, id string, inbound session.Message) (*TurnResult, error) {
	ctx, span := traces.StartSpan(ctx, "engine.ProcessTurn", traces.SessionID(id))
	defer span.End()

	start := time.Now()
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		s = session.New(id)
		if err := e.store.Create(ctx, s); err != nil {
			return nil, err
		}
		e.logger.Info("session created", "session_id", id)
		e.refreshActiveGauge(ctx)
	} else if err != nil {
		return nil, err
	}

	if s.Finalized() {
		return nil, session.ErrFinalized
	}

	if inbound.Sender == "" {
		inbound.Sender = session.SenderScammer
	}
	if inbound.Timestamp == "" {
		inbound.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	score := e.detector.Score(inbound.Text)
	turnCount := s.TurnCount + 1

	scamDetected := s.ScamDetected
	confidence := s.Confidence
	firstDetection := score.IsScam && !scamDetected
	if firstDetection {
		// The latch: the first detecting turn's score is the session's
		// permanent reported confidence.
		scamDetected = true
		confidence = score.Confidence
	}

	// Reply context is the trailing window of the conversation before this
	// turn; the generator appends the inbound text itself.
	histCtx := s.Recent(reply.HistoryWindow - 1)
	replyText := e.generator.Generate(ctx, inbound.Text, histCtx)
	replyMsg := session.Message{
		Sender:    session.SenderAgent,
		Text:      replyText,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := e.store.RecordTurn(ctx, id, session.Turn{
		Inbound:      inbound,
		Reply:        replyMsg,
		TurnCount:    turnCount,
		ScamDetected: scamDetected,
		Confidence:   confidence,
	}); err != nil {
		return nil, err
	}

	metrics.TurnsTotal.Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		traces.TurnCount(turnCount),
		traces.Confidence(confidence),
		traces.ScamDetected(scamDetected),
	)

	if firstDetection {
		metrics.ScamsDetectedTotal.Inc()
		e.logger.Info("scam detected",
			"session_id", id,
			"turn", turnCount,
			"confidence", confidence,
		)
		if e.events != nil {
			e.events.ScamDetected(id, confidence)
		}
	}
	if e.events != nil {
		e.events.TurnProcessed(id, turnCount, scamDetected, confidence)
	}

	if e.shouldFinalize(scamDetected, turnCount) {
		outcome, err := e.finalizeLocked(ctx, id)
		if err != nil {
			e.logger.Error("automatic finalize failed", "session_id", id, "error", err)
		} else if outcome.Status == FinalizeFailed {
			e.logger.Warn("automatic finalize failed, session stays retryable",
				"session_id", id,
				"reason", outcome.Reason,
			)
		}
	}

	return &TurnResult{
		Reply:        replyText,
		ScamDetected: scamDetected,
		Confidence:   confidence,
	}, nil
}

// shouldFinalize evaluates the turn-protocol finalize condition.
func (e *Engine) shouldFinalize(scamDetected bool, turnCount int) bool {
	if scamDetected && turnCount >= e.cfg.MinEngagementTurns {
		return true
	}
	// Hard cap: cut the engagement off and report whatever was harvested.
	return e.cfg.MaxEngagementTurns > 0 && turnCount >= e.cfg.MaxEngagementTurns
}

// Finalize runs the finalize protocol for a session. Safe to call multiple
// times: a finalized session yields the idempotent already-finalized outcome
// with no second dispatch.
func (e *Engine) Finalize(ctx context.Context, id string) (*FinalizeOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Finalize", traces.SessionID(id))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	return e.finalizeLocked(ctx, id)
}

// finalizeLocked runs the finalize protocol. Caller holds the session lock.
func (e *Engine) finalizeLocked(ctx context.Context, id string) (*FinalizeOutcome, error) {
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.Finalized() {
		return &FinalizeOutcome{Status: FinalizeAlreadyFinalized, SessionID: id}, nil
	}

	// The payload is recomputed from the full transcript on every attempt,
	// so a retry after a failed delivery reports the longer conversation.
	payload := &report.Payload{
		SessionID:              id,
		ScamDetected:           s.ScamDetected,
		TotalMessagesExchanged: s.TurnCount,
		ExtractedIntelligence:  intel.Extract(s.Transcript()),
		AgentNotes:             report.Notes(s.TurnCount, s.Confidence),
	}

	if err := e.reporter.Send(ctx, payload); err != nil {
		return &FinalizeOutcome{
			Status:    FinalizeFailed,
			SessionID: id,
			Reason:    err.Error(),
		}, nil
	}

	if err := e.store.MarkFinalized(ctx, id); err != nil {
		// Delivery succeeded but the state write failed; the session stays
		// active, so a later finalize will dispatch again.
		return &FinalizeOutcome{
			Status:    FinalizeFailed,
			SessionID: id,
			Reason:    err.Error(),
		}, nil
	}

	e.logger.Info("session finalized",
		"session_id", id,
		"turns", s.TurnCount,
		"confidence", s.Confidence,
	)
	e.refreshActiveGauge(ctx)
	if e.events != nil {
		e.events.SessionFinalized(id, payload)
	}

	return &FinalizeOutcome{Status: FinalizeDelivered, SessionID: id, Payload: payload}, nil
}

// GetSession returns a copy of the full session record.
func (e *Engine) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Get(ctx, id)
}

// Sessions lists summaries of all sessions.
func (e *Engine) Sessions(ctx context.Context) ([]session.Summary, error) {
	return e.store.List(ctx)
}

func (e *Engine) refreshActiveGauge(ctx context.Context) {
	if n, err := e.store.CountActive(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}
