package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyworks/lure/internal/detect"
	"github.com/decoyworks/lure/internal/report"
	"github.com/decoyworks/lure/internal/session"
)

// scamText scores 0.60: two urgency keywords plus two account-threat keywords.
const scamText = "URGENT: Your account will be blocked! Verify immediately."

// escalatedText scores higher than scamText; the latch must ignore it.
const escalatedText = "URGENT: verify immediately, account suspended, blocked, confirm now at http://phish.test"

const benignText = "hi, how are you doing today?"

type staticGenerator struct {
	reply string
}

func (g *staticGenerator) Generate(_ context.Context, _ string, _ []session.Message) string {
	return g.reply
}

type fakeReporter struct {
	mu       sync.Mutex
	payloads []*report.Payload
	fail     bool
}

func (r *fakeReporter) Send(_ context.Context, p *report.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("collector unreachable")
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *fakeReporter) sent() []*report.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*report.Payload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func (r *fakeReporter) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

type recordingSink struct {
	mu         sync.Mutex
	turns      []int
	detections []float64
	finalized  []string
}

func (s *recordingSink) TurnProcessed(_ string, turnCount int, _ bool, _ float64) {
	s.mu.Lock()
	s.turns = append(s.turns, turnCount)
	s.mu.Unlock()
}

func (s *recordingSink) ScamDetected(_ string, confidence float64) {
	s.mu.Lock()
	s.detections = append(s.detections, confidence)
	s.mu.Unlock()
}

func (s *recordingSink) SessionFinalized(id string, _ *report.Payload) {
	s.mu.Lock()
	s.finalized = append(s.finalized, id)
	s.mu.Unlock()
}

func newTestEngine(cfg Config, reporter Reporter, opts ...Option) (*Engine, *session.MemoryStore) {
	store := session.NewMemoryStore()
	e := New(store, detect.New(0.5), &staticGenerator{reply: "oh no, what should I do?"}, reporter, cfg, opts...)
	return e, store
}

func inbound(text string) session.Message {
	return session.Message{Text: text}
}

func TestProcessTurn_CreatesSessionLazily(t *testing.T) {
	rep := &fakeReporter{}
	e, store := newTestEngine(Config{MinEngagementTurns: 2}, rep)

	res, err := e.ProcessTurn(context.Background(), "sess-1", inbound(benignText))
	require.NoError(t, err)

	assert.Equal(t, "oh no, what should I do?", res.Reply)
	assert.False(t, res.ScamDetected)
	assert.Zero(t, res.Confidence)

	s, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.TurnCount)
	require.Len(t, s.History, 2)
	assert.Equal(t, session.SenderScammer, s.History[0].Sender)
	assert.NotEmpty(t, s.History[0].Timestamp)
	assert.Equal(t, session.SenderAgent, s.History[1].Sender)
	assert.Empty(t, rep.sent())
}

func TestProcessTurn_ConfidenceLatch(t *testing.T) {
	rep := &fakeReporter{}
	e, store := newTestEngine(Config{MinEngagementTurns: 10}, rep)
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)
	assert.True(t, res.ScamDetected)
	assert.InDelta(t, 0.60, res.Confidence, 1e-9)

	// A stronger later message must not move the latched confidence.
	res, err = e.ProcessTurn(ctx, "sess-1", inbound(escalatedText))
	require.NoError(t, err)
	assert.True(t, res.ScamDetected)
	assert.InDelta(t, 0.60, res.Confidence, 1e-9)

	// Nor does a benign one clear the flag.
	res, err = e.ProcessTurn(ctx, "sess-1", inbound(benignText))
	require.NoError(t, err)
	assert.True(t, res.ScamDetected)
	assert.InDelta(t, 0.60, res.Confidence, 1e-9)

	s, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, s.ScamDetected)
	assert.InDelta(t, 0.60, s.Confidence, 1e-9)
}

func TestProcessTurn_AutoFinalizeAfterMinTurns(t *testing.T) {
	rep := &fakeReporter{}
	sink := &recordingSink{}
	e, store := newTestEngine(Config{MinEngagementTurns: 2}, rep, WithEvents(sink))
	ctx := context.Background()

	// First turn detects but stays engaged: one turn is below the floor.
	_, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)
	assert.Empty(t, rep.sent())

	// Second turn crosses the floor and finalizes synchronously.
	_, err = e.ProcessTurn(ctx, "sess-1", inbound(benignText))
	require.NoError(t, err)

	sent := rep.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sess-1", sent[0].SessionID)
	assert.True(t, sent[0].ScamDetected)
	assert.Equal(t, 2, sent[0].TotalMessagesExchanged)
	assert.Contains(t, sent[0].AgentNotes, "2 turns")

	s, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinalized, s.Status)

	// Further turns are rejected.
	_, err = e.ProcessTurn(ctx, "sess-1", inbound(benignText))
	assert.ErrorIs(t, err, session.ErrFinalized)

	assert.Equal(t, []int{1, 2}, sink.turns)
	require.Len(t, sink.detections, 1)
	assert.Equal(t, []string{"sess-1"}, sink.finalized)
}

func TestProcessTurn_NoDetectionNoFinalize(t *testing.T) {
	rep := &fakeReporter{}
	e, _ := newTestEngine(Config{MinEngagementTurns: 2}, rep)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := e.ProcessTurn(ctx, "sess-1", inbound(benignText))
		require.NoError(t, err)
		assert.False(t, res.ScamDetected)
	}
	assert.Empty(t, rep.sent())
}

func TestProcessTurn_EmptyMessage(t *testing.T) {
	rep := &fakeReporter{}
	e, _ := newTestEngine(Config{MinEngagementTurns: 2}, rep)

	res, err := e.ProcessTurn(context.Background(), "sess-1", inbound(""))
	require.NoError(t, err)
	assert.False(t, res.ScamDetected)
	assert.Zero(t, res.Confidence)
	assert.NotEmpty(t, res.Reply)
}

func TestProcessTurn_MaxTurnsHardCap(t *testing.T) {
	rep := &fakeReporter{}
	e, store := newTestEngine(Config{MinEngagementTurns: 2, MaxEngagementTurns: 3}, rep)
	ctx := context.Background()

	// Three benign turns, no detection: the cap still cuts the session off.
	for i := 0; i < 3; i++ {
		_, err := e.ProcessTurn(ctx, "sess-1", inbound(benignText))
		require.NoError(t, err)
	}

	sent := rep.sent()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].ScamDetected)
	assert.Equal(t, 3, sent[0].TotalMessagesExchanged)

	s, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, s.Finalized())
}

func TestFinalize_Manual(t *testing.T) {
	rep := &fakeReporter{}
	e, _ := newTestEngine(Config{MinEngagementTurns: 10}, rep)
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)

	out, err := e.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, FinalizeDelivered, out.Status)
	require.NotNil(t, out.Payload)
	assert.True(t, out.Payload.ScamDetected)
	assert.Equal(t, 1, out.Payload.TotalMessagesExchanged)
	assert.Contains(t, out.Payload.ExtractedIntelligence.SuspiciousKeywords, "verify")
}

func TestFinalize_Idempotent(t *testing.T) {
	rep := &fakeReporter{}
	e, _ := newTestEngine(Config{MinEngagementTurns: 10}, rep)
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)

	out, err := e.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, FinalizeDelivered, out.Status)

	// Second call: idempotent outcome, no second dispatch.
	out, err = e.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, FinalizeAlreadyFinalized, out.Status)
	assert.Len(t, rep.sent(), 1)
}

func TestFinalize_UnknownSession(t *testing.T) {
	rep := &fakeReporter{}
	e, _ := newTestEngine(Config{MinEngagementTurns: 2}, rep)

	_, err := e.Finalize(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFinalize_DeliveryFailureLeavesSessionRetryable(t *testing.T) {
	rep := &fakeReporter{fail: true}
	e, store := newTestEngine(Config{MinEngagementTurns: 10}, rep)
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)

	out, err := e.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, FinalizeFailed, out.Status)
	assert.NotEmpty(t, out.Reason)

	// Session is still active and keeps accepting turns.
	s, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)

	_, err = e.ProcessTurn(ctx, "sess-1", inbound("send to account 1234-5678-9012"))
	require.NoError(t, err)

	// The retry recomputes the payload from the longer transcript.
	rep.setFail(false)
	out, err = e.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, FinalizeDelivered, out.Status)
	assert.Equal(t, 2, out.Payload.TotalMessagesExchanged)
	assert.Contains(t, out.Payload.ExtractedIntelligence.BankAccounts, "1234-5678-9012")
}

func TestFinalize_AutomaticFailureKeepsTurnFlowing(t *testing.T) {
	rep := &fakeReporter{fail: true}
	e, store := newTestEngine(Config{MinEngagementTurns: 1}, rep)
	ctx := context.Background()

	// The turn itself succeeds even though the synchronous finalize fails.
	res, err := e.ProcessTurn(ctx, "sess-1", inbound(scamText))
	require.NoError(t, err)
	assert.True(t, res.ScamDetected)

	s, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)
}

func TestProcessTurn_ParallelSessions(t *testing.T) {
	rep := &fakeReporter{}
	e, store := newTestEngine(Config{MinEngagementTurns: 100}, rep)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := e.ProcessTurn(ctx, id, inbound(benignText))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		s, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, s.TurnCount)
		assert.Len(t, s.History, 20)
	}
}
