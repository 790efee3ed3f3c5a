package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decoyworks/lure/internal/intel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPayload() *Payload {
	return &Payload{
		SessionID:              "sess-1",
		ScamDetected:           true,
		TotalMessagesExchanged: 4,
		ExtractedIntelligence: intel.Intelligence{
			BankAccounts:       []string{"1234-5678-9012-3456"},
			PaymentHandles:     []string{"scam@upi"},
			PhishingLinks:      []string{"http://bit.ly/x"},
			PhoneNumbers:       []string{"+919876543210"},
			SuspiciousKeywords: []string{"urgent", "verify"},
		},
		AgentNotes: Notes(4, 0.85),
	}
}

func TestSend_Success(t *testing.T) {
	var got Payload
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, APIKey: "secret"}, testLogger())

	require.NoError(t, d.Send(context.Background(), testPayload()))
	assert.Equal(t, "secret", apiKey)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, []string{"http://bit.ly/x"}, got.ExtractedIntelligence.PhishingLinks)
	assert.Equal(t, "Session lasted 4 turns. Scam confidence: 0.85", got.AgentNotes)
}

func TestSend_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, MaxAttempts: 3, BaseDelay: time.Millisecond}, testLogger())

	require.NoError(t, d.Send(context.Background(), testPayload()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, MaxAttempts: 3, BaseDelay: time.Millisecond}, testLogger())

	err := d.Send(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_FailureAfterAllAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, MaxAttempts: 2, BaseDelay: time.Millisecond}, testLogger())

	assert.Error(t, d.Send(context.Background(), testPayload()))
}

func TestSend_UnreachableCollector(t *testing.T) {
	d := NewDispatcher(Config{
		URL:         "http://127.0.0.1:1", // nothing listens here
		Timeout:     200 * time.Millisecond,
		MaxAttempts: 1,
	}, testLogger())

	assert.Error(t, d.Send(context.Background(), testPayload()))
}

func TestSend_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL, MaxAttempts: 1, BaseDelay: time.Millisecond}, testLogger())

	for i := 0; i < 5; i++ {
		assert.Error(t, d.Send(context.Background(), testPayload()))
	}

	err := d.Send(context.Background(), testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestSend_AuditRecordsDeliveredPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	audit := NewMemoryAudit()
	d := NewDispatcher(Config{URL: srv.URL}, testLogger(), WithAudit(audit))

	require.NoError(t, d.Send(context.Background(), testPayload()))

	records, err := audit.BySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].ScamDetected)
}
