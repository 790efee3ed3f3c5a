// Package session holds per-conversation engagement state.
//
// A session is created lazily on the first inbound message for an unknown
// id, mutated turn by turn while active, and frozen permanently once
// finalized. Sessions are independent of each other; all cross-turn
// coordination happens in the engine, not here.
package session

import (
	"errors"
	"strings"
	"time"
)

// Message senders. Inbound traffic is from the suspected scammer; replies
// are from the decoy agent.
const (
	SenderScammer = "scammer"
	SenderAgent   = "agent"
)

// Session status values. Finalized is terminal.
const (
	StatusActive    = "active"
	StatusFinalized = "finalized"
)

// Errors returned by stores and the engine.
var (
	// ErrNotFound is returned when an operation references a session id
	// that was never created.
	ErrNotFound = errors.New("session not found")

	// ErrFinalized is returned when a turn is submitted to a session that
	// has already been finalized.
	ErrFinalized = errors.New("session already finalized")

	// ErrExists is returned when creating a session whose id is taken.
	ErrExists = errors.New("session already exists")
)

// Message is a single utterance in an engagement. Immutable once appended.
type Message struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Session is the full per-conversation record.
//
// Invariants maintained by the engine:
//   - TurnCount equals the number of scammer messages in History.
//   - Confidence is set by the first scam-detecting turn and never again.
//   - Once Status is finalized, nothing mutates.
type Session struct {
	ID           string    `json:"sessionId"`
	History      []Message `json:"messages"`
	ScamDetected bool      `json:"scamDetected"`
	Confidence   float64   `json:"confidence"`
	TurnCount    int       `json:"turnCount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// New creates a fresh active session.
func New(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		History:   []Message{},
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Finalized reports whether the session has reached its terminal state.
func (s *Session) Finalized() bool {
	return s.Status == StatusFinalized
}

// Recent returns up to n of the most recent history entries.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		out := make([]Message, len(s.History))
		copy(out, s.History)
		return out
	}
	out := make([]Message, n)
	copy(out, s.History[len(s.History)-n:])
	return out
}

// Transcript renders the history as "sender: text" lines in order.
// This is the exact form the extractor runs over at finalize.
func (s *Session) Transcript() string {
	lines := make([]string, len(s.History))
	for i, m := range s.History {
		lines[i] = m.Sender + ": " + m.Text
	}
	return strings.Join(lines, "\n")
}

// Clone returns a deep copy, so callers can read without holding locks.
func (s *Session) Clone() *Session {
	cp := *s
	cp.History = make([]Message, len(s.History))
	copy(cp.History, s.History)
	return &cp
}

// Summary is a compact view of a session for listings.
type Summary struct {
	ID           string    `json:"sessionId"`
	ScamDetected bool      `json:"scamDetected"`
	Confidence   float64   `json:"confidence"`
	TurnCount    int       `json:"turnCount"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summarize produces the listing view of the session.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		ScamDetected: s.ScamDetected,
		Confidence:   s.Confidence,
		TurnCount:    s.TurnCount,
		Status:       s.Status,
		UpdatedAt:    s.UpdatedAt,
	}
}
