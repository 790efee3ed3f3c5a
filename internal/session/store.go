package session

import "context"

// Turn is the atomic unit of per-turn mutation: the inbound message, the
// agent's reply, and the counters/latch values that resulted from scoring.
// Stores must apply a Turn as a single write so no reader ever observes the
// history appended without the counters, or vice versa.
type Turn struct {
	Inbound      Message
	Reply        Message
	TurnCount    int
	ScamDetected bool
	Confidence   float64
}

// Store persists sessions.
//
// Implementations must be safe for concurrent use across sessions. Per-session
// serialization (one turn at a time) is the engine's responsibility.
type Store interface {
	// Create inserts a fresh session. ErrExists if the id is taken.
	Create(ctx context.Context, s *Session) error

	// Get returns a copy of the session. ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)

	// RecordTurn applies one turn to an active session as a single write.
	// ErrNotFound for unknown ids, ErrFinalized for finalized sessions.
	RecordTurn(ctx context.Context, id string, turn Turn) error

	// MarkFinalized transitions the session to its terminal state.
	// ErrNotFound for unknown ids. Idempotent: finalizing a finalized
	// session is a no-op.
	MarkFinalized(ctx context.Context, id string) error

	// List returns summaries of all sessions, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// CountActive returns the number of non-finalized sessions.
	CountActive(ctx context.Context) (int64, error)
}
