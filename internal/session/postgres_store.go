package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists sessions in PostgreSQL. Used when DATABASE_URL is
// set; engagements then survive process restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, scam_detected, confidence, turn_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.ScamDetected, s.Confidence, s.TurnCount, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	s := &Session{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, scam_detected, confidence, turn_count, status, created_at, updated_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.ScamDetected, &s.Confidence, &s.TurnCount, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT sender, text, ts FROM messages
		WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s.History = []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Sender, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		s.History = append(s.History, m)
	}
	return s, rows.Err()
}

// RecordTurn applies the turn in a single transaction: the row lock on the
// session serializes concurrent writers, and the status check inside the
// transaction keeps finalized sessions immutable.
func (p *PostgresStore) RecordTurn(ctx context.Context, id string, turn Turn) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusFinalized {
		return ErrFinalized
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = $1`, id,
	).Scan(&seq); err != nil {
		return err
	}

	for i, m := range []Message{turn.Inbound, turn.Reply} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, sender, text, ts)
			VALUES ($1, $2, $3, $4, $5)`,
			id, seq+1+i, m.Sender, m.Text, m.Timestamp,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET turn_count = $1, scam_detected = $2, confidence = $3, updated_at = $4
		WHERE id = $5`,
		turn.TurnCount, turn.ScamDetected, turn.Confidence, time.Now().UTC(), id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) MarkFinalized(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, updated_at = $2
		WHERE id = $3`,
		StatusFinalized, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scam_detected, confidence, turn_count, status, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.ScamDetected, &s.Confidence, &s.TurnCount, &s.Status, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE status <> $1`, StatusFinalized,
	).Scan(&n)
	return n, err
}

var _ Store = (*PostgresStore)(nil)
