package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/decoyworks/lure/internal/idgen"
)

// AuditStore records delivered payloads for later review.
type AuditStore interface {
	Record(ctx context.Context, p *Payload) error
	BySession(ctx context.Context, sessionID string) ([]*Payload, error)
}

// MemoryAudit keeps delivered payloads in memory.
type MemoryAudit struct {
	mu      sync.RWMutex
	records map[string][]*Payload // by session id
}

// NewMemoryAudit creates an empty in-memory audit store.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{records: make(map[string][]*Payload)}
}

func (m *MemoryAudit) Record(_ context.Context, p *Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.records[p.SessionID] = append(m.records[p.SessionID], &cp)
	return nil
}

func (m *MemoryAudit) BySession(_ context.Context, sessionID string) ([]*Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Payload(nil), m.records[sessionID]...), nil
}

var _ AuditStore = (*MemoryAudit)(nil)

// PostgresAudit persists delivered payloads in the reports table.
type PostgresAudit struct {
	db *sql.DB
}

// NewPostgresAudit creates a PostgreSQL-backed audit store.
func NewPostgresAudit(db *sql.DB) *PostgresAudit {
	return &PostgresAudit{db: db}
}

func (p *PostgresAudit) Record(ctx context.Context, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reports (id, session_id, payload) VALUES ($1, $2, $3)`,
		idgen.WithPrefix("rpt_"), payload.SessionID, data,
	)
	return err
}

func (p *PostgresAudit) BySession(ctx context.Context, sessionID string) ([]*Payload, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM reports WHERE session_id = $1 ORDER BY delivered_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payload
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		payload := &Payload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

var _ AuditStore = (*PostgresAudit)(nil)
