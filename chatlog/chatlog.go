// Package chatlog writes an audit trail of every exchange to a durable sink,
// separate from the conversation history used for prompting.
package chatlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one logged message. Message holds the question text for user
// records and the full structured reply for assistant records.
type Record struct {
	ID        string    `bson:"_id" json:"id"`
	SessionID string    `bson:"session_id" json:"session_id"`
	Role      string    `bson:"role" json:"role"`
	Message   any       `bson:"message" json:"message"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

func NewRecord(session, role string, message any, at time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		SessionID: session,
		Role:      role,
		Message:   message,
		Timestamp: at.UTC(),
	}
}

// Sink writes the records of one call in order, best effort. A failed call
// may leave a prefix of its records written; callers log the error and move
// on.
type Sink interface {
	Append(ctx context.Context, records ...Record) error
}

type NopSink struct{}

func (NopSink) Append(context.Context, ...Record) error { return nil }

// MemorySink keeps records in process memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Append(_ context.Context, records ...Record) error {
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

var (
	_ Sink = NopSink{}
	_ Sink = (*MemorySink)(nil)
)
