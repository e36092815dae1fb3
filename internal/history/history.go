// Package history records one entry per dispatch outcome, success or
// failure. Recording is best effort: a storage failure is logged and
// the request proceeds.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record captures the outcome of one dispatch attempt chain.
type Record struct {
	RequestID    string        `json:"request_id"`
	TenantID     string        `json:"tenant_id"`
	Provider     string        `json:"provider,omitempty"`
	Attempts     int           `json:"attempts"`
	PromptTokens int           `json:"prompt_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency_ms"`
	Streamed     bool          `json:"streamed"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Store persists dispatch records.
type Store interface {
	Save(ctx context.Context, record Record) error
}

// Recorder wraps a Store with the log-and-continue policy.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record saves the entry, logging failures instead of returning them.
func (r *Recorder) Record(ctx context.Context, record Record) {
	if r == nil || r.store == nil {
		return
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Save(ctx, record); err != nil {
		slog.Error("history record failed",
			"request_id", record.RequestID,
			"tenant_id", record.TenantID,
			"error", err,
		)
	}
}

// InMemoryStore retains records for tests and single-node setups.
type InMemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make([]Record, 0)}
}

func (s *InMemoryStore) Save(ctx context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Record, len(s.records))
	copy(result, s.records)
	return result
}
