package history

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Store is the append-only failover event history log. Events are appended
// once, on reaching Complete or Aborted, and never mutated afterwards.
// This allows for different backend implementations (in-memory, PostgreSQL).
type Store interface {
	// Append records a finalized failover event. Implementations must be
	// safe for concurrent appends from multiple completed events.
	Append(ctx context.Context, event *models.FailoverEvent) error

	// List returns up to limit events, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*models.FailoverEvent, error)

	// Get retrieves one event by ID; nil when not found.
	Get(ctx context.Context, id uuid.UUID) (*models.FailoverEvent, error)

	// Initialize sets up the store, e.g. creates tables if they don't exist.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore keeps history in memory. Used in tests and when no Postgres
// DSN is configured; history is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	events []*models.FailoverEvent
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, event *models.FailoverEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*models.FailoverEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stored in append order; newest last. Return newest first.
	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.FailoverEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.FailoverEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
