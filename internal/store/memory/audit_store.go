package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, positionID, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]any, len(detail))
	for k, v := range detail {
		copied[k] = v
	}
	s.entries = append(s.entries, domain.AuditEntry{
		ID:         s.nextID,
		PositionID: positionID,
		Event:      event,
		Detail:     copied,
		CreatedAt:  time.Now().UTC(),
	})
	s.nextID++
	return nil
}

// List returns entries newest-first with pagination.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListByPosition returns the entries for one position in insertion order.
func (s *AuditStore) ListByPosition(_ context.Context, positionID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
