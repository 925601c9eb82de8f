// Package memory provides in-memory implementations of the domain stores.
// They back the engine's unit tests and the paper-trading mode, and follow
// the same contracts as the PostgreSQL stores: deep copies on every read and
// optimistic version checks on every write.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// PositionStore is a mutex-guarded map of positions keyed by id.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

// Create inserts a new position. The stored Version starts at 1 regardless
// of what the caller passed in.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	stored := pos.Snapshot()
	stored.Version = 1
	s.positions[pos.ID] = stored
	return nil
}

// Update replaces the stored record if the caller's Version matches, then
// bumps the version. A stale Version yields ErrVersionConflict.
func (s *PositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[pos.ID]
	if !ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if current.Version != pos.Version {
		return fmt.Errorf("memory: position %s has version %d, write carried %d: %w",
			pos.ID, current.Version, pos.Version, domain.ErrVersionConflict)
	}
	stored := pos.Snapshot()
	stored.Version = current.Version + 1
	s.positions[pos.ID] = stored
	return nil
}

// GetByID returns a deep copy of the position.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return pos.Snapshot(), nil
}

// ListActive returns copies of all active positions ordered by open time.
func (s *PositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Status == domain.PositionStatusActive {
			out = append(out, pos.Snapshot())
		}
	}
	sortByOpenedAt(out)
	return out, nil
}

// ListClosedBefore returns closed positions whose close time is strictly
// before the cutoff.
func (s *PositionStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Status == domain.PositionStatusClosed && pos.ClosedAt != nil && pos.ClosedAt.Before(before) {
			out = append(out, pos.Snapshot())
		}
	}
	sortByOpenedAt(out)
	return out, nil
}

// ListHistory returns all positions newest-first with pagination.
func (s *PositionStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, pos := range s.positions {
		if opts.Since != nil && pos.OpenedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && pos.OpenedAt.After(*opts.Until) {
			continue
		}
		out = append(out, pos.Snapshot())
	}
	sortByOpenedAt(out)
	// Newest first for history listings.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
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

func sortByOpenedAt(positions []domain.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
}

var _ domain.PositionStore = (*PositionStore)(nil)
