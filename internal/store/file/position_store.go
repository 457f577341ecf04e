package file

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/avetorres/polytrader/internal/domain"
)

// PositionStore is the durable map of open positions, keyed by token ID and
// persisted wholesale to positions.json on every mutation. It implements
// domain.PositionStore.
//
// A position serialized before the limit-order exit fields existed decodes
// with empty order IDs and exit_mode "monitor" rather than failing.
type PositionStore struct {
	mu        sync.RWMutex
	path      string
	positions map[string]domain.Position
}

// NewPositionStore loads (or initializes) the position snapshot under dataDir.
func NewPositionStore(dataDir string) (*PositionStore, error) {
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}

	s := &PositionStore{
		path:      filepath.Join(dataDir, "positions.json"),
		positions: make(map[string]domain.Position),
	}

	raw := make(map[string]domain.Position)
	if _, err := loadJSON(s.path, &raw); err != nil {
		return nil, err
	}
	for tokenID, pos := range raw {
		pos.TokenID = tokenID
		if pos.ExitMode == "" {
			pos.ExitMode = domain.ExitModeMonitor
		}
		s.positions[tokenID] = pos
	}

	return s, nil
}

// Add inserts or replaces the position for its token and persists the map.
func (s *PositionStore) Add(pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.TokenID == "" {
		return fmt.Errorf("store/file: position has empty token id")
	}
	if pos.ExitMode == "" {
		pos.ExitMode = domain.ExitModeMonitor
	}

	s.positions[pos.TokenID] = pos
	return saveJSON(s.path, s.positions)
}

// Get returns the position for tokenID.
func (s *PositionStore) Get(tokenID string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[tokenID]
	return pos, ok
}

// Remove deletes and returns the position for tokenID, persisting the map.
func (s *PositionStore) Remove(tokenID string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[tokenID]
	if !ok {
		return domain.Position{}, fmt.Errorf("store/file: position %s: %w", tokenID, domain.ErrNotFound)
	}

	delete(s.positions, tokenID)
	if err := saveJSON(s.path, s.positions); err != nil {
		// Keep the in-memory map consistent with disk.
		s.positions[tokenID] = pos
		return domain.Position{}, err
	}
	return pos, nil
}

// ListAll returns every open position, ordered by token ID for stable
// iteration.
func (s *PositionStore) ListAll() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Has reports whether a position exists for tokenID.
func (s *PositionStore) Has(tokenID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.positions[tokenID]
	return ok
}

// Count returns the number of open positions.
func (s *PositionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.positions)
}
