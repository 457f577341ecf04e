package file

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/avetorres/polytrader/internal/domain"
)

// Blacklist is the per-token cool-down state machine, persisted to
// blacklist.json. It implements domain.Blacklist.
//
// Expiry is evaluated lazily at lookup: an expired entry is removed unless
// its attempt count reached max_attempts, in which case it stays blocked
// forever. Re-blocking a token increments attempts rather than resetting
// the escalation.
type Blacklist struct {
	mu      sync.Mutex
	path    string
	entries map[string]domain.BlacklistEntry
	now     func() time.Time
}

// NewBlacklist loads (or initializes) the blacklist snapshot under dataDir.
func NewBlacklist(dataDir string) (*Blacklist, error) {
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}

	b := &Blacklist{
		path:    filepath.Join(dataDir, "blacklist.json"),
		entries: make(map[string]domain.BlacklistEntry),
		now:     time.Now,
	}
	if _, err := loadJSON(b.path, &b.entries); err != nil {
		return nil, err
	}
	return b, nil
}

// Block bans tokenID for duration. If the token already has an entry, its
// attempt count carries over and increments; the new blocked-until time
// always extends from now.
func (b *Blacklist) Block(tokenID, reason string, duration time.Duration, maxAttempts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempts := 1
	if prev, ok := b.entries[tokenID]; ok {
		attempts = prev.Attempts + 1
	}

	b.entries[tokenID] = domain.BlacklistEntry{
		Reason:       reason,
		BlockedUntil: b.now().Add(duration),
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
	}
	return saveJSON(b.path, b.entries)
}

// IsBlacklisted reports whether tokenID is currently blocked. An expired,
// non-permanent entry is removed here as a side effect; persistence failures
// during that removal are swallowed since the next mutation rewrites the
// snapshot anyway.
func (b *Blacklist) IsBlacklisted(tokenID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[tokenID]
	if !ok {
		return false
	}
	if !entry.Expired(b.now()) {
		return true
	}
	if entry.Permanent() {
		return true
	}

	delete(b.entries, tokenID)
	_ = saveJSON(b.path, b.entries)
	return false
}

// Clean removes every expired, non-permanent entry in one sweep. Lookup
// already collapses state lazily; this bounds file growth between lookups.
func (b *Blacklist) Clean() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for tokenID, entry := range b.entries {
		if entry.Expired(now) && !entry.Permanent() {
			delete(b.entries, tokenID)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return saveJSON(b.path, b.entries)
}

// Count returns the number of entries, including expired ones not yet
// collapsed.
func (b *Blacklist) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}
