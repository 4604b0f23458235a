package tiering

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/reforgevm/reforge/codever"
)

// ProfileStore persists promotion history in SQLite so a method that proved
// hot in a previous run can skip the counting phase the next time the
// process starts. Losing the store is never fatal: tiering degrades to
// counting from scratch.
type ProfileStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenProfileStore opens (creating if needed) the profile database at path.
func OpenProfileStore(path string) (*ProfileStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening profile store: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS method_profile (
		module     TEXT    NOT NULL,
		token      INTEGER NOT NULL,
		promotions INTEGER NOT NULL DEFAULT 0,
		last_tier  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (module, token)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating profile table: %w", err)
	}

	return &ProfileStore{db: db}, nil
}

// RecordPromotion notes that a method definition reached the given tier.
func (s *ProfileStore) RecordPromotion(key codever.MethodKey, tier codever.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO method_profile (module, token, promotions, last_tier)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (module, token) DO UPDATE SET
			promotions = promotions + 1,
			last_tier  = MAX(last_tier, excluded.last_tier)`,
		key.Module.Name, int64(key.Token), int64(tier))
	if err != nil {
		return fmt.Errorf("recording promotion: %w", err)
	}
	return nil
}

// WasPromoted reports whether a previous run promoted the method past
// Tier 0.
func (s *ProfileStore) WasPromoted(key codever.MethodKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tier int64
	err := s.db.QueryRow(`SELECT last_tier FROM method_profile WHERE module = ? AND token = ?`,
		key.Module.Name, int64(key.Token)).Scan(&tier)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying profile: %w", err)
	}
	return codever.Tier(tier) > codever.Tier0, nil
}

// Promotions returns how many promotions have been recorded for a method
// definition across all runs.
func (s *ProfileStore) Promotions(key codever.MethodKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRow(`SELECT promotions FROM method_profile WHERE module = ? AND token = ?`,
		key.Module.Name, int64(key.Token)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying profile: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (s *ProfileStore) Close() error {
	return s.db.Close()
}
