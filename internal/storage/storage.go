// Package storage provides SQLite-backed persistence for monitor state: the last
// committed snapshot per entity and the cooldown ledger of delivered alerts.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxmill/marketwatch/internal/models"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned by Commit when the expected generation no longer
// matches the stored one: a concurrent cycle committed first. The caller aborts
// and retries on the next scheduled trigger.
var ErrConflict = errors.New("storage: snapshot generation conflict")

// Store wraps a SQLite database for all persistence operations. It also owns
// the in-process per-entity cycle guard: at most one monitoring cycle may be in
// flight per entity id.
type Store struct {
	db             *sql.DB
	cooldownWindow time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/marketwatch/data.db.
func New(dbPath string, cooldownWindow time.Duration) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "marketwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Store{
		db:             db,
		cooldownWindow: cooldownWindow,
		inFlight:       make(map[string]bool),
	}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitor_state (
			entity_id    TEXT PRIMARY KEY,
			generation   INTEGER NOT NULL,
			snapshot     TEXT NOT NULL,
			captured_at  INTEGER NOT NULL,
			committed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cooldown_ledger (
			entity_id      TEXT NOT NULL,
			alert_identity TEXT NOT NULL,
			delivered_at   INTEGER NOT NULL,
			PRIMARY KEY (entity_id, alert_identity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_delivered_at ON cooldown_ledger(delivered_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// TryBegin marks a cycle as in flight for the entity. It returns false when a
// cycle is already running, in which case the new trigger must be dropped
// (skip, not queue).
func (s *Store) TryBegin(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[entityID] {
		return false
	}
	s.inFlight[entityID] = true
	return true
}

// End releases the in-flight marker for the entity.
func (s *Store) End(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, entityID)
}

// Load returns the last committed snapshot for the entity along with its
// generation. A missing entity yields (nil, 0, nil): first observation.
func (s *Store) Load(entityID string) (*models.MarketSnapshot, int64, error) {
	row := s.db.QueryRow(`SELECT generation, snapshot FROM monitor_state WHERE entity_id = ?`, entityID)

	var generation int64
	var snapshotJSON string
	err := row.Scan(&generation, &snapshotJSON)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load state: %w", err)
	}

	var snap models.MarketSnapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, generation, nil
}

// Commit atomically replaces the entity's snapshot, guarded by the generation
// read at Load time. A stale cycle (expectedGeneration no longer current) gets
// ErrConflict and the stored state is left unchanged.
func (s *Store) Commit(entityID string, snap *models.MarketSnapshot, expectedGeneration int64) error {
	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRow(`SELECT generation FROM monitor_state WHERE entity_id = ?`, entityID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectedGeneration != 0 {
			return ErrConflict
		}
	case err != nil:
		return fmt.Errorf("failed to read generation: %w", err)
	case current != expectedGeneration:
		return ErrConflict
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO monitor_state
			(entity_id, generation, snapshot, captured_at, committed_at)
		VALUES (?,?,?,?,?)`,
		entityID, expectedGeneration+1, string(snapshotJSON),
		snap.CapturedAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return tx.Commit()
}

// WasRecentlyDelivered reports whether the alert identity was recorded as
// delivered within the cooldown window ending at now.
func (s *Store) WasRecentlyDelivered(entityID, identity string, now time.Time) (bool, error) {
	row := s.db.QueryRow(`
		SELECT delivered_at FROM cooldown_ledger
		WHERE entity_id = ? AND alert_identity = ?`, entityID, identity)

	var deliveredAtNano int64
	err := row.Scan(&deliveredAtNano)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cooldown ledger: %w", err)
	}
	return now.Sub(time.Unix(0, deliveredAtNano)) < s.cooldownWindow, nil
}

// RecordDelivered writes the alert identities into the cooldown ledger with
// timestamp now. Called only after the dispatcher reported success.
func (s *Store) RecordDelivered(entityID string, identities []string, now time.Time) error {
	if len(identities) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range identities {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO cooldown_ledger (entity_id, alert_identity, delivered_at)
			VALUES (?,?,?)`, entityID, id, now.UnixNano()); err != nil {
			return fmt.Errorf("failed to record delivery: %w", err)
		}
	}
	return tx.Commit()
}

// PruneLedger removes ledger entries older than the cooldown window. Expired
// entries no longer suppress anything, so they are dead weight.
func (s *Store) PruneLedger(now time.Time) error {
	cutoff := now.Add(-s.cooldownWindow).UnixNano()
	if _, err := s.db.Exec(`DELETE FROM cooldown_ledger WHERE delivered_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune cooldown ledger: %w", err)
	}
	return nil
}
