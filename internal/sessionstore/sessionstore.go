// Package sessionstore persists per-profile, per-engine login state.
//
// One row per (profile, engine) pair holds the cookies and localStorage
// snapshot captured after a successful session. With an encryption key
// configured both blobs are sealed with AES-256-GCM before hitting disk.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ellipsesearch/rpa/internal/crypto"
	"github.com/ellipsesearch/rpa/internal/models"
)

// Session is the persisted auth state for one profile on one engine.
type Session struct {
	ProfileID    string            `json:"profile_id"`
	Engine       models.Engine     `json:"engine"`
	Cookies      []models.Cookie   `json:"cookies"`
	LocalStorage map[string]string `json:"local_storage"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store provides SQLite-backed persistence for sessions.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	encryptor *crypto.Encryptor // nil means cleartext
	isMemory  bool
}

// New creates a session store. encryptor may be nil; state is then stored
// in the clear and a warning is logged once.
func New(dbPath string, encryptor *crypto.Encryptor, logger *slog.Logger) (*Store, error) {
	var connStr string
	isMemory := dbPath == ":memory:"

	if isMemory {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:        db,
		logger:    logger,
		encryptor: encryptor,
		isMemory:  isMemory,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if encryptor == nil {
		logger.Warn("session store running without encryption; set PROFILE_ENCRYPTION_KEY")
	}
	logger.Info("session store initialized", "path", dbPath, "in_memory", isMemory, "encrypted", encryptor != nil)
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS engine_sessions (
		profile_id TEXT NOT NULL,
		engine TEXT NOT NULL,
		cookies_blob TEXT NOT NULL DEFAULT '',
		storage_blob TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (profile_id, engine)
	);
	CREATE INDEX IF NOT EXISTS idx_engine_sessions_updated_at ON engine_sessions(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// seal marshals v to JSON and encrypts when a key is configured.
func (s *Store) seal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	if s.encryptor == nil {
		return string(raw), nil
	}
	return s.encryptor.Encrypt(string(raw))
}

// open decrypts (when configured) and unmarshals into v.
func (s *Store) open(blob string, v any) error {
	if blob == "" {
		return nil
	}
	if s.encryptor != nil {
		plain, err := s.encryptor.Decrypt(blob)
		if err != nil {
			return fmt.Errorf("failed to decrypt: %w", err)
		}
		blob = plain
	}
	return json.Unmarshal([]byte(blob), v)
}

// Save upserts the session state for a (profile, engine) pair.
func (s *Store) Save(sess *Session) error {
	cookiesBlob, err := s.seal(sess.Cookies)
	if err != nil {
		return fmt.Errorf("failed to seal cookies: %w", err)
	}
	storageBlob, err := s.seal(sess.LocalStorage)
	if err != nil {
		return fmt.Errorf("failed to seal storage: %w", err)
	}

	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	query := `
	INSERT INTO engine_sessions (profile_id, engine, cookies_blob, storage_blob, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(profile_id, engine) DO UPDATE SET
		cookies_blob = excluded.cookies_blob,
		storage_blob = excluded.storage_blob,
		updated_at = excluded.updated_at
	`

	_, err = s.db.Exec(query,
		sess.ProfileID,
		string(sess.Engine),
		cookiesBlob,
		storageBlob,
		sess.CreatedAt.Format(time.RFC3339),
		sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debug("session persisted", "profile_id", sess.ProfileID, "engine", sess.Engine)
	return nil
}

// Load retrieves the session for a (profile, engine) pair. Cookies that have
// expired since the save are dropped. Returns (nil, nil) when absent.
func (s *Store) Load(profileID string, engine models.Engine) (*Session, error) {
	query := `
	SELECT profile_id, engine, cookies_blob, storage_blob, created_at, updated_at
	FROM engine_sessions
	WHERE profile_id = ? AND engine = ?
	`

	var sess Session
	var engineStr, cookiesBlob, storageBlob string
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRow(query, profileID, string(engine)).Scan(
		&sess.ProfileID,
		&engineStr,
		&cookiesBlob,
		&storageBlob,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.Engine = models.Engine(engineStr)
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)

	if err := s.open(cookiesBlob, &sess.Cookies); err != nil {
		s.logger.Warn("failed to open cookies", "profile_id", profileID, "engine", engine, "error", err)
		sess.Cookies = nil
	}
	if err := s.open(storageBlob, &sess.LocalStorage); err != nil {
		s.logger.Warn("failed to open storage", "profile_id", profileID, "engine", engine, "error", err)
		sess.LocalStorage = nil
	}

	// Drop cookies that expired in storage.
	now := time.Now()
	live := sess.Cookies[:0]
	for _, c := range sess.Cookies {
		if !c.Expired(now) {
			live = append(live, c)
		}
	}
	sess.Cookies = live

	return &sess, nil
}

// Delete removes the session for a (profile, engine) pair.
func (s *Store) Delete(profileID string, engine models.Engine) error {
	_, err := s.db.Exec("DELETE FROM engine_sessions WHERE profile_id = ? AND engine = ?",
		profileID, string(engine))
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Debug("session deleted from store", "profile_id", profileID, "engine", engine)
	return nil
}

// DeleteProfile removes all sessions belonging to a profile.
func (s *Store) DeleteProfile(profileID string) error {
	_, err := s.db.Exec("DELETE FROM engine_sessions WHERE profile_id = ?", profileID)
	if err != nil {
		return fmt.Errorf("failed to delete profile sessions: %w", err)
	}
	return nil
}

// CleanupOlderThan removes sessions not updated since the given time.
// If rows were deleted, also vacuums the database to reclaim space.
func (s *Store) CleanupOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM engine_sessions WHERE updated_at < ?",
		threshold.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.Info("cleaned up old sessions", "count", count)
		if err := s.Vacuum(); err != nil {
			s.logger.Warn("failed to vacuum after cleanup", "error", err)
		}
	}
	return count, nil
}

// Vacuum reclaims unused space in the database.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	s.logger.Debug("database vacuumed")
	return nil
}

// Close closes the database connection.
// Performs a WAL checkpoint first to ensure all data is flushed to the main DB file.
func (s *Store) Close() error {
	if !s.isMemory {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL before close", "error", err)
		}
	}
	s.logger.Debug("session store closing", "in_memory", s.isMemory)
	return s.db.Close()
}
