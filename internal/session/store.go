// Package session persists authenticated sessions in the embedded
// database with bounded in-memory caching.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/state"
)

// Session is one authenticated client, keyed by an unguessable token.
// Username is a denormalized copy; user_id is the immutable identity.
type Session struct {
	SessionID  string
	UserID     int64
	Username   string
	IP         string
	CreatedAt  time.Time
	LastActive time.Time
}

// Store manages sessions with two LRU layers in front of the database:
// token → session, and user_id → the user's session-id list. Every
// mutation invalidates both.
type Store struct {
	db      *sql.DB
	timeout time.Duration

	cache     *lru.Cache[string, *Session]
	userCache *lru.Cache[int64, []string]
}

// NewStore builds a Store with the configured timeout and cache sizes.
func NewStore(d *db.DB, cfg config.SessionConfig) (*Store, error) {
	cache, err := lru.New[string, *Session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("building session cache: %w", err)
	}
	userCache, err := lru.New[int64, []string](cfg.UserCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building user session cache: %w", err)
	}
	return &Store{
		db:        d.SQL(),
		timeout:   cfg.Timeout.Std(),
		cache:     cache,
		userCache: userCache,
	}, nil
}

// Timeout returns the configured session lifetime.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func (s *Store) invalidate() {
	s.cache.Purge()
	s.userCache.Purge()
}

// Create mints a 256-bit token, persists the session and returns the
// token hex-encoded. Empty string signals failure.
func (s *Store) Create(ctx context.Context, userID int64, username, ip string) string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		slog.Error("minting session token", "err", err)
		return ""
	}
	sessionID := hex.EncodeToString(raw)
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, username, ip, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, userID, username, ip, now, now,
	)
	if err != nil {
		slog.Error("creating session", "user_id", userID, "err", err)
		return ""
	}

	s.invalidate()
	return sessionID
}

// Get returns the session for the token, or nil when it is unknown or
// expired. Expired rows are deleted on the way out.
func (s *Store) Get(ctx context.Context, sessionID string) *Session {
	if sess, ok := s.cache.Get(sessionID); ok {
		if time.Since(sess.LastActive) > s.timeout {
			s.Delete(ctx, sessionID)
			return nil
		}
		return sess
	}

	var sess Session
	var createdAt, lastActive int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, username, ip, created_at, last_active
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &sess.Username, &sess.IP, &createdAt, &lastActive)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Error("loading session", "err", err)
		}
		return nil
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActive = time.Unix(lastActive, 0)

	if time.Since(sess.LastActive) > s.timeout {
		s.Delete(ctx, sessionID)
		return nil
	}

	s.cache.Add(sessionID, &sess)
	return &sess
}

// Touch bumps last_active. Caches are invalidated only when a row was
// actually updated.
func (s *Store) Touch(ctx context.Context, sessionID string) bool {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE session_id = ?`,
		time.Now().Unix(), sessionID,
	)
	if err != nil {
		slog.Error("touching session", "err", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidate()
		return true
	}
	return false
}

// Delete removes one session (logout).
func (s *Store) Delete(ctx context.Context, sessionID string) bool {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("deleting session", "err", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidate()
		return true
	}
	return false
}

// RenameUser rewrites the cached username on every session of the user.
// Keyed by user_id so a rename lands on the right rows even mid-rename.
func (s *Store) RenameUser(ctx context.Context, userID int64, newUsername string) int {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET username = ? WHERE user_id = ?`, newUsername, userID)
	if err != nil {
		slog.Error("renaming user sessions", "user_id", userID, "err", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidate()
	}
	return int(n)
}

// SessionIDs returns the ids of the user's live sessions, cache-first.
func (s *Store) SessionIDs(ctx context.Context, userID int64) []string {
	if ids, ok := s.userCache.Get(userID); ok {
		return ids
	}

	cutoff := time.Now().Add(-s.timeout).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE user_id = ? AND last_active >= ?`,
		userID, cutoff,
	)
	if err != nil {
		slog.Error("listing user sessions", "user_id", userID, "err", err)
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("scanning session id", "err", err)
			return nil
		}
		ids = append(ids, id)
	}

	s.userCache.Add(userID, ids)
	return ids
}

// LogoutAll deletes every session of the user (password change, account
// deletion). Returns the number of sessions removed.
func (s *Store) LogoutAll(ctx context.Context, userID int64) int {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("logging out user sessions", "user_id", userID, "err", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidate()
		slog.Info("logged out all sessions", "user_id", userID, "count", n)
	}
	return int(n)
}

// CleanupExpired bulk-deletes rows past the timeout.
func (s *Store) CleanupExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-s.timeout).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		slog.Error("cleaning up sessions", "err", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidate()
		slog.Info("cleaned up expired sessions", "count", n)
	}
	return int(n)
}

// ActiveCount counts non-expired sessions.
func (s *Store) ActiveCount(ctx context.Context) int {
	cutoff := time.Now().Add(-s.timeout).Unix()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE last_active >= ?`, cutoff,
	).Scan(&n)
	if err != nil {
		slog.Error("counting sessions", "err", err)
		return 0
	}
	return n
}

// CleanupLoop periodically reaps expired sessions until shutdown.
func (s *Store) CleanupLoop(ctx context.Context, st *state.State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.Done():
			return
		case <-ticker.C:
			s.CleanupExpired(ctx)
		}
	}
}
