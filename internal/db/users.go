package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUsernameTaken is returned when a create or rename collides with an
// existing username.
var ErrUsernameTaken = errors.New("username already taken")

// User is a persisted player account.
type User struct {
	UserID       int64
	Username     string
	PasswordHash string
	Salt         string
	Elo          int
	Wins         int
	Draws        int
	Losses       int
	JoinDate     time.Time
	LastGame     *time.Time
}

// UserRepository is the persistence surface the handlers and the game
// settlement depend on.
type UserRepository interface {
	Create(ctx context.Context, username, passwordHash, salt string) (int64, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, userID int64) (*User, error)
	UpdateUsername(ctx context.Context, userID int64, newUsername string) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash, salt string) error
	Delete(ctx context.Context, userID int64) error
	RecordDecisive(ctx context.Context, winnerID int64, winnerElo int, loserID int64, loserElo int) error
	RecordDraw(ctx context.Context, aID int64, aElo int, bID int64, bElo int) error
}

// SQLiteUserRepository implements UserRepository on the embedded database.
type SQLiteUserRepository struct {
	db *sql.DB
}

// NewSQLiteUserRepository returns a repository over the shared handle.
func NewSQLiteUserRepository(d *DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: d.sql}
}

const userColumns = `user_id, username, password_hash, salt, elo, wins, draws, losses, join_date, last_game`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var joinDate string
	var lastGame sql.NullString
	err := row.Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.Salt,
		&u.Elo, &u.Wins, &u.Draws, &u.Losses, &joinDate, &lastGame)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, joinDate); err == nil {
		u.JoinDate = t
	}
	if lastGame.Valid {
		if t, err := time.Parse(time.RFC3339, lastGame.String); err == nil {
			u.LastGame = &t
		}
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new user with default rating and zeroed counters.
func (r *SQLiteUserRepository) Create(ctx context.Context, username, passwordHash, salt string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, salt, elo, wins, draws, losses, join_date)
		 VALUES (?, ?, ?, 500, 0, 0, 0, ?)`,
		username, passwordHash, salt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("creating user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new user id: %w", err)
	}
	return id, nil
}

// GetByUsername returns the user or nil, nil when absent.
func (r *SQLiteUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("querying user %q: %w", username, err)
	}
	return u, nil
}

// GetByID returns the user or nil, nil when absent.
func (r *SQLiteUserRepository) GetByID(ctx context.Context, userID int64) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", userID, err)
	}
	return u, nil
}

// UpdateUsername renames the user; the unique index rejects collisions.
func (r *SQLiteUserRepository) UpdateUsername(ctx context.Context, userID int64, newUsername string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET username = ? WHERE user_id = ?`, newUsername, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("renaming user %d: %w", userID, err)
	}
	return nil
}

// UpdatePassword replaces the stored hash and salt.
func (r *SQLiteUserRepository) UpdatePassword(ctx context.Context, userID int64, passwordHash, salt string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, salt = ? WHERE user_id = ?`,
		passwordHash, salt, userID)
	if err != nil {
		return fmt.Errorf("updating password for user %d: %w", userID, err)
	}
	return nil
}

// Delete removes the account. user_id is never reused (AUTOINCREMENT).
func (r *SQLiteUserRepository) Delete(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user %d: %w", userID, err)
	}
	return nil
}

// RecordDecisive settles a decisive result: both new ratings, the
// win/loss counters and last_game, in one transaction.
func (r *SQLiteUserRepository) RecordDecisive(ctx context.Context, winnerID int64, winnerElo int, loserID int64, loserElo int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settlement tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET elo = ?, wins = wins + 1, last_game = ? WHERE user_id = ?`,
		winnerElo, now, winnerID); err != nil {
		return fmt.Errorf("recording win for user %d: %w", winnerID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET elo = ?, losses = losses + 1, last_game = ? WHERE user_id = ?`,
		loserElo, now, loserID); err != nil {
		return fmt.Errorf("recording loss for user %d: %w", loserID, err)
	}
	return tx.Commit()
}

// RecordDraw settles a drawn result for both players in one transaction.
func (r *SQLiteUserRepository) RecordDraw(ctx context.Context, aID int64, aElo int, bID int64, bElo int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settlement tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range []struct {
		id  int64
		elo int
	}{{aID, aElo}, {bID, bElo}} {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET elo = ?, draws = draws + 1, last_game = ? WHERE user_id = ?`,
			p.elo, now, p.id); err != nil {
			return fmt.Errorf("recording draw for user %d: %w", p.id, err)
		}
	}
	return tx.Commit()
}
