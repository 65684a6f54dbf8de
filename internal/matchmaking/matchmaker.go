package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/game"
	"github.com/castlemate/chessd/internal/session"
	"github.com/castlemate/chessd/internal/state"
)

var (
	ErrQueueFull     = errors.New("matchmaking queue full")
	ErrAlreadyQueued = errors.New("already searching for a game")
)

const (
	queueBuffer = 64
	dequeueWait = time.Second
)

// Candidate is one player waiting to be paired. Candidates are kept in
// FIFO order and deduplicated by user id.
type Candidate struct {
	UserID     int64
	Username   string
	SessionID  string
	EnqueuedAt time.Time
}

// SessionValidator re-checks that a candidate's session is still live
// at pairing time.
type SessionValidator interface {
	Get(ctx context.Context, sessionID string) *session.Session
}

// RatingSource supplies the current rating for a paired player.
type RatingSource interface {
	GetByID(ctx context.Context, userID int64) (*db.User, error)
}

// GameCreator installs a new game for a matched pair.
type GameCreator interface {
	CreateGame(ctx context.Context, id string, p1, p2 *game.Player) (*game.Game, error)
}

// Matchmaker drains a multi-producer candidate queue and pairs the two
// oldest waiting players into games.
type Matchmaker struct {
	cfg      config.MatchmakingConfig
	st       *state.State
	sessions SessionValidator
	users    RatingSource
	games    GameCreator

	queue chan Candidate

	mu         sync.Mutex
	waiting    []Candidate
	waitingIDs map[int64]struct{}
	// cancelled holds session ids whose candidate may still sit in the
	// queue channel; admit drops them when they surface.
	cancelled map[string]time.Time
}

func New(cfg config.MatchmakingConfig, st *state.State, sessions SessionValidator, users RatingSource, games GameCreator) *Matchmaker {
	return &Matchmaker{
		cfg:        cfg,
		st:         st,
		sessions:   sessions,
		users:      users,
		games:      games,
		queue:      make(chan Candidate, queueBuffer),
		waitingIDs: make(map[int64]struct{}),
		cancelled:  make(map[string]time.Time),
	}
}

// Enqueue submits a candidate for pairing. Duplicate user ids are
// rejected up front; the tick loop rejects any that slip through the
// channel buffer concurrently.
func (m *Matchmaker) Enqueue(c Candidate) error {
	m.mu.Lock()
	_, dup := m.waitingIDs[c.UserID]
	// A fresh search supersedes any earlier cancel.
	delete(m.cancelled, c.SessionID)
	m.mu.Unlock()
	if dup {
		return ErrAlreadyQueued
	}

	select {
	case m.queue <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel removes the session from the waiting list. Returns whether a
// candidate was actually removed.
func (m *Matchmaker) Cancel(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.waiting[:0]
	removed := false
	for _, c := range m.waiting {
		if c.SessionID == sessionID {
			delete(m.waitingIDs, c.UserID)
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	m.waiting = kept
	if !removed {
		// The candidate may not have been admitted yet; leave a marker
		// so it is dropped if it surfaces from the queue channel.
		m.cancelled[sessionID] = time.Now()
	}
	return removed
}

// WaitingCount returns the number of candidates currently waiting.
func (m *Matchmaker) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Run drives the pairing loop until the context is cancelled or the
// server signals shutdown.
func (m *Matchmaker) Run(ctx context.Context) {
	slog.Info("matchmaking loop started", "tick", m.cfg.TickInterval.Std())
	ticker := time.NewTicker(m.cfg.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.st.Done():
			slog.Info("matchmaking loop stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick admits at most one new candidate with a bounded wait, purges
// stale entries and pairs whatever the waiting list holds.
func (m *Matchmaker) tick(ctx context.Context) {
	wait := time.NewTimer(dequeueWait)
	defer wait.Stop()
	select {
	case c := <-m.queue:
		m.admit(c)
	case <-wait.C:
	case <-ctx.Done():
		return
	case <-m.st.Done():
		return
	}

	m.purgeStale()
	m.pair(ctx)
}

func (m *Matchmaker) admit(c Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.cancelled[c.SessionID]; gone {
		delete(m.cancelled, c.SessionID)
		slog.Debug("cancelled matchmaking candidate dropped", "user_id", c.UserID)
		return
	}
	if _, dup := m.waitingIDs[c.UserID]; dup {
		slog.Debug("duplicate matchmaking candidate dropped", "user_id", c.UserID)
		return
	}
	c.EnqueuedAt = time.Now()
	m.waiting = append(m.waiting, c)
	m.waitingIDs[c.UserID] = struct{}{}
	slog.Info("player searching", "username", c.Username, "waiting", len(m.waiting))
}

func (m *Matchmaker) purgeStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	kept := m.waiting[:0]
	for _, c := range m.waiting {
		if now.Sub(c.EnqueuedAt) >= m.cfg.StaleAfter.Std() {
			delete(m.waitingIDs, c.UserID)
			slog.Info("stale matchmaking candidate purged", "username", c.Username)
			continue
		}
		kept = append(kept, c)
	}
	m.waiting = kept

	// Cancel markers for sessions whose candidate never surfaced age
	// out on the same horizon.
	for sid, at := range m.cancelled {
		if now.Sub(at) >= m.cfg.StaleAfter.Std() {
			delete(m.cancelled, sid)
		}
	}
}

// pair pops the two oldest candidates, re-validates their sessions and
// builds a game. Validation failures discard the pair; game-creation
// failures reinsert both at the head.
func (m *Matchmaker) pair(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.waiting) < 2 {
			m.mu.Unlock()
			return
		}
		c1, c2 := m.waiting[0], m.waiting[1]
		m.waiting = m.waiting[2:]
		delete(m.waitingIDs, c1.UserID)
		delete(m.waitingIDs, c2.UserID)
		m.mu.Unlock()

		if m.sessions.Get(ctx, c1.SessionID) == nil || m.sessions.Get(ctx, c2.SessionID) == nil {
			slog.Info("discarding pair with dead session",
				"p1", c1.Username, "p2", c2.Username)
			continue
		}

		if err := m.createGame(ctx, c1, c2); err != nil {
			slog.Error("game creation failed, requeueing pair",
				"p1", c1.Username, "p2", c2.Username, "err", err)
			m.reinsertHead(c1, c2)
			// Retry on the next tick rather than spinning here.
			return
		}
	}
}

func (m *Matchmaker) createGame(ctx context.Context, c1, c2 Candidate) error {
	elo1, err := m.rating(ctx, c1.UserID)
	if err != nil {
		return err
	}
	elo2, err := m.rating(ctx, c2.UserID)
	if err != nil {
		return err
	}

	colors := [2]game.Color{game.White, game.Black}
	if rand.Intn(2) == 1 {
		colors[0], colors[1] = colors[1], colors[0]
	}

	p1 := &game.Player{UserID: c1.UserID, Username: c1.Username, SessionID: c1.SessionID, Color: colors[0], Elo: elo1}
	p2 := &game.Player{UserID: c2.UserID, Username: c2.Username, SessionID: c2.SessionID, Color: colors[1], Elo: elo2}

	_, err = m.games.CreateGame(ctx, game.NewGameID(), p1, p2)
	return err
}

func (m *Matchmaker) rating(ctx context.Context, userID int64) (int, error) {
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Elo, nil
}

func (m *Matchmaker) reinsertHead(c1, c2 Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append([]Candidate{c1, c2}, m.waiting...)
	m.waitingIDs[c1.UserID] = struct{}{}
	m.waitingIDs[c2.UserID] = struct{}{}
}
