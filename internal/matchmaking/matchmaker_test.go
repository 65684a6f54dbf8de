package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/game"
	"github.com/castlemate/chessd/internal/session"
	"github.com/castlemate/chessd/internal/state"
)

type mockSessions struct {
	mu   sync.Mutex
	dead map[string]bool
}

func (m *mockSessions) Get(_ context.Context, sessionID string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead[sessionID] {
		return nil
	}
	return &session.Session{SessionID: sessionID}
}

func (m *mockSessions) kill(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead == nil {
		m.dead = make(map[string]bool)
	}
	m.dead[sessionID] = true
}

type mockRatings struct {
	elos map[int64]int
}

func (m *mockRatings) GetByID(_ context.Context, userID int64) (*db.User, error) {
	elo, ok := m.elos[userID]
	if !ok {
		return nil, errors.New("no such user")
	}
	return &db.User{UserID: userID, Elo: elo}, nil
}

type createdGame struct {
	id     string
	p1, p2 *game.Player
}

type mockGames struct {
	mu      sync.Mutex
	created []createdGame
	fail    int // fail the next n CreateGame calls
}

func (m *mockGames) CreateGame(_ context.Context, id string, p1, p2 *game.Player) (*game.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return nil, errors.New("registry unavailable")
	}
	m.created = append(m.created, createdGame{id, p1, p2})
	return nil, nil
}

type env struct {
	mm       *Matchmaker
	sessions *mockSessions
	games    *mockGames
}

func newEnv(t *testing.T, staleAfter time.Duration) *env {
	t.Helper()
	sessions := &mockSessions{}
	games := &mockGames{}
	ratings := &mockRatings{elos: map[int64]int{1: 500, 2: 700, 3: 650, 4: 480}}
	cfg := config.MatchmakingConfig{TickInterval: config.Duration(10 * time.Millisecond), StaleAfter: config.Duration(staleAfter)}
	mm := New(cfg, state.New(), sessions, ratings, games)
	return &env{mm: mm, sessions: sessions, games: games}
}

func candidate(userID int64, name string) Candidate {
	return Candidate{UserID: userID, Username: name, SessionID: "sess-" + name}
}

func TestMatchmaker_PairsTwoOldest(t *testing.T) {
	e := newEnv(t, 5*time.Minute)

	e.mm.admit(candidate(1, "alice"))
	e.mm.admit(candidate(2, "bob"))
	e.mm.admit(candidate(3, "carol"))
	e.mm.pair(context.Background())

	require.Len(t, e.games.created, 1)
	g := e.games.created[0]
	assert.Regexp(t, `^game_\d+_\d{4}$`, g.id)
	assert.Equal(t, "alice", g.p1.Username)
	assert.Equal(t, "bob", g.p2.Username)
	assert.Equal(t, 500, g.p1.Elo)
	assert.Equal(t, 700, g.p2.Elo)
	assert.NotEqual(t, g.p1.Color, g.p2.Color, "colors must be a 2-permutation")
	assert.Equal(t, 1, e.mm.WaitingCount(), "carol keeps waiting")
}

func TestMatchmaker_EnqueueDeduplicates(t *testing.T) {
	e := newEnv(t, 5*time.Minute)

	require.NoError(t, e.mm.Enqueue(candidate(1, "alice")))
	e.mm.tick(context.Background())
	assert.Equal(t, 1, e.mm.WaitingCount())

	assert.ErrorIs(t, e.mm.Enqueue(candidate(1, "alice")), ErrAlreadyQueued)

	// A duplicate already buffered in the channel is dropped at admit.
	e.mm.admit(candidate(1, "alice"))
	assert.Equal(t, 1, e.mm.WaitingCount())
}

func TestMatchmaker_EnqueueQueueFull(t *testing.T) {
	e := newEnv(t, 5*time.Minute)
	for i := 0; i < queueBuffer; i++ {
		require.NoError(t, e.mm.Enqueue(candidate(int64(100+i), "p")))
	}
	assert.ErrorIs(t, e.mm.Enqueue(candidate(999, "late")), ErrQueueFull)
}

func TestMatchmaker_Cancel(t *testing.T) {
	e := newEnv(t, 5*time.Minute)
	e.mm.admit(candidate(1, "alice"))
	e.mm.admit(candidate(2, "bob"))

	assert.True(t, e.mm.Cancel("sess-alice"))
	assert.False(t, e.mm.Cancel("sess-alice"), "second cancel is a no-op")
	assert.Equal(t, 1, e.mm.WaitingCount())

	e.mm.pair(context.Background())
	assert.Empty(t, e.games.created, "bob alone cannot be paired")

	// The cancelled user may search again.
	require.NoError(t, e.mm.Enqueue(candidate(1, "alice")))
}

func TestMatchmaker_CancelBeforeAdmission(t *testing.T) {
	e := newEnv(t, 5*time.Minute)

	// Cancel lands while the candidate still sits in the queue channel.
	require.NoError(t, e.mm.Enqueue(candidate(1, "alice")))
	assert.False(t, e.mm.Cancel("sess-alice"))

	e.mm.admit(<-e.mm.queue)
	assert.Equal(t, 0, e.mm.WaitingCount(), "cancelled candidate must not be admitted")

	// Searching again clears the marker.
	require.NoError(t, e.mm.Enqueue(candidate(1, "alice")))
	e.mm.admit(<-e.mm.queue)
	assert.Equal(t, 1, e.mm.WaitingCount())
}

func TestMatchmaker_PurgesStaleCandidates(t *testing.T) {
	e := newEnv(t, 20*time.Millisecond)
	e.mm.admit(candidate(1, "alice"))
	time.Sleep(30 * time.Millisecond)
	e.mm.admit(candidate(2, "bob"))

	e.mm.purgeStale()
	assert.Equal(t, 1, e.mm.WaitingCount(), "alice timed out of the queue")

	e.mm.pair(context.Background())
	assert.Empty(t, e.games.created)
}

func TestMatchmaker_DiscardsPairWithDeadSession(t *testing.T) {
	e := newEnv(t, 5*time.Minute)
	e.mm.admit(candidate(1, "alice"))
	e.mm.admit(candidate(2, "bob"))
	e.sessions.kill("sess-bob")

	e.mm.pair(context.Background())
	assert.Empty(t, e.games.created)
	assert.Equal(t, 0, e.mm.WaitingCount())
}

func TestMatchmaker_ReinsertsPairOnCreateFailure(t *testing.T) {
	e := newEnv(t, 5*time.Minute)
	e.games.fail = 1
	e.mm.admit(candidate(1, "alice"))
	e.mm.admit(candidate(2, "bob"))
	e.mm.admit(candidate(3, "carol"))

	e.mm.pair(context.Background())
	assert.Empty(t, e.games.created)
	assert.Equal(t, 3, e.mm.WaitingCount(), "failed pair goes back to the head")

	// The next pass retries alice and bob first.
	e.mm.pair(context.Background())
	require.Len(t, e.games.created, 1)
	assert.Equal(t, "alice", e.games.created[0].p1.Username)
	assert.Equal(t, "bob", e.games.created[0].p2.Username)
	assert.Equal(t, 1, e.mm.WaitingCount())
}

func TestMatchmaker_RunStopsOnShutdown(t *testing.T) {
	e := newEnv(t, 5*time.Minute)

	done := make(chan struct{})
	go func() {
		e.mm.Run(context.Background())
		close(done)
	}()

	e.mm.st.SignalShutdown("test over")
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("matchmaking loop did not stop on shutdown")
	}
}
