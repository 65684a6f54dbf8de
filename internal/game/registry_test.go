package game

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlemate/chessd/internal/engine"
)

type mockBroker struct {
	mu    sync.Mutex
	fn    func(msg engine.Request) *engine.Response
	calls []engine.Request
}

func (m *mockBroker) Submit(_ context.Context, _ string, msg engine.Request) *engine.Response {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.mu.Unlock()
	if m.fn == nil {
		return &engine.Response{Message: "valid", PossibleMoves: []string{"e2-e4"}}
	}
	return m.fn(msg)
}

// mockUsers records settlement calls, in the style of the repository
// mocks used across the codebase.
type mockUsers struct {
	mu        sync.Mutex
	decisives []settled
	draws     []settled
}

type settled struct {
	aID   int64
	aElo  int
	bID   int64
	bElo  int
}

func (m *mockUsers) RecordDecisive(_ context.Context, winnerID int64, winnerElo int, loserID int64, loserElo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisives = append(m.decisives, settled{winnerID, winnerElo, loserID, loserElo})
	return nil
}

func (m *mockUsers) RecordDraw(_ context.Context, aID int64, aElo int, bID int64, bElo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draws = append(m.draws, settled{aID, aElo, bID, bElo})
	return nil
}

type mockPeer struct {
	mu     sync.Mutex
	frames []any
}

func (p *mockPeer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, v)
	return nil
}

func (p *mockPeer) Close() {}

func (p *mockPeer) framesOfType(frameType string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, f := range p.frames {
		switch v := f.(type) {
		case Notice:
			if v.Type == frameType {
				out = append(out, f)
			}
		case *MoveUpdate:
			if v.Type == frameType {
				out = append(out, f)
			}
		case *GameOver:
			if v.Type == frameType {
				out = append(out, f)
			}
		case *GameStart:
			if v.Type == frameType {
				out = append(out, f)
			}
		}
	}
	return out
}

type fixture struct {
	reg    *Registry
	broker *mockBroker
	users  *mockUsers
	game   *Game
	white  *mockPeer
	black  *mockPeer
}

// newFixture builds a registry with one game: alice (white, elo
// aliceElo) vs bob (black, elo bobElo), both peers attached.
func newFixture(t *testing.T, aliceElo, bobElo int) *fixture {
	t.Helper()
	ctx := context.Background()

	broker := &mockBroker{}
	users := &mockUsers{}
	reg := NewRegistry(broker, users, 30*time.Minute)

	p1 := &Player{UserID: 1, Username: "alice", SessionID: "sess-alice", Color: White, Elo: aliceElo}
	p2 := &Player{UserID: 2, Username: "bob", SessionID: "sess-bob", Color: Black, Elo: bobElo}

	g, err := reg.CreateGame(ctx, NewGameID(), p1, p2)
	require.NoError(t, err)

	white, black := &mockPeer{}, &mockPeer{}
	_, startW, err := reg.Attach("sess-alice", white)
	require.NoError(t, err)
	_, startB, err := reg.Attach("sess-bob", black)
	require.NoError(t, err)

	assert.Equal(t, "white", startW.YourColor)
	assert.Equal(t, "black", startB.YourColor)
	assert.Equal(t, InitialFEN, startW.FEN)

	return &fixture{reg: reg, broker: broker, users: users, game: g, white: white, black: black}
}

func TestNewGameID_Format(t *testing.T) {
	re := regexp.MustCompile(`^game_\d+_\d{4}$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, re, NewGameID())
	}
}

func TestCreateGame_InitialState(t *testing.T) {
	f := newFixture(t, 500, 500)

	assert.Equal(t, StatusOngoing, f.game.Status())
	assert.Equal(t, White, f.game.CurrentTurn())
	assert.Equal(t, InitialFEN, f.game.FEN())
	assert.Equal(t, 1, f.reg.Count())

	// CreateGame asked the engine for the opening legal moves.
	require.NotEmpty(t, f.broker.calls)
	assert.Equal(t, "validate", f.broker.calls[0].Reason)
}

func TestMove_Accepted(t *testing.T) {
	f := newFixture(t, 500, 500)
	f.broker.fn = func(msg engine.Request) *engine.Response {
		return &engine.Response{
			Message:       "valid",
			FEN:           "after-e4",
			PossibleMoves: []string{"e7-e5", "d7-d5"},
		}
	}

	before := f.game.MoveCount()
	require.NoError(t, f.reg.Move(context.Background(), "sess-alice", "e2-e4"))

	assert.Equal(t, Black, f.game.CurrentTurn(), "turn must flip")
	assert.Equal(t, before+1, f.game.MoveCount())
	assert.Equal(t, "after-e4", f.game.FEN())

	for _, peer := range []*mockPeer{f.white, f.black} {
		updates := peer.framesOfType("move_update")
		require.Len(t, updates, 1)
		up := updates[0].(*MoveUpdate)
		assert.Equal(t, "after-e4", up.FEN)
		assert.Equal(t, "black", up.NextTurn)
		assert.Equal(t, "e2-e4", up.LastMove)
		assert.Equal(t, []string{"e2-e4"}, up.MoveHistory)
	}
}

func TestMove_UCIEchoedVerbatim(t *testing.T) {
	f := newFixture(t, 500, 500)

	require.NoError(t, f.reg.Move(context.Background(), "sess-alice", "e2e4"))

	f.broker.mu.Lock()
	last := f.broker.calls[len(f.broker.calls)-1]
	f.broker.mu.Unlock()
	assert.Equal(t, "e2-e4", last.Moves, "engine sees the dashed form")

	up := f.white.framesOfType("move_update")[0].(*MoveUpdate)
	assert.Equal(t, "e2e4", up.LastMove, "client form echoed back")
	assert.Equal(t, []string{"e2e4"}, up.MoveHistory)
}

func TestMove_OutOfTurn(t *testing.T) {
	f := newFixture(t, 500, 500)

	err := f.reg.Move(context.Background(), "sess-bob", "e7-e5")
	assert.ErrorIs(t, err, ErrNotYourTurn)
	assert.Equal(t, 0, f.game.MoveCount())
	assert.Equal(t, White, f.game.CurrentTurn())
}

func TestMove_RejectedByEngine(t *testing.T) {
	f := newFixture(t, 500, 500)
	f.broker.fn = func(msg engine.Request) *engine.Response {
		if msg.Reason == "move" {
			return &engine.Response{Message: "invalid", Error: "illegal move"}
		}
		return &engine.Response{Message: "valid"}
	}

	err := f.reg.Move(context.Background(), "sess-alice", "e2-e5")
	assert.ErrorIs(t, err, ErrInvalidMove)
	assert.Equal(t, InitialFEN, f.game.FEN(), "rejected move must not mutate the game")
	assert.Equal(t, White, f.game.CurrentTurn())
}

func TestMove_EngineDown(t *testing.T) {
	f := newFixture(t, 500, 500)
	f.broker.fn = func(msg engine.Request) *engine.Response { return nil }

	err := f.reg.Move(context.Background(), "sess-alice", "e2-e4")
	assert.ErrorIs(t, err, ErrEngine)
	assert.Equal(t, 0, f.game.MoveCount())
}

func TestMove_Checkmate(t *testing.T) {
	f := newFixture(t, 500, 500)
	f.broker.fn = func(msg engine.Request) *engine.Response {
		return &engine.Response{
			Message: "valid",
			FEN:     "mated",
			Winner:  "white",
			Reason:  "checkmate",
		}
	}

	require.NoError(t, f.reg.Move(context.Background(), "sess-alice", "h5-f7"))

	for _, peer := range []*mockPeer{f.white, f.black} {
		overs := peer.framesOfType("game_over")
		require.Len(t, overs, 1)
		over := overs[0].(*GameOver)
		assert.Equal(t, "white", over.Winner)
		assert.Equal(t, "checkmate", over.Reason)
	}

	require.Len(t, f.users.decisives, 1)
	assert.Equal(t, int64(1), f.users.decisives[0].aID, "alice won")
	assert.Equal(t, 0, f.reg.Count(), "finished game leaves the registry")
	assert.Nil(t, f.reg.FindBySession("sess-alice"))
}

func TestResign_Settlement(t *testing.T) {
	f := newFixture(t, 500, 500)

	// Bob (black) resigns; white wins at K=32 with equal ratings.
	require.NoError(t, f.reg.Resign(context.Background(), "sess-bob"))

	require.Len(t, f.users.decisives, 1)
	s := f.users.decisives[0]
	assert.Equal(t, int64(1), s.aID)
	assert.Equal(t, 516, s.aElo)
	assert.Equal(t, int64(2), s.bID)
	assert.Equal(t, 484, s.bElo)

	over := f.white.framesOfType("game_over")[0].(*GameOver)
	assert.Equal(t, "white", over.Winner)
	assert.Equal(t, "resignation", over.Reason)
	assert.Equal(t, 16, over.EloChanges["white"])
	assert.Equal(t, -16, over.EloChanges["black"])
}

func TestDraw_Settlement(t *testing.T) {
	f := newFixture(t, 500, 700)

	require.NoError(t, f.reg.OfferDraw("sess-alice"))
	offered := f.black.framesOfType("draw_offered")
	require.Len(t, offered, 1)
	assert.Empty(t, f.white.framesOfType("draw_offered"), "offer goes only to the opponent")

	require.NoError(t, f.reg.AcceptDraw(context.Background(), "sess-bob"))
	require.Len(t, f.white.framesOfType("draw_accepted"), 1)

	require.Len(t, f.users.draws, 1)
	s := f.users.draws[0]
	// K=32, score 0.5: the lower-rated side gains what the higher-rated
	// side loses, sum preserved.
	assert.Equal(t, 508, s.aElo)
	assert.Equal(t, 692, s.bElo)
	assert.Equal(t, 500+700, s.aElo+s.bElo)

	over := f.black.framesOfType("game_over")[0].(*GameOver)
	assert.Equal(t, "draw", over.Winner)
}

func TestDraw_DeclineAndCancel(t *testing.T) {
	f := newFixture(t, 500, 500)

	require.NoError(t, f.reg.OfferDraw("sess-alice"))
	require.NoError(t, f.reg.DeclineDraw("sess-bob"))
	require.Len(t, f.white.framesOfType("draw_declined"), 1)

	require.NoError(t, f.reg.OfferDraw("sess-alice"))
	require.NoError(t, f.reg.CancelDrawOffer("sess-alice"))
	require.Len(t, f.black.framesOfType("draw_cancelled"), 1)

	assert.Equal(t, StatusOngoing, f.game.Status(), "declined offers leave the game running")
}

func TestEloSumPreserved(t *testing.T) {
	pairs := [][2]int{{500, 500}, {500, 700}, {1200, 800}, {650, 649}}
	for _, pair := range pairs {
		// Decisive settlements apply +d and -d, so preservation is
		// exact; draws round per player and may drift by one point.
		dA := eloDelta(pair[0], pair[1], 0.5)
		dB := eloDelta(pair[1], pair[0], 0.5)
		assert.LessOrEqual(t, dA+dB, 1, "draw rounding drift above +1 for %v", pair)
		assert.GreaterOrEqual(t, dA+dB, -1, "draw rounding drift below -1 for %v", pair)
	}
}

func TestDisconnect_ForfeitsOngoingGame(t *testing.T) {
	f := newFixture(t, 500, 500)

	f.reg.Disconnect(context.Background(), "sess-bob")

	notices := f.white.framesOfType("opponent_disconnected")
	require.Len(t, notices, 1)

	require.Len(t, f.users.decisives, 1)
	assert.Equal(t, int64(1), f.users.decisives[0].aID, "remaining player wins")
	assert.Equal(t, 0, f.reg.Count())
}

func TestSweep_ReapsStaleGames(t *testing.T) {
	broker := &mockBroker{}
	users := &mockUsers{}
	reg := NewRegistry(broker, users, 10*time.Millisecond)

	p1 := &Player{UserID: 1, Username: "alice", SessionID: "a", Color: White, Elo: 500}
	p2 := &Player{UserID: 2, Username: "bob", SessionID: "b", Color: Black, Elo: 500}
	_, err := reg.CreateGame(context.Background(), NewGameID(), p1, p2)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Count())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 0, reg.Count())
	assert.Nil(t, reg.FindBySession("a"))
}

func TestSweep_LeavesFreshGames(t *testing.T) {
	f := newFixture(t, 500, 500)
	assert.Equal(t, 0, f.reg.Sweep())
	assert.Equal(t, 1, f.reg.Count())
}
