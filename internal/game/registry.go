package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/castlemate/chessd/internal/engine"
)

// Typed failures surfaced to the WebSocket layer as error frames.
var (
	ErrNoGame       = errors.New("no active game")
	ErrNotYourTurn  = errors.New("not your turn")
	ErrGameFinished = errors.New("game already finished")
	ErrInvalidMove  = errors.New("invalid move")
	ErrEngine       = errors.New("engine unavailable")
)

// MoveBroker is the slice of the engine pool the registry needs.
type MoveBroker interface {
	Submit(ctx context.Context, gameID string, msg engine.Request) *engine.Response
}

// Settler is the slice of the user repository the registry needs to
// persist game results.
type Settler interface {
	RecordDecisive(ctx context.Context, winnerID int64, winnerElo int, loserID int64, loserElo int) error
	RecordDraw(ctx context.Context, aID int64, aElo int, bID int64, bElo int) error
}

// Registry holds every active game, indexed by game id and by the
// session ids of its players, and drives each game's state machine.
type Registry struct {
	mu        sync.Mutex
	games     map[string]*Game
	bySession map[string]string // session_id → game_id

	broker MoveBroker
	users  Settler

	moveTimeout time.Duration
}

// NewRegistry builds an empty registry.
func NewRegistry(broker MoveBroker, users Settler, moveTimeout time.Duration) *Registry {
	return &Registry{
		games:       make(map[string]*Game),
		bySession:   make(map[string]string),
		broker:      broker,
		users:       users,
		moveTimeout: moveTimeout,
	}
}

// NewGameID generates a unique game identifier.
func NewGameID() string {
	return fmt.Sprintf("game_%d_%04d", time.Now().Unix(), rand.Intn(9000)+1000)
}

// CreateGame installs a new game for two players, asks the engine for
// the initial legal moves and returns it. Color assignment is a random
// permutation chosen by the caller via the players' Color fields.
func (r *Registry) CreateGame(ctx context.Context, id string, p1, p2 *Player) (*Game, error) {
	g := newGame(id, p1, p2)

	r.mu.Lock()
	r.games[id] = g
	r.bySession[p1.SessionID] = id
	r.bySession[p2.SessionID] = id
	r.mu.Unlock()

	// Initial legal moves; a pool hiccup here is not fatal, the first
	// move request recomputes them server-side anyway.
	if resp := r.broker.Submit(ctx, id, engine.Validate(g.fen)); resp != nil && resp.Valid() {
		g.mu.Lock()
		g.legalMoves = resp.PossibleMoves
		g.mu.Unlock()
	} else {
		slog.Warn("failed to initialize legal moves", "game_id", id)
	}

	slog.Info("game created", "game_id", id,
		"white", g.byColor(White).Username, "black", g.byColor(Black).Username)
	return g, nil
}

// FindBySession returns the game a session is playing in, if any.
func (r *Registry) FindBySession(sessionID string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	return r.games[id]
}

// Count returns the number of registered games.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}

// Attach binds a peer into the session's player slot and returns the
// game_start frame to send. ErrNoGame when the session has no game.
func (r *Registry) Attach(sessionID string, peer Peer) (*Game, *GameStart, error) {
	g := r.FindBySession(sessionID)
	if g == nil {
		return nil, nil, ErrNoGame
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	me, opp := g.playerBySession(sessionID)
	if me == nil {
		return nil, nil, ErrNoGame
	}
	me.peer = peer

	start := &GameStart{
		Type:             "game_start",
		GameID:           g.ID,
		YourColor:        string(me.Color),
		YourUsername:     me.Username,
		OpponentUsername: opp.Username,
		FEN:              g.fen,
		LegalMoves:       g.legalMoves,
		CurrentTurn:      string(g.currentTurn),
	}
	return g, start, nil
}

// Move brokers one move for the session's game. The move is accepted in
// client form ("e2e4" or "e2-e4") and normalized for the engine; the
// original text is what history and move_update echo back. On acceptance
// the position advances, the turn flips and both peers receive a
// move_update; a terminal engine reply settles instead.
func (r *Registry) Move(ctx context.Context, sessionID, move string) error {
	g := r.FindBySession(sessionID)
	if g == nil {
		return ErrNoGame
	}
	engineMove, err := NormalizeMove(move)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}

	g.mu.Lock()
	if g.status != StatusOngoing {
		g.mu.Unlock()
		return ErrGameFinished
	}
	me, _ := g.playerBySession(sessionID)
	if me == nil {
		g.mu.Unlock()
		return ErrNoGame
	}
	if g.currentTurn != me.Color {
		g.mu.Unlock()
		return ErrNotYourTurn
	}
	fen := g.fen
	g.mu.Unlock()

	// Engine I/O outside the lock. Within one game this is still
	// serialized because each player only moves on their turn.
	resp := r.broker.Submit(ctx, g.ID, engine.Move(fen, engineMove))
	if resp == nil {
		return ErrEngine
	}
	if !resp.Valid() {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrInvalidMove, resp.Error)
		}
		return ErrInvalidMove
	}

	g.mu.Lock()
	if g.status != StatusOngoing {
		// Lost a race with resignation or disconnect.
		g.mu.Unlock()
		return ErrGameFinished
	}
	if g.currentTurn != me.Color {
		// A duplicate submission of the same move already landed.
		g.mu.Unlock()
		return ErrNotYourTurn
	}
	g.fen = resp.FEN
	g.moves = append(g.moves, move)
	g.legalMoves = resp.PossibleMoves
	g.currentTurn = g.currentTurn.Opposite()
	g.lastMoveAt = time.Now()

	if resp.Winner != "" {
		g.mu.Unlock()
		reason := resp.Reason
		if reason == "" {
			reason = "checkmate"
		}
		r.finish(ctx, g, resp.Winner, reason)
		return nil
	}

	update := &MoveUpdate{
		Type:        "move_update",
		FEN:         g.fen,
		NextTurn:    string(g.currentTurn),
		LegalMoves:  g.legalMoves,
		LastMove:    move,
		MoveHistory: append([]string(nil), g.moves...),
	}
	g.broadcast(update)
	g.mu.Unlock()
	return nil
}

// Resign forfeits the game to the opposing color.
func (r *Registry) Resign(ctx context.Context, sessionID string) error {
	g := r.FindBySession(sessionID)
	if g == nil {
		return ErrNoGame
	}
	g.mu.Lock()
	if g.status != StatusOngoing {
		g.mu.Unlock()
		return ErrGameFinished
	}
	me, _ := g.playerBySession(sessionID)
	g.mu.Unlock()
	if me == nil {
		return ErrNoGame
	}

	r.finish(ctx, g, string(me.Color.Opposite()), "resignation")
	return nil
}

// OfferDraw forwards a draw offer to the opponent. Offers are
// idempotent notifications; no state is recorded.
func (r *Registry) OfferDraw(sessionID string) error {
	return r.notifyOpponent(sessionID, "draw_offered", "%s offers a draw")
}

// AcceptDraw ends the game as a draw.
func (r *Registry) AcceptDraw(ctx context.Context, sessionID string) error {
	g := r.FindBySession(sessionID)
	if g == nil {
		return ErrNoGame
	}
	g.mu.Lock()
	ongoing := g.status == StatusOngoing
	g.mu.Unlock()
	if !ongoing {
		return ErrGameFinished
	}

	// The offerer hears the acceptance before settlement lands.
	_ = r.notifyOpponent(sessionID, "draw_accepted", "%s accepted the draw")
	r.finish(ctx, g, "draw", "draw agreed")
	return nil
}

// DeclineDraw notifies the offerer that the draw was declined.
func (r *Registry) DeclineDraw(sessionID string) error {
	return r.notifyOpponent(sessionID, "draw_declined", "%s declined the draw")
}

// CancelDrawOffer notifies the opponent that the offer was withdrawn.
func (r *Registry) CancelDrawOffer(sessionID string) error {
	return r.notifyOpponent(sessionID, "draw_cancelled", "%s withdrew the draw offer")
}

func (r *Registry) notifyOpponent(sessionID, frameType, format string) error {
	g := r.FindBySession(sessionID)
	if g == nil {
		return ErrNoGame
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != StatusOngoing {
		return ErrGameFinished
	}
	me, opp := g.playerBySession(sessionID)
	if me == nil {
		return ErrNoGame
	}
	if opp.peer != nil {
		opp.peer.Send(Notice{Type: frameType, Message: fmt.Sprintf(format, me.Username)})
	}
	return nil
}

// Disconnect clears the session's peer slot. An ongoing game is
// forfeited to the remaining player, who is notified first.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) {
	g := r.FindBySession(sessionID)
	if g == nil {
		return
	}

	g.mu.Lock()
	me, opp := g.playerBySession(sessionID)
	if me == nil {
		g.mu.Unlock()
		return
	}
	me.peer = nil
	ongoing := g.status == StatusOngoing
	if ongoing && opp.peer != nil {
		opp.peer.Send(Notice{
			Type:    "opponent_disconnected",
			Message: fmt.Sprintf("%s has disconnected", me.Username),
		})
	}
	g.mu.Unlock()

	if ongoing {
		r.finish(ctx, g, string(opp.Color), "abandonment")
	}
}

// finish runs terminal settlement exactly once: records the result,
// applies ELO and counters, broadcasts game_over and unregisters the
// game. winner is "white", "black" or "draw".
func (r *Registry) finish(ctx context.Context, g *Game, winner, reason string) {
	g.mu.Lock()
	if g.status == StatusFinished {
		g.mu.Unlock()
		return
	}
	g.status = StatusFinished
	g.winner = winner

	white := g.byColor(White)
	black := g.byColor(Black)
	g.mu.Unlock()

	changes := make(map[string]int, 2)

	var persistErr error
	switch winner {
	case "draw":
		dWhite := eloDelta(white.Elo, black.Elo, 0.5)
		dBlack := eloDelta(black.Elo, white.Elo, 0.5)
		changes[string(White)] = dWhite
		changes[string(Black)] = dBlack
		persistErr = r.users.RecordDraw(ctx,
			white.UserID, white.Elo+dWhite,
			black.UserID, black.Elo+dBlack)
	default:
		w, l := white, black
		if winner == string(Black) {
			w, l = black, white
		}
		dWin := eloDelta(w.Elo, l.Elo, 1.0)
		changes[string(w.Color)] = dWin
		changes[string(l.Color)] = -dWin
		persistErr = r.users.RecordDecisive(ctx,
			w.UserID, w.Elo+dWin,
			l.UserID, l.Elo-dWin)
	}
	if persistErr != nil {
		slog.Error("settlement persistence failed", "game_id", g.ID, "err", persistErr)
	}

	g.mu.Lock()
	g.broadcast(&GameOver{
		Type:       "game_over",
		Winner:     winner,
		Reason:     reason,
		EloChanges: changes,
	})
	g.mu.Unlock()

	r.remove(g)
	slog.Info("game finished", "game_id", g.ID, "winner", winner, "reason", reason)
}

// remove unregisters the game from both indexes.
func (r *Registry) remove(g *Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, g.ID)
	for _, p := range g.players {
		if r.bySession[p.SessionID] == g.ID {
			delete(r.bySession, p.SessionID)
		}
	}
}

// Sweep reaps finished games and ongoing games whose last move is older
// than the inactivity timeout. Timed-out games are closed without
// settlement; attached peers get a final error frame.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var stale []*Game
	now := time.Now()
	for _, g := range r.games {
		g.mu.Lock()
		timedOut := now.Sub(g.lastMoveAt) > r.moveTimeout
		finished := g.status == StatusFinished
		g.mu.Unlock()
		if timedOut || finished {
			stale = append(stale, g)
		}
	}
	r.mu.Unlock()

	for _, g := range stale {
		g.mu.Lock()
		if g.status == StatusOngoing {
			g.status = StatusFinished
			g.broadcast(ErrorFrame("game closed due to inactivity"))
		}
		g.mu.Unlock()
		r.remove(g)
		slog.Info("swept game", "game_id", g.ID)
	}
	return len(stale)
}
