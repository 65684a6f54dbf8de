package game

import (
	"sync"
	"time"
)

// Color of a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other color.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Status of a game. A terminal status is write-once.
type Status string

const (
	StatusOngoing  Status = "ongoing"
	StatusFinished Status = "finished"
)

// InitialFEN is the standard chess starting position.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Peer is the attached transport for one player. Implemented by the
// WebSocket client in the web package and by mocks in tests.
type Peer interface {
	Send(v any) error
	Close()
}

// Player is one side of a game. Elo is a snapshot taken at pairing
// time and used for settlement.
type Player struct {
	UserID    int64
	Username  string
	SessionID string
	Color     Color
	Elo       int

	peer Peer // nil until the WebSocket attaches
}

// Game is the in-memory state machine for one match. All mutation goes
// through the Registry, which holds g.mu around state access; engine
// and database I/O happen outside the lock.
type Game struct {
	ID string

	mu      sync.Mutex
	players [2]*Player

	fen         string
	moves       []string
	currentTurn Color
	legalMoves  []string
	status      Status
	winner      string // "white", "black" or "draw"; empty while ongoing

	createdAt  time.Time
	lastMoveAt time.Time
}

// newGame builds an ongoing game at the starting position.
func newGame(id string, p1, p2 *Player) *Game {
	now := time.Now()
	return &Game{
		ID:          id,
		players:     [2]*Player{p1, p2},
		fen:         InitialFEN,
		currentTurn: White,
		status:      StatusOngoing,
		createdAt:   now,
		lastMoveAt:  now,
	}
}

// playerBySession returns the player with the given session and their
// opponent. Callers hold g.mu.
func (g *Game) playerBySession(sessionID string) (me, opponent *Player) {
	if g.players[0].SessionID == sessionID {
		return g.players[0], g.players[1]
	}
	if g.players[1].SessionID == sessionID {
		return g.players[1], g.players[0]
	}
	return nil, nil
}

func (g *Game) byColor(c Color) *Player {
	if g.players[0].Color == c {
		return g.players[0]
	}
	return g.players[1]
}

// broadcast sends v to both attached peers. Callers hold g.mu; Send on
// the websocket client only enqueues, it does not perform socket I/O.
func (g *Game) broadcast(v any) {
	for _, p := range g.players {
		if p.peer != nil {
			p.peer.Send(v)
		}
	}
}

// Snapshot fields, safely.

// FEN returns the current position.
func (g *Game) FEN() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fen
}

// CurrentTurn returns the color to move.
func (g *Game) CurrentTurn() Color {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentTurn
}

// Status returns the game status.
func (g *Game) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Winner returns the recorded result, empty while ongoing.
func (g *Game) Winner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.winner
}

// MoveCount returns the number of accepted moves.
func (g *Game) MoveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.moves)
}

// Players returns both player records.
func (g *Game) Players() [2]*Player {
	return g.players
}
