package game

// WebSocket message envelopes. Every frame carries a type discriminant;
// the handler dispatches on it and the client renders from the rest.

// Client → server frame, decoded loosely: only the fields relevant to
// the given type are read.
type ClientMessage struct {
	Type string `json:"type"`
	Move string `json:"move,omitempty"` // UCI, e.g. "e2e4"
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Client message types.
const (
	TypeHandshake       = "handshake"
	TypeMove            = "move"
	TypeResign          = "resign"
	TypeOfferDraw       = "offer_draw"
	TypeAcceptDraw      = "accept_draw"
	TypeDeclineDraw     = "decline_draw"
	TypeCancelDrawOffer = "cancel_draw_offer"
	TypePong            = "pong"
)

// GameStart is sent to a player once their socket is attached.
type GameStart struct {
	Type             string   `json:"type"` // "game_start"
	GameID           string   `json:"game_id"`
	YourColor        string   `json:"your_color"`
	YourUsername     string   `json:"your_username"`
	OpponentUsername string   `json:"opponent_username"`
	FEN              string   `json:"fen"`
	LegalMoves       []string `json:"legal_moves"`
	CurrentTurn      string   `json:"current_turn"`
}

// MoveUpdate is broadcast to both players after an accepted move.
type MoveUpdate struct {
	Type        string   `json:"type"` // "move_update"
	FEN         string   `json:"fen"`
	NextTurn    string   `json:"next_turn"`
	LegalMoves  []string `json:"legal_moves"`
	LastMove    string   `json:"last_move"`
	MoveHistory []string `json:"move_history"`
}

// GameOver is broadcast on terminal settlement.
type GameOver struct {
	Type       string         `json:"type"`   // "game_over"
	Winner     string         `json:"winner"` // "white", "black" or "draw"
	Reason     string         `json:"reason"`
	EloChanges map[string]int `json:"elo_changes"` // keyed by color
}

// Notice is a small typed notification frame (draw negotiation,
// disconnects, handshake acks, heartbeats, errors).
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ErrorFrame builds a typed error notice.
func ErrorFrame(message string) Notice {
	return Notice{Type: "error", Message: message}
}
