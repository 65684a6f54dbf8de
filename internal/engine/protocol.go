// Package engine manages the pool of chess-engine subprocesses and the
// line-delimited JSON protocol spoken over their pipes.
package engine

// Request is one line of JSON written to an engine's stdin.
type Request struct {
	Reason string `json:"reason"`
	FEN    string `json:"fen"`
	Moves  string `json:"moves"`
}

// Ping is the liveness probe sent at spawn.
func Ping() Request {
	return Request{Reason: "ping"}
}

// Validate asks for the legal moves of a position.
func Validate(fen string) Request {
	return Request{Reason: "validate", FEN: fen}
}

// Move applies a move to a position.
func Move(fen, move string) Request {
	return Request{Reason: "move", FEN: fen, Moves: move}
}

// Exit asks the engine to shut down.
func Exit() Request {
	return Request{Reason: "exit"}
}

// Response is one line of JSON read from an engine's stdout. Any subset
// of fields may be present; unknown fields are ignored.
type Response struct {
	Message       string   `json:"message"`
	FEN           string   `json:"fen"`
	PossibleMoves []string `json:"possible_moves"`
	Winner        string   `json:"winner"` // "white", "black" or empty
	Reason        string   `json:"reason"` // "checkmate", "stalemate", ...
	Error         string   `json:"error"`
}

// Valid reports whether the engine accepted the request.
func (r *Response) Valid() bool {
	return r.Message == "valid"
}
