package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/castlemate/chessd/internal/game"
)

const (
	maxFrameSize  = 10000
	writeWait     = 10 * time.Second
	sendQueueSize = 32
)

var (
	errPeerClosed     = errors.New("peer closed")
	errSendBufferFull = errors.New("peer send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The session cookie is the access control; origins are not.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsPeer adapts one WebSocket connection to the game.Peer interface.
// Send only enqueues; the write pump owns the connection for writing.
type wsPeer struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}

	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan any, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) Send(v any) error {
	select {
	case <-p.done:
		return errPeerClosed
	case p.send <- v:
		return nil
	default:
		return errSendBufferFull
	}
}

func (p *wsPeer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// writePump serializes all outbound traffic, including the periodic
// heartbeat, and closes the connection on exit.
func (p *wsPeer) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case v := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(v); err != nil {
				p.Close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(game.Notice{Type: "heartbeat"}); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			// Flush whatever is already queued so game_over frames
			// reach the client before the close handshake.
			for {
				select {
				case v := <-p.send:
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if p.conn.WriteJSON(v) != nil {
						return
					}
				default:
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					p.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// handleWebSocket upgrades the in-game channel, attaches the peer to
// the session's game and runs the read loop until the client leaves.
func (s *Server) handleWebSocket(c *gin.Context) {
	sess := currentSession(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	peer := newWSPeer(conn)
	go peer.writePump(s.cfg.Game.HeartbeatInterval.Std())

	_, start, err := s.registry.Attach(sess.SessionID, peer)
	if err != nil {
		peer.Send(game.ErrorFrame("no active game"))
		peer.Close()
		return
	}
	peer.Send(start)

	s.readLoop(c.Request.Context(), sess.SessionID, peer)
}

func (s *Server) readLoop(ctx context.Context, sessionID string, peer *wsPeer) {
	conn := peer.conn
	conn.SetReadLimit(maxFrameSize)

	defer func() {
		s.registry.Disconnect(ctx, sessionID)
		peer.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "session_id", sessionID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage || !utf8.Valid(data) {
			peer.Send(game.ErrorFrame("text frames only"))
			continue
		}

		var msg game.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			peer.Send(game.ErrorFrame("malformed message"))
			continue
		}
		s.dispatch(ctx, sessionID, peer, msg)
	}
}

// dispatch routes one client frame. Game-state errors go back as typed
// error frames; the connection itself stays up.
func (s *Server) dispatch(ctx context.Context, sessionID string, peer *wsPeer, msg game.ClientMessage) {
	var err error
	switch msg.Type {
	case game.TypeHandshake:
		peer.Send(game.Notice{Type: "handshake_ack"})
	case game.TypeMove:
		move := msg.Move
		if move == "" && msg.From != "" && msg.To != "" {
			move = msg.From + "-" + msg.To
		}
		err = s.registry.Move(ctx, sessionID, move)
	case game.TypeResign:
		err = s.registry.Resign(ctx, sessionID)
	case game.TypeOfferDraw:
		err = s.registry.OfferDraw(sessionID)
	case game.TypeAcceptDraw:
		err = s.registry.AcceptDraw(ctx, sessionID)
	case game.TypeDeclineDraw:
		err = s.registry.DeclineDraw(sessionID)
	case game.TypeCancelDrawOffer:
		err = s.registry.CancelDrawOffer(sessionID)
	case game.TypePong:
		// Heartbeat reply, nothing to do.
	default:
		slog.Debug("unknown websocket message type", "type", msg.Type)
	}

	if err != nil {
		peer.Send(game.ErrorFrame(err.Error()))
	}
}
