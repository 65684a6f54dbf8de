package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/castlemate/chessd/internal/auth"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/matchmaking"
)

const genericLoginError = "invalid username or password"

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "message": message})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registration struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registration
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	if err := auth.ValidateUsername(req.Username); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password != req.ConfirmPassword {
		fail(c, http.StatusBadRequest, "passwords do not match")
		return
	}

	hash, salt, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("password hashing failed", "err", err)
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}

	ctx := c.Request.Context()
	userID, err := s.users.Create(ctx, req.Username, hash, salt)
	if errors.Is(err, db.ErrUsernameTaken) {
		fail(c, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		slog.Error("user creation failed", "username", req.Username, "err", err)
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}

	token := s.sessions.Create(ctx, userID, req.Username, c.ClientIP())
	if token == "" {
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}
	s.setSessionCookie(c, token)

	slog.Info("user registered", "username", req.Username, "user_id", userID)
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/home"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	// Same generic answer for malformed and wrong credentials, no
	// user enumeration.
	if auth.ValidateUsername(req.Username) != nil || auth.ValidatePassword(req.Password) != nil {
		fail(c, http.StatusUnauthorized, genericLoginError)
		return
	}

	ctx := c.Request.Context()
	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil || user == nil {
		fail(c, http.StatusUnauthorized, genericLoginError)
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash, user.Salt) {
		fail(c, http.StatusUnauthorized, genericLoginError)
		return
	}

	token := s.sessions.Create(ctx, user.UserID, user.Username, c.ClientIP())
	if token == "" {
		fail(c, http.StatusInternalServerError, "login failed")
		return
	}
	s.setSessionCookie(c, token)

	slog.Info("user logged in", "username", user.Username)
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/home"})
}

func (s *Server) handleLogout(c *gin.Context) {
	sess := currentSession(c)
	s.mm.Cancel(sess.SessionID)
	s.sessions.Delete(c.Request.Context(), sess.SessionID)
	s.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/login"})
}

// handleSession returns the identity the frontend renders in its
// header: current username and rating.
func (s *Server) handleSession(c *gin.Context) {
	sess := currentSession(c)
	user, err := s.users.GetByID(c.Request.Context(), sess.UserID)
	if err != nil || user == nil {
		fail(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"username": user.Username,
		"elo":      user.Elo,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	sess := currentSession(c)
	user, err := s.users.GetByID(c.Request.Context(), sess.UserID)
	if err != nil || user == nil {
		fail(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"username":  user.Username,
		"elo":       user.Elo,
		"wins":      user.Wins,
		"draws":     user.Draws,
		"losses":    user.Losses,
		"join_date": user.JoinDate,
		"last_game": user.LastGame,
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	sess := currentSession(c)
	if s.registry.FindBySession(sess.SessionID) != nil {
		fail(c, http.StatusConflict, "already in a game")
		return
	}

	err := s.mm.Enqueue(matchmaking.Candidate{
		UserID:    sess.UserID,
		Username:  sess.Username,
		SessionID: sess.SessionID,
	})
	switch {
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		fail(c, http.StatusConflict, "already searching")
	case errors.Is(err, matchmaking.ErrQueueFull):
		fail(c, http.StatusServiceUnavailable, "matchmaking is busy, try again")
	case err != nil:
		fail(c, http.StatusInternalServerError, "search failed")
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "searching"})
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	sess := currentSession(c)
	s.mm.Cancel(sess.SessionID)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "search cancelled"})
}

// handleGamePage serves the board page only while the session has an
// active game; everyone else goes back to the lobby.
func (s *Server) handleGamePage(c *gin.Context) {
	sess := currentSession(c)
	if s.registry.FindBySession(sess.SessionID) == nil {
		c.Redirect(http.StatusSeeOther, "/home")
		return
	}
	s.page("game.html")(c)
}

func (s *Server) handleUpdateUsername(c *gin.Context) {
	var req struct {
		NewUsername string `json:"new_username"`
		Password    string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	if err := auth.ValidateUsername(req.NewUsername); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	sess := currentSession(c)
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || user == nil {
		fail(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash, user.Salt) {
		fail(c, http.StatusUnauthorized, "wrong password")
		return
	}

	err = s.users.UpdateUsername(ctx, sess.UserID, req.NewUsername)
	if errors.Is(err, db.ErrUsernameTaken) {
		fail(c, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "rename failed")
		return
	}
	s.sessions.RenameUser(ctx, sess.UserID, req.NewUsername)

	slog.Info("username changed", "user_id", sess.UserID, "new_username", req.NewUsername)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "username updated"})
}

func (s *Server) handleUpdatePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		fail(c, http.StatusBadRequest, "passwords do not match")
		return
	}

	ctx := c.Request.Context()
	sess := currentSession(c)
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || user == nil {
		fail(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if !auth.VerifyPassword(req.CurrentPassword, user.PasswordHash, user.Salt) {
		fail(c, http.StatusUnauthorized, "wrong password")
		return
	}

	hash, salt, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		fail(c, http.StatusInternalServerError, "password change failed")
		return
	}
	if err := s.users.UpdatePassword(ctx, sess.UserID, hash, salt); err != nil {
		fail(c, http.StatusInternalServerError, "password change failed")
		return
	}

	// Every other session of this user is evicted; this one stays.
	for _, id := range s.sessions.SessionIDs(ctx, sess.UserID) {
		if id != sess.SessionID {
			s.sessions.Delete(ctx, id)
		}
	}

	slog.Info("password changed", "user_id", sess.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "password updated"})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}

	ctx := c.Request.Context()
	sess := currentSession(c)
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || user == nil {
		fail(c, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash, user.Salt) {
		fail(c, http.StatusUnauthorized, "wrong password")
		return
	}

	if err := s.users.Delete(ctx, sess.UserID); err != nil {
		fail(c, http.StatusInternalServerError, "account deletion failed")
		return
	}
	s.mm.Cancel(sess.SessionID)
	s.sessions.LogoutAll(ctx, sess.UserID)
	s.clearSessionCookie(c)

	slog.Info("account deleted", "user_id", sess.UserID, "username", user.Username)
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/login"})
}
