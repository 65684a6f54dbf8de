package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/game"
	"github.com/castlemate/chessd/internal/matchmaking"
	"github.com/castlemate/chessd/internal/session"
	"github.com/castlemate/chessd/internal/state"
)

const shutdownGrace = 5 * time.Second

// Server is the HTTP and WebSocket front of the chess service.
type Server struct {
	cfg      config.Server
	st       *state.State
	sessions *session.Store
	users    db.UserRepository
	registry *game.Registry
	mm       *matchmaking.Matchmaker
	router   *gin.Engine
}

func NewServer(
	cfg config.Server,
	st *state.State,
	sessions *session.Store,
	users db.UserRepository,
	registry *game.Registry,
	mm *matchmaking.Matchmaker,
) *Server {
	s := &Server{
		cfg:      cfg,
		st:       st,
		sessions: sessions,
		users:    users,
		registry: registry,
		mm:       mm,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusSeeOther, "/login")
	})
	r.GET("/login", s.page("login.html"))
	r.GET("/register", s.page("register.html"))
	r.POST("/login", s.handleLogin)
	r.POST("/register", s.handleRegister)

	auth := r.Group("/", s.requireSession())
	auth.GET("/home", s.page("home.html"))
	auth.GET("/stats", s.page("stats.html"))
	auth.GET("/profile", s.page("profile.html"))
	auth.GET("/game", s.handleGamePage)
	auth.GET("/ws", s.handleWebSocket)

	auth.POST("/session", s.handleSession)
	auth.POST("/logout", s.handleLogout)
	auth.POST("/home/search", s.handleSearch)
	auth.POST("/home/cancel", s.handleCancel)
	auth.POST("/stats", s.handleStats)
	auth.POST("/profile/update-username", s.handleUpdateUsername)
	auth.POST("/profile/update-password", s.handleUpdatePassword)
	auth.POST("/profile/delete-account", s.handleDeleteAccount)

	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled or the server latch trips,
// then drains in-flight requests with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	case <-s.st.Done():
	}

	slog.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// page serves a file from the static frontend directory. With no
// directory configured, page serving is disabled.
func (s *Server) page(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.StaticDir == "" {
			c.Status(http.StatusNotFound)
			return
		}
		c.File(filepath.Join(s.cfg.StaticDir, name))
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
