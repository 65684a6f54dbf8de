package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/castlemate/chessd/internal/session"
)

const (
	sessionCookie = "session_id"
	sessionKey    = "session"
)

// requireSession authenticates the request through its session cookie
// and touches the session on success. Unauthenticated page loads are
// bounced to the login page; API calls get a generic 401.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookie)
		if err == nil && token != "" {
			if sess := s.sessions.Get(c.Request.Context(), token); sess != nil {
				s.sessions.Touch(c.Request.Context(), token)
				c.Set(sessionKey, sess)
				c.Next()
				return
			}
		}

		if c.Request.Method == http.MethodGet {
			c.Redirect(http.StatusSeeOther, "/login")
		} else {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "not authenticated",
			})
		}
		c.Abort()
	}
}

// currentSession returns the session installed by requireSession.
func currentSession(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

// setSessionCookie installs the session token with the attributes the
// frontend relies on. Secure is added when TLS terminates here.
func (s *Server) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, token, s.cfg.Sessions.CookieMaxAge, "/", "", s.cfg.TLS, true)
}

func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.cfg.TLS, true)
}
