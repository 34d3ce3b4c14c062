package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/framesearch/internal/token"
)

const sessionContextKey = "framesearch_session"

// tokenAuth verifies the bearer token and stores the session in the
// request context. No route behind it ever sees an unverified identity.
func (s *Server) tokenAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return c.JSON(http.StatusUnauthorized, errorBody("missing bearer token"))
		}

		sess, err := s.issuer.Verify(raw)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody("invalid or expired token"))
		}

		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

// sessionFrom returns the verified session set by tokenAuth.
func sessionFrom(c echo.Context) *token.Session {
	sess, _ := c.Get(sessionContextKey).(*token.Session)
	return sess
}
