package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/encoder"
	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/tenant"
	"github.com/fyrsmithlabs/framesearch/internal/token"
	"github.com/fyrsmithlabs/framesearch/internal/upstream"
	"github.com/fyrsmithlabs/framesearch/internal/vault"
)

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps service errors onto HTTP statuses. Credential problems
// of any kind collapse into one 401 so responses never leak which part of
// a credential was wrong.
func (s *Server) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, tenant.ErrInvalidInput), errors.Is(err, index.ErrInvalidTopK):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))

	case errors.Is(err, tenant.ErrExists):
		return c.JSON(http.StatusConflict, errorBody("tenant already exists"))

	case errors.Is(err, vault.ErrInvalidCredential),
		errors.Is(err, vault.ErrCorruptBlob),
		errors.Is(err, token.ErrInvalidToken):
		return c.JSON(http.StatusUnauthorized, errorBody("invalid credentials"))

	case errors.Is(err, upstream.ErrRejected):
		return c.JSON(http.StatusUnauthorized, errorBody("upstream rejected credentials, re-login required"))

	case errors.Is(err, tenant.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody("tenant not found"))

	case errors.Is(err, encoder.ErrUnavailable):
		return c.JSON(http.StatusBadGateway, errorBody("encoder unavailable"))

	case errors.Is(err, upstream.ErrUnavailable):
		return c.JSON(http.StatusBadGateway, errorBody("upstream unavailable"))

	case errors.Is(err, upstream.ErrUpstream):
		return c.JSON(http.StatusBadGateway, errorBody(err.Error()))

	case errors.Is(err, index.ErrDimensionMismatch):
		// Deployment fault: encoder and index disagree on vector width.
		s.logger.Error("dimension mismatch between encoder and index", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal error"))

	default:
		s.logger.Error("request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}
