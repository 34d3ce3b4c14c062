package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/ingest"
	"github.com/fyrsmithlabs/framesearch/internal/logging"
	"github.com/fyrsmithlabs/framesearch/internal/search"
	"github.com/fyrsmithlabs/framesearch/internal/upstream"
	"github.com/fyrsmithlabs/framesearch/internal/vault"
)

const defaultTopK = 10

type registerRequest struct {
	TenantID    string `json:"tenant_id"`
	Password    string `json:"password"`
	UpstreamURL string `json:"upstream_url"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	if err := s.tenants.Register(c.Request().Context(), req.TenantID, req.Password, req.UpstreamURL); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"status":    "registered",
		"tenant_id": req.TenantID,
	})
}

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	signed, sess, err := s.tenants.Login(c.Request().Context(), req.TenantID, req.Password)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: signed, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleSearch(c echo.Context) error {
	sess := sessionFrom(c)
	ctx := c.Request().Context()

	text := c.QueryParam("text")

	topK := defaultTopK
	if raw := c.QueryParam("top_k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("top_k must be an integer"))
		}
		topK = parsed
	}

	opts := search.Options{
		SourceIDs: c.QueryParams()["source_id"],
		Dedup:     c.QueryParam("dedup") == "true",
	}

	tr := &index.TimeRange{}
	for param, dst := range map[string]**float64{"time_start": &tr.Start, "time_end": &tr.End} {
		if raw := c.QueryParam(param); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return c.JSON(http.StatusBadRequest, errorBody(param+" must be a number"))
			}
			*dst = &v
		}
	}
	if tr.Start != nil || tr.End != nil {
		opts.TimeRange = tr
	}

	// Keep the upstream registration warm so frame retrieval for the
	// results cannot hit a dead credential. The index is local: when the
	// upstream is down, search still answers and only frame fetches
	// degrade.
	if _, err := s.tenants.EnsureRegistered(ctx, sess); err != nil {
		if !errors.Is(err, upstream.ErrUnavailable) {
			return s.writeError(c, err)
		}
		s.logger.Warn("upstream unreachable, serving search from local index",
			zap.String("tenant_id", sess.TenantID))
	}

	frames, err := s.pipeline.Search(ctx, sess, text, topK, opts)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, frames)
}

func (s *Server) handleSources(c echo.Context) error {
	sess := sessionFrom(c)
	ctx := c.Request().Context()

	apiKey, err := s.tenants.EnsureRegistered(ctx, sess)
	if err != nil {
		return s.writeError(c, err)
	}
	client, err := s.tenants.UpstreamClient(sess.TenantID)
	if err != nil {
		return s.writeError(c, err)
	}

	sources, err := client.ListSources(ctx, apiKey)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) handleCoverage(c echo.Context) error {
	sess := sessionFrom(c)
	ctx := c.Request().Context()
	sourceID := c.Param("id")

	apiKey, err := s.tenants.EnsureRegistered(ctx, sess)
	if err != nil {
		return s.writeError(c, err)
	}
	client, err := s.tenants.UpstreamClient(sess.TenantID)
	if err != nil {
		return s.writeError(c, err)
	}

	coverage, err := client.GetTimeCoverage(ctx, apiKey, sourceID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, coverage)
}

func (s *Server) handleFrame(c echo.Context) error {
	sess := sessionFrom(c)
	ctx := c.Request().Context()

	chunkID := c.QueryParam("chunk_id")
	if chunkID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("chunk_id is required"))
	}
	position, err := strconv.Atoi(c.QueryParam("position"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("position must be an integer"))
	}

	apiKey, err := s.tenants.EnsureRegistered(ctx, sess)
	if err != nil {
		return s.writeError(c, err)
	}
	client, err := s.tenants.UpstreamClient(sess.TenantID)
	if err != nil {
		return s.writeError(c, err)
	}

	frame, err := client.GetFrame(ctx, apiKey, chunkID, position)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Blob(http.StatusOK, "image/jpeg", frame)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleRotateSecret(c echo.Context) error {
	sess := sessionFrom(c)

	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	secret, err := s.tenants.RotateSecret(c.Request().Context(), sess, req.Password)
	if err != nil {
		return s.writeError(c, err)
	}
	// The only time the plaintext leaves the system.
	return c.JSON(http.StatusOK, map[string]string{"secret": secret})
}

func (s *Server) handleInvalidateSecret(c echo.Context) error {
	sess := sessionFrom(c)

	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	if err := s.tenants.InvalidateSecret(c.Request().Context(), sess, req.Password); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "invalidated"})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleChangePassword(c echo.Context) error {
	sess := sessionFrom(c)

	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	if err := s.tenants.ChangePassword(c.Request().Context(), sess, req.OldPassword, req.NewPassword); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "password changed"})
}

// handleReindex rebuilds the caller's graph from the durable record
// store, shedding tombstones and picking up current index parameters.
func (s *Server) handleReindex(c echo.Context) error {
	sess := sessionFrom(c)

	if err := s.index.Reindex(c.Request().Context(), sess.TenantID); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reindexed"})
}

func (s *Server) handleDeleteTenant(c echo.Context) error {
	sess := sessionFrom(c)
	ctx := c.Request().Context()

	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}
	if err := s.tenants.VerifyPassword(sess.TenantID, req.Password); err != nil {
		return s.writeError(c, err)
	}

	if err := s.tenants.Unregister(ctx, sess); err != nil {
		return s.writeError(c, err)
	}
	if err := s.index.PurgeTenant(ctx, sess.TenantID); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// pushEmbeddingRequest mirrors the NATS embedding message for upstreams
// that push over HTTP instead of the queue.
type pushEmbeddingRequest struct {
	TenantID  string        `json:"tenant_id"`
	SourceID  string        `json:"source_id"`
	Timestamp float64       `json:"timestamp"`
	Vector    []byte        `json:"vector"`
	Locator   index.Locator `json:"locator"`
}

func (s *Server) handlePushEmbedding(c echo.Context) error {
	clientID := c.Request().Header.Get("X-Client-ID")
	clientSecret := c.Request().Header.Get("X-Client-Secret")

	var req pushEmbeddingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}
	if req.TenantID == "" || req.SourceID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("tenant_id and source_id are required"))
	}

	if err := s.tenants.VerifyClientSecret(req.TenantID, clientID, clientSecret); err != nil {
		if errors.Is(err, vault.ErrInvalidCredential) {
			s.logger.Warn("rejected embedding push",
				zap.String("tenant_id", req.TenantID),
				logging.RedactedString("client_id", clientID))
			return c.JSON(http.StatusUnauthorized, errorBody("invalid client credentials"))
		}
		return s.writeError(c, err)
	}

	vec, err := ingest.DecodeVector(req.Vector)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	id, err := s.index.Insert(c.Request().Context(), &index.Record{
		TenantID:  req.TenantID,
		SourceID:  req.SourceID,
		Timestamp: req.Timestamp,
		Vector:    vec,
		Locator:   req.Locator,
	})
	if err != nil {
		if errors.Is(err, index.ErrDimensionMismatch) {
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		}
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"record_id": id})
}
