package api

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/framesearch/internal/config"
	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/search"
	"github.com/fyrsmithlabs/framesearch/internal/tenant"
	"github.com/fyrsmithlabs/framesearch/internal/token"
	"github.com/fyrsmithlabs/framesearch/internal/upstream"
	"github.com/fyrsmithlabs/framesearch/internal/vault"
)

// fakeUpstream is a minimal in-memory upstream for handler tests. It
// remembers the last registration so tests can present the client
// credential pair the way a real source manager would.
type fakeUpstream struct {
	mu         sync.Mutex
	registered map[string]bool
	lastReg    upstream.Registration
	sources    []upstream.Source
	frame      []byte
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		registered: map[string]bool{},
		sources:    []upstream.Source{{ID: "cam-1", Name: "lobby"}},
		frame:      []byte("jpeg-bytes"),
	}
}

func (f *fakeUpstream) IsRegistered(ctx context.Context, apiKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[apiKey], nil
}

func (f *fakeUpstream) Register(ctx context.Context, reg upstream.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[reg.APIKey] = true
	f.lastReg = reg
	return nil
}

func (f *fakeUpstream) Unregister(ctx context.Context, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, apiKey)
	return nil
}

func (f *fakeUpstream) RotateSecret(ctx context.Context, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.registered[apiKey] {
		return "", upstream.ErrRejected
	}
	delete(f.registered, apiKey)
	f.registered["fresh-upstream-secret"] = true
	return "fresh-upstream-secret", nil
}

func (f *fakeUpstream) InvalidateSecret(ctx context.Context, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.registered[apiKey] {
		return upstream.ErrRejected
	}
	delete(f.registered, apiKey)
	return nil
}

func (f *fakeUpstream) GetFrame(ctx context.Context, apiKey, chunkID string, position int) ([]byte, error) {
	return f.frame, nil
}

func (f *fakeUpstream) ListSources(ctx context.Context, apiKey string) ([]upstream.Source, error) {
	return f.sources, nil
}

func (f *fakeUpstream) GetTimeCoverage(ctx context.Context, apiKey, sourceID string) ([]upstream.Interval, error) {
	return []upstream.Interval{{Start: 0, End: 60}}, nil
}

// fixedEncoder returns one vector for every text.
type fixedEncoder struct{ vec []float32 }

func (f *fixedEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

type harness struct {
	server   *Server
	index    *index.Index
	tenants  *tenant.Manager
	upstream *fakeUpstream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := index.NewBoltStore(filepath.Join(t.TempDir(), "framesearch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix := index.New(store, config.IndexConfig{
		Dimension: 2, M: 8, EfConstruction: 32, EfSearch: 32, Epsilon: 0.8,
	}, logger)

	tenantStore, err := tenant.NewBoltStore(store.DB())
	require.NoError(t, err)

	v := vault.New(config.VaultConfig{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32})
	issuer, err := token.NewIssuer(config.TokenConfig{
		SigningKey: "api-test-key",
		TTL:        config.Duration(time.Hour),
	})
	require.NoError(t, err)

	up := newFakeUpstream()
	factory := upstream.Factory(func(string) upstream.Client { return up })
	manager := tenant.NewManager(tenantStore, v, issuer, factory, config.AuthConfig{
		TenantIDMinLength: 3, TenantIDMaxLength: 32,
		PasswordMinLength: 8, PasswordMaxLength: 64,
	}, logger)

	pipeline := search.NewPipeline(&fixedEncoder{vec: []float32{1, 0}}, ix, logger)

	srv, err := NewServer(config.ServerConfig{
		Host: "127.0.0.1", Port: 0,
		ShutdownTimeout: config.Duration(time.Second),
	}, manager, pipeline, ix, issuer, logger)
	require.NoError(t, err)

	return &harness{server: srv, index: ix, tenants: manager, upstream: up}
}

func (h *harness) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (h *harness) register(t *testing.T) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"tenant_id":"acme","password":"hunter22pass","upstream_url":"http://sm.local"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"acme","password":"hunter22pass"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func insertFrame(t *testing.T, ix *index.Index, source string, ts float64, vec []float32) {
	t.Helper()
	_, err := ix.Insert(context.Background(), &index.Record{
		TenantID: "acme", SourceID: source, Timestamp: ts, Vector: vec,
		Locator: index.Locator{ChunkID: source + "-c", Position: int(ts)},
	})
	require.NoError(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = h.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegister_Statuses(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	rec := h.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"tenant_id":"acme","password":"hunter22pass","upstream_url":"http://sm.local"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"tenant_id":"acme2","password":"short","upstream_url":"http://sm.local"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_BadCredentials(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	rec := h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"acme","password":"wrong-password"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"ghost","password":"wrong-password"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearch_RequiresToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/search?text=car", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/search?text=car", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearch_ReturnsRankedFrames(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	insertFrame(t, h.index, "cam-1", 1, []float32{1, 0})
	insertFrame(t, h.index, "cam-1", 2, []float32{0, 1})
	insertFrame(t, h.index, "cam-2", 3, []float32{0.9, 0.1})

	rec := h.do(t, http.MethodGet, "/api/v1/search?text=red+car&top_k=2", "", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var frames []search.Frame
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frames))
	require.Len(t, frames, 2)
	assert.Equal(t, "cam-1", frames[0].SourceID)
	assert.Zero(t, frames[0].Score)
	assert.Equal(t, "cam-2", frames[1].SourceID)
}

func TestSearch_ParamValidation(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	for _, q := range []string{"top_k=abc", "top_k=0", "time_start=xyz"} {
		rec := h.do(t, http.MethodGet, "/api/v1/search?text=car&"+q, "", tok)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestSearch_Filtered(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	insertFrame(t, h.index, "cam-1", 5, []float32{1, 0})
	insertFrame(t, h.index, "cam-2", 50, []float32{1, 0})

	rec := h.do(t, http.MethodGet,
		"/api/v1/search?text=car&source_id=cam-1&time_start=0&time_end=10", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	var frames []search.Frame
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frames))
	require.Len(t, frames, 1)
	assert.Equal(t, "cam-1", frames[0].SourceID)
}

func TestSourcesCoverageFrames(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	rec := h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "cam-1")

	rec = h.do(t, http.MethodGet, "/api/v1/sources/cam-1/coverage", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"end":60`)

	rec = h.do(t, http.MethodGet, "/api/v1/frames?chunk_id=c1&position=3", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg-bytes", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/frames?position=3", "", tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityEndpoints(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	// Establish the upstream registration first.
	rec := h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/security/rotate", `{"password":"wrong"}`, tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/security/rotate", `{"password":"hunter22pass"}`, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "fresh-upstream-secret")

	rec = h.do(t, http.MethodPost, "/api/v1/security/invalidate", `{"password":"hunter22pass"}`, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// After rotation the upstream only honors the reissued key. The key a
// live token carries is retired; requests recover because the stored
// blob, not the token, is authoritative for upstream calls.
func TestRotateSecret_RetiresUpstreamKey(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	rec := h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	h.upstream.mu.Lock()
	oldKey := h.upstream.lastReg.APIKey
	h.upstream.mu.Unlock()

	rec = h.do(t, http.MethodPost, "/api/v1/security/rotate", `{"password":"hunter22pass"}`, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	require.NotEmpty(t, rotated.Secret)
	assert.NotEqual(t, oldKey, rotated.Secret)

	alive, err := h.upstream.IsRegistered(context.Background(), oldKey)
	require.NoError(t, err)
	assert.False(t, alive, "retired key must be dead upstream")

	// Upstream-backed endpoints keep working on the reissued key.
	rec = h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// A token from before a password change is rejected once the tenant needs
// its vault key again, instead of silently corrupting credential state.
func TestPasswordChange_StaleTokenLockedOut(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	rec := h.do(t, http.MethodPost, "/api/v1/security/password",
		`{"old_password":"hunter22pass","new_password":"brandnewpass1"}`, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Old password is dead.
	rec = h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"acme","password":"hunter22pass"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The stale token cannot establish an upstream registration.
	rec = h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A fresh login with the new password works end to end.
	rec = h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"acme","password":"brandnewpass1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func pushBody(tenantID string, vec ...float32) string {
	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return fmt.Sprintf(
		`{"tenant_id":%q,"source_id":"cam-9","timestamp":7,"vector":%q,"locator":{"chunk_id":"c9","position":1}}`,
		tenantID, base64.StdEncoding.EncodeToString(raw))
}

// clientCreds returns the pair issued to the upstream at registration.
func (h *harness) clientCreds() (string, string) {
	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	return h.upstream.lastReg.ClientID, h.upstream.lastReg.ClientSecret
}

func (h *harness) push(t *testing.T, clientID, clientSecret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/embeddings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", clientID)
	req.Header.Set("X-Client-Secret", clientSecret)
	w := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(w, req)
	return w
}

func TestPushEmbedding_Unauthorized(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	// Establish the registration that issues the credential pair.
	rec := h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	w := h.push(t, "nope", "nope", pushBody("acme", 1, 0))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPushEmbedding_Accepted(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	rec := h.do(t, http.MethodGet, "/api/v1/sources", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	clientID, clientSecret := h.clientCreds()
	w := h.push(t, clientID, clientSecret, pushBody("acme", 0.5, 0.5))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// The pushed frame is searchable.
	rec = h.do(t, http.MethodGet, "/api/v1/search?text=anything&top_k=5", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cam-9")
}

func TestReindex_KeepsRecordsSearchable(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	insertFrame(t, h.index, "cam-1", 1, []float32{1, 0})
	insertFrame(t, h.index, "cam-2", 2, []float32{0, 1})

	rec := h.do(t, http.MethodPost, "/api/v1/reindex", "", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/search?text=car&top_k=1", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	var frames []search.Frame
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frames))
	require.Len(t, frames, 1)
	assert.Equal(t, "cam-1", frames[0].SourceID)
}

func TestDeleteTenant(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	tok := h.login(t)

	insertFrame(t, h.index, "cam-1", 1, []float32{1, 0})

	rec := h.do(t, http.MethodDelete, "/api/v1/tenant", `{"password":"wrong"}`, tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/tenant", `{"password":"hunter22pass"}`, tok)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"tenant_id":"acme","password":"hunter22pass"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hits, err := h.index.Query(context.Background(), "acme", []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits, "tenant records must be purged")
}
