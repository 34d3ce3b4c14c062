// Package upstream talks to a tenant's source-management service: the
// external system that owns raw video, chunking and frame extraction, and
// that issues the per-tenant API credentials this subsystem brokers.
//
// Every error crossing this boundary is normalized into one of three
// kinds before it reaches business logic:
//
//   - ErrUnavailable: transport failure, 5xx or an open circuit breaker.
//     Transient; callers may retry with backoff.
//   - ErrRejected: the upstream refused the presented credential (401/403).
//     Indicates credential desync; callers force re-login or re-register.
//   - ErrUpstream: any other upstream-reported failure, carrying the
//     normalized detail string.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

var (
	// ErrUnavailable indicates a transient transport-level failure.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrRejected indicates the upstream refused the presented credential.
	ErrRejected = errors.New("upstream rejected credential")

	// ErrUpstream carries any other upstream-reported failure.
	ErrUpstream = errors.New("upstream error")
)

// Registration is the credential set transmitted once at registration:
// the API key this subsystem will present to the upstream, and the client
// id/secret pair the upstream will present back when pushing embeddings.
type Registration struct {
	APIKey       string
	ClientID     string
	ClientSecret string
}

// Source summarizes one upstream video source.
type Source struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Status    int    `json:"status_code"`
	StatusMsg string `json:"status_msg"`
}

// Interval is a covered time range in source-clock seconds.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Client is the upstream boundary. All calls carry the caller's current
// upstream API key explicitly; the client itself holds no credential.
type Client interface {
	IsRegistered(ctx context.Context, apiKey string) (bool, error)
	Register(ctx context.Context, reg Registration) error
	Unregister(ctx context.Context, apiKey string) error
	RotateSecret(ctx context.Context, apiKey string) (string, error)
	InvalidateSecret(ctx context.Context, apiKey string) error
	GetFrame(ctx context.Context, apiKey, chunkID string, position int) ([]byte, error)
	ListSources(ctx context.Context, apiKey string) ([]Source, error)
	GetTimeCoverage(ctx context.Context, apiKey, sourceID string) ([]Interval, error)
}

// Factory builds a Client for a tenant's upstream base URL. Clients are
// per-URL, never shared mutable per-caller state.
type Factory func(baseURL string) Client

// NewFactory returns a Factory producing HTTP clients with the given
// defaults. All clients share one transport and one circuit breaker per
// factory; the breaker guards the upstream as a whole.
func NewFactory(cfg config.UpstreamConfig, logger *zap.Logger) Factory {
	httpClient := &http.Client{Timeout: cfg.Timeout.Duration()}
	breaker := newBreaker("upstream", logger)
	return func(baseURL string) Client {
		return &HTTPClient{
			baseURL: strings.TrimRight(baseURL, "/"),
			http:    httpClient,
			breaker: breaker,
			logger:  logger,
		}
	}
}

// HTTPClient implements Client over HTTP with circuit breaking.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *zap.Logger
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (c *HTTPClient) IsRegistered(ctx context.Context, apiKey string) (bool, error) {
	body, err := c.call(ctx, http.MethodGet, "/security/is_registered", apiKey, nil)
	if err != nil {
		return false, err
	}
	var registered bool
	if err := json.Unmarshal(body, &registered); err != nil {
		return false, fmt.Errorf("%w: unparsable is_registered response", ErrUpstream)
	}
	return registered, nil
}

func (c *HTTPClient) Register(ctx context.Context, reg Registration) error {
	payload, err := json.Marshal(map[string]string{
		"api_key":       reg.APIKey,
		"client_id":     reg.ClientID,
		"client_secret": reg.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	_, err = c.call(ctx, http.MethodPost, "/security/register", reg.APIKey, payload)
	return err
}

func (c *HTTPClient) Unregister(ctx context.Context, apiKey string) error {
	_, err := c.call(ctx, http.MethodDelete, "/security/unregister", apiKey, nil)
	return err
}

func (c *HTTPClient) RotateSecret(ctx context.Context, apiKey string) (string, error) {
	body, err := c.call(ctx, http.MethodPut, "/security/update_client_secret", apiKey, nil)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(body))
	if secret == "" {
		return "", fmt.Errorf("%w: rotation returned empty secret", ErrUpstream)
	}
	return secret, nil
}

func (c *HTTPClient) InvalidateSecret(ctx context.Context, apiKey string) error {
	_, err := c.call(ctx, http.MethodDelete, "/security/invalidate_client_secret", apiKey, nil)
	return err
}

func (c *HTTPClient) GetFrame(ctx context.Context, apiKey, chunkID string, position int) ([]byte, error) {
	route := "/videos/frame?" + url.Values{
		"chunk_id": {chunkID},
		"position": {strconv.Itoa(position)},
	}.Encode()
	return c.call(ctx, http.MethodGet, route, apiKey, nil)
}

func (c *HTTPClient) ListSources(ctx context.Context, apiKey string) ([]Source, error) {
	body, err := c.call(ctx, http.MethodGet, "/sources", apiKey, nil)
	if err != nil {
		return nil, err
	}
	var sources []Source
	if err := json.Unmarshal(body, &sources); err != nil {
		return nil, fmt.Errorf("%w: unparsable sources response", ErrUpstream)
	}
	return sources, nil
}

func (c *HTTPClient) GetTimeCoverage(ctx context.Context, apiKey, sourceID string) ([]Interval, error) {
	route := "/sources/" + url.PathEscape(sourceID) + "/time_coverage"
	body, err := c.call(ctx, http.MethodGet, route, apiKey, nil)
	if err != nil {
		return nil, err
	}
	// The upstream encodes intervals as [start, end] pairs.
	var pairs [][2]float64
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, fmt.Errorf("%w: unparsable time coverage response", ErrUpstream)
	}
	intervals := make([]Interval, len(pairs))
	for i, p := range pairs {
		intervals[i] = Interval{Start: p[0], End: p[1]}
	}
	return intervals, nil
}

// call performs one authenticated request through the circuit breaker and
// normalizes the outcome.
func (c *HTTPClient) call(ctx context.Context, method, route, apiKey string, payload []byte) ([]byte, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrRejected
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s", ErrUpstream, normalizeDetail(resp.Header.Get("Content-Type"), body))
	}
	return body, nil
}

// normalizeDetail maps the assorted error payload shapes the upstream may
// produce (JSON detail objects, validation lists, plain text) into a single
// message. Polymorphic shapes stop here, at the boundary.
func normalizeDetail(contentType string, body []byte) string {
	const fallback = "unparsable upstream response"

	if !strings.Contains(contentType, "application/json") {
		if text := strings.TrimSpace(string(body)); text != "" && strings.Contains(contentType, "text/") {
			return text
		}
		return fallback
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}
	if m, ok := payload.(map[string]any); ok {
		payload = m["detail"]
	}
	if list, ok := payload.([]any); ok && len(list) > 0 {
		payload = list[0]
	}
	if m, ok := payload.(map[string]any); ok {
		if msg, ok := m["msg"].(string); ok {
			return msg
		}
	}
	if s, ok := payload.(string); ok {
		return s
	}
	return fallback
}
