// Package encoder is the boundary to the external text-to-vector encoder.
//
// The encoder is a black box that turns a query string into a fixed-length
// float32 vector. Its failures are kept distinct from index failures so
// callers can tell "cannot understand the query" apart from "cannot
// search": everything that goes wrong here surfaces as ErrUnavailable.
package encoder

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// ErrUnavailable indicates the encoder could not produce a vector:
// transport failure, non-200 response, open breaker or unparsable payload.
var ErrUnavailable = errors.New("encoder unavailable")

// Encoder produces an embedding vector for a piece of text.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// HTTPEncoder implements Encoder against the encoder service's HTTP API.
//
// Wire format: GET {base}/encode?text=... returning
// {"encoded": "<hex>"} where the hex string is the little-endian byte
// serialization of the float32 vector.
type HTTPEncoder struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]float32]
	logger  *zap.Logger
}

// New creates an HTTP encoder client.
func New(cfg config.EncoderConfig, logger *zap.Logger) *HTTPEncoder {
	return &HTTPEncoder{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout.Duration()},
		breaker: gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
			Name:        "encoder",
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
		}),
		logger: logger,
	}
}

// Encode requests an embedding for text. The context bounds the call;
// cancellation propagates to the underlying request.
func (e *HTTPEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := e.breaker.Execute(func() ([]float32, error) {
		return e.encode(ctx, text)
	})
	observeRequest(start, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return vec, nil
}

func (e *HTTPEncoder) encode(ctx context.Context, text string) ([]float32, error) {
	endpoint := e.baseURL + "/encode?" + url.Values{"text": {text}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: encoder returned %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Encoded string `json:"encoded"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: unparsable encoder response", ErrUnavailable)
	}

	return decodeVector(payload.Encoded)
}

// decodeVector parses a hex-encoded little-endian float32 array.
func decodeVector(encoded string) ([]float32, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex in encoder response", ErrUnavailable)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: encoder payload is not a float32 array", ErrUnavailable)
	}

	vec := make([]float32, len(raw)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}
