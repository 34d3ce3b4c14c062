// Package search runs the query pipeline: natural-language text is
// encoded into the embedding space, matched against the caller tenant's
// index, and ranked into frame results.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/encoder"
	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/token"
)

// Frame is one ranked search result: where in which source the matching
// frame lives, and how far its embedding is from the query. Lower score
// is a better match.
type Frame struct {
	SourceID  string        `json:"source_id"`
	Timestamp float64       `json:"timestamp"`
	Locator   index.Locator `json:"locator"`
	Score     float64       `json:"score"`
}

// Options narrows a search beyond the query text.
type Options struct {
	// TimeRange keeps only frames whose timestamp falls inside it.
	TimeRange *index.TimeRange

	// SourceIDs keeps only frames from the listed sources.
	SourceIDs []string

	// Dedup collapses hits sharing (SourceID, Timestamp) down to the
	// closest one. A frame indexed from overlapping chunks otherwise
	// shows up once per chunk.
	Dedup bool
}

// Pipeline wires the encoder to the index.
type Pipeline struct {
	encoder encoder.Encoder
	index   *index.Index
	logger  *zap.Logger
}

// NewPipeline creates a search pipeline.
func NewPipeline(enc encoder.Encoder, ix *index.Index, logger *zap.Logger) *Pipeline {
	return &Pipeline{encoder: enc, index: ix, logger: logger}
}

// Search encodes text and returns up to topK frames for the session's
// tenant, closest first.
//
// Empty text yields an empty result without touching the encoder: there
// is no meaningful "embedding of nothing" to search with. topK must be
// positive (index.ErrInvalidTopK otherwise). An encoder vector whose
// width disagrees with the index surfaces index.ErrDimensionMismatch;
// that is a deployment fault, not a caller error.
func (p *Pipeline) Search(ctx context.Context, sess *token.Session, text string, topK int, opts Options) ([]Frame, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: %d", index.ErrInvalidTopK, topK)
	}
	if text == "" {
		return []Frame{}, nil
	}

	start := time.Now()

	vec, err := p.encoder.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != p.index.Dimension() {
		return nil, fmt.Errorf("%w: encoder returned %d, index expects %d",
			index.ErrDimensionMismatch, len(vec), p.index.Dimension())
	}

	var filter *index.Filter
	if opts.TimeRange != nil || len(opts.SourceIDs) > 0 {
		filter = &index.Filter{TimeRange: opts.TimeRange, SourceIDs: opts.SourceIDs}
	}

	hits, err := p.index.Query(ctx, sess.TenantID, vec, topK, filter)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, len(hits))
	for _, h := range hits {
		frames = append(frames, Frame{
			SourceID:  h.Record.SourceID,
			Timestamp: h.Record.Timestamp,
			Locator:   h.Record.Locator,
			Score:     h.Distance,
		})
	}
	if opts.Dedup {
		frames = dedupFrames(frames)
	}

	p.logger.Debug("search completed",
		zap.String("tenant_id", sess.TenantID),
		zap.Int("top_k", topK),
		zap.Int("results", len(frames)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return frames, nil
}

// dedupFrames keeps the first (closest) frame per (SourceID, Timestamp).
// Input is already distance-ordered, so first wins.
func dedupFrames(frames []Frame) []Frame {
	type key struct {
		source string
		ts     float64
	}
	seen := make(map[key]struct{}, len(frames))
	out := frames[:0]
	for _, f := range frames {
		k := key{f.SourceID, f.Timestamp}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}
