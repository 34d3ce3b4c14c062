// Package ingest consumes embedding traffic from NATS. Upstream source
// managers publish frame embeddings as they chunk video; this consumer
// feeds them into the index. Delivery is at-least-once: record ids are
// deterministic over (tenant, source, locator), so redelivery degrades
// into a last-write-wins overwrite instead of a duplicate.
package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/index"
)

// NATS subjects this consumer binds. Sharing queueGroup across replicas
// spreads messages instead of duplicating them.
const (
	SubjectEmbeddings     = "framesearch.embeddings"
	SubjectSourcesDeleted = "framesearch.sources.deleted"

	queueGroup = "framesearch-ingest"
)

// embeddingMessage is one frame embedding upsert. Vector is the
// little-endian float32 serialization, base64-encoded on the JSON wire.
type embeddingMessage struct {
	TenantID  string        `json:"tenant_id"`
	SourceID  string        `json:"source_id"`
	Timestamp float64       `json:"timestamp"`
	Vector    []byte        `json:"vector"`
	Locator   index.Locator `json:"locator"`
}

type sourceDeletedMessage struct {
	TenantID string `json:"tenant_id"`
	SourceID string `json:"source_id"`
}

// Consumer subscribes the ingestion subjects and applies messages to the
// index. Malformed messages are counted, logged and dropped; they are
// never retried and never stall the stream.
type Consumer struct {
	nc     *nats.Conn
	index  *index.Index
	logger *zap.Logger
	subs   []*nats.Subscription
}

// NewConsumer wires a consumer to an established NATS connection.
func NewConsumer(nc *nats.Conn, ix *index.Index, logger *zap.Logger) *Consumer {
	return &Consumer{nc: nc, index: ix, logger: logger}
}

// Start binds the queue-group subscriptions.
func (c *Consumer) Start() error {
	embSub, err := c.nc.QueueSubscribe(SubjectEmbeddings, queueGroup, func(msg *nats.Msg) {
		recordMessage(SubjectEmbeddings)
		if err := c.handleEmbedding(context.Background(), msg.Data); err != nil {
			recordError(SubjectEmbeddings)
			c.logger.Warn("dropping embedding message", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", SubjectEmbeddings, err)
	}
	c.subs = append(c.subs, embSub)

	delSub, err := c.nc.QueueSubscribe(SubjectSourcesDeleted, queueGroup, func(msg *nats.Msg) {
		recordMessage(SubjectSourcesDeleted)
		if err := c.handleSourceDeleted(context.Background(), msg.Data); err != nil {
			recordError(SubjectSourcesDeleted)
			c.logger.Warn("dropping source-deleted message", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", SubjectSourcesDeleted, err)
	}
	c.subs = append(c.subs, delSub)

	c.logger.Info("ingest consumer started",
		zap.Strings("subjects", []string{SubjectEmbeddings, SubjectSourcesDeleted}))
	return nil
}

// Stop unsubscribes. In-flight handlers finish; inserts are atomic per
// record, so a shutdown never leaves a half-written record behind.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	c.subs = nil
}

func (c *Consumer) handleEmbedding(ctx context.Context, data []byte) error {
	var msg embeddingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed embedding message: %w", err)
	}
	if msg.TenantID == "" || msg.SourceID == "" {
		return fmt.Errorf("embedding message missing tenant or source id")
	}

	vec, err := DecodeVector(msg.Vector)
	if err != nil {
		return err
	}

	id, err := c.index.Insert(ctx, &index.Record{
		TenantID:  msg.TenantID,
		SourceID:  msg.SourceID,
		Timestamp: msg.Timestamp,
		Vector:    vec,
		Locator:   msg.Locator,
	})
	if err != nil {
		return fmt.Errorf("inserting embedding: %w", err)
	}

	c.logger.Debug("embedding ingested",
		zap.String("tenant_id", msg.TenantID),
		zap.String("source_id", msg.SourceID),
		zap.String("record_id", id))
	return nil
}

func (c *Consumer) handleSourceDeleted(ctx context.Context, data []byte) error {
	var msg sourceDeletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed source-deleted message: %w", err)
	}
	if msg.TenantID == "" || msg.SourceID == "" {
		return fmt.Errorf("source-deleted message missing tenant or source id")
	}

	removed, err := c.index.DeleteSource(ctx, msg.TenantID, msg.SourceID)
	if err != nil {
		return fmt.Errorf("deleting source records: %w", err)
	}

	c.logger.Info("source records deleted",
		zap.String("tenant_id", msg.TenantID),
		zap.String("source_id", msg.SourceID),
		zap.Int("removed", removed))
	return nil
}

// DecodeVector parses little-endian float32 bytes.
func DecodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
