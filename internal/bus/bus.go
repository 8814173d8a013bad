// Package bus is the control-bus publisher collaborator: fire-and-forget,
// idempotent notification of run readiness keyed by message id.
//
// The orchestrator uses the bundle hash (or plan hash) as the message id,
// so redelivery never duplicates downstream effects regardless of how many
// times a commit is replayed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/simrun/internal/objstore"
)

// Publisher delivers one message per (topic, message id).
type Publisher interface {
	// Publish delivers the payload. Duplicate message ids are dropped
	// without error; the first delivery wins.
	Publish(ctx context.Context, topic string, payload []byte, messageID string) error
}

// StorePublisher journals messages through the object store. The
// WriteIfAbsent create is both the delivery and the dedup: a message key
// that already exists means a prior delivery happened.
type StorePublisher struct {
	Store  objstore.Store
	Prefix string
}

type envelope struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (p *StorePublisher) Publish(ctx context.Context, topic string, payload []byte, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("publish to %s: message id is required", topic)
	}
	data, err := json.Marshal(envelope{Topic: topic, MessageID: messageID, Payload: payload})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", p.Prefix, topic, messageID)
	err = p.Store.WriteIfAbsent(ctx, key, data)
	if errors.Is(err, objstore.ErrExists) {
		slog.Debug("message already published, skipping", "topic", topic, "message_id", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	slog.Info("message published", "topic", topic, "message_id", messageID)
	return nil
}

// Mem is an in-memory Publisher for tests. Records each unique delivery.
type Mem struct {
	mu       sync.Mutex
	seen     map[string]bool
	Messages []MemMessage
}

// MemMessage is one recorded delivery.
type MemMessage struct {
	Topic     string
	MessageID string
	Payload   []byte
}

// NewMem creates an empty in-memory publisher.
func NewMem() *Mem {
	return &Mem{seen: make(map[string]bool)}
}

func (m *Mem) Publish(ctx context.Context, topic string, payload []byte, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := topic + "|" + messageID
	if m.seen[key] {
		return nil
	}
	m.seen[key] = true
	m.Messages = append(m.Messages, MemMessage{Topic: topic, MessageID: messageID, Payload: append([]byte(nil), payload...)})
	return nil
}
