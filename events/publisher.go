// Package events publishes AuthClient session lifecycle events through
// watermill, so other services can react to renewals and forced logouts.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/panyam/authfetch"
)

// Default topics
const (
	TopicRenewed = "authfetch.session.renewed"
	TopicExpired = "authfetch.session.expired"
)

// Event types
const (
	TypeRenewed = "renewed"
	TypeExpired = "expired"
)

// SessionEvent is the JSON payload of every published message
type SessionEvent struct {
	Type       string               `json:"type"`
	Key        string               `json:"key"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	Reason     authfetch.AuthReason `json:"reason,omitempty"`
	Error      string               `json:"error,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Publisher implements authfetch.SessionListener on a watermill publisher.
// Publish failures are logged; they never affect the request that triggered them.
type Publisher struct {
	publisher message.Publisher
	logger    *slog.Logger

	RenewedTopic string
	ExpiredTopic string
	Now          func() time.Time
}

// NewPublisher creates a Publisher using the default topics
func NewPublisher(publisher message.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		publisher:    publisher,
		logger:       logger,
		RenewedTopic: TopicRenewed,
		ExpiredTopic: TopicExpired,
		Now:          time.Now,
	}
}

func (p *Publisher) TokensRenewed(ctx context.Context, key string, expiresAt time.Time) {
	event := SessionEvent{Type: TypeRenewed, Key: key, OccurredAt: p.Now()}
	if !expiresAt.IsZero() {
		event.ExpiresAt = &expiresAt
	}
	p.publish(ctx, p.RenewedTopic, event)
}

func (p *Publisher) SessionExpired(ctx context.Context, key string, err error) {
	event := SessionEvent{Type: TypeExpired, Key: key, OccurredAt: p.Now()}
	var authErr *authfetch.AuthenticationError
	if errors.As(err, &authErr) {
		event.Reason = authErr.Reason
	}
	if err != nil {
		event.Error = err.Error()
	}
	p.publish(ctx, p.ExpiredTopic, event)
}

func (p *Publisher) publish(ctx context.Context, topic string, event SessionEvent) {
	if err := p.Publish(topic, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish session event", "topic", topic, "key", event.Key, "error", err)
	}
}

// Publish sends event on topic
func (p *Publisher) Publish(topic string, event SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", event.Type)
	msg.Metadata.Set("key", event.Key)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Decode parses a message published by Publisher
func Decode(msg *message.Message) (*SessionEvent, error) {
	var event SessionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("invalid session event %s: %w", msg.UUID, err)
	}
	return &event, nil
}

var _ authfetch.SessionListener = (*Publisher)(nil)
