// Package notify defines the boundary over which downstream consumers learn
// about ingested files.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Publisher delivers one ingest event to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LogPublisher emits events as structured logs. It is the default when no
// Pub/Sub topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher wires a zap logger to the Publisher interface.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event and returns an empty message ID.
func (p *LogPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.logger.Info("ingest event",
		zap.String("topic", topic),
		zap.Any("payload", payload),
	)
	return "", nil
}
