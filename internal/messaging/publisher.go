package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
)

// Publisher emits marketplace notifications for downstream consumers.
// Delivery is best effort; the calling operation has already committed.
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	PublishOwnershipChange(ctx context.Context, change *domain.OwnershipChange) error
	PublishBidAccepted(ctx context.Context, accepted *domain.BidAccepted) error
	Close()
}

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL            string
	StreamName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type publisher struct {
	nc         adapter.NatsConn
	js         adapter.JetStream
	streamName string
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(cfg Config, natsJS adapter.NatsJetStream) (Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	return &publisher{
		nc:         nc,
		js:         js,
		streamName: cfg.StreamName,
	}, nil
}

func (p *publisher) PublishOwnershipChange(ctx context.Context, change *domain.OwnershipChange) error {
	return p.publish(ctx, fmt.Sprintf("%s.ownership.changed", p.streamName), change)
}

func (p *publisher) PublishBidAccepted(ctx context.Context, accepted *domain.BidAccepted) error {
	return p.publish(ctx, fmt.Sprintf("%s.bids.accepted", p.streamName), accepted)
}

func (p *publisher) publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

// Close closes the NATS connection
func (p *publisher) Close() {
	if p.nc == nil {
		return
	}

	p.nc.Close()
}

// NoopPublisher discards all notifications. Used when no NATS URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishOwnershipChange(ctx context.Context, change *domain.OwnershipChange) error {
	return nil
}

func (NoopPublisher) PublishBidAccepted(ctx context.Context, accepted *domain.BidAccepted) error {
	return nil
}

func (NoopPublisher) Close() {}
