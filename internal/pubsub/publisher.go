package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
)

// Publisher publishes messages to a single durable exchange over its own
// connection and channel.
type Publisher struct {
	cfg PublisherConfig
	lc  *lifecycle
}

// NewPublisher validates cfg and applies defaults. It does not contact the
// broker.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Exchange == "" {
		return nil, ErrExchangeMissing
	}
	cfg = applyPublisherDefaults(cfg)

	return &Publisher{
		cfg: cfg,
		lc: &lifecycle{
			kind:         "publisher",
			name:         cfg.Exchange,
			url:          cfg.BrokerURL,
			exchange:     cfg.Exchange,
			exchangeKind: cfg.ExchangeKind,
			dialer:       cfg.Dialer,
			observers:    broker.Observers{OnError: cfg.OnError, OnClose: cfg.OnClose},
			log:          cfg.Logger.With().Str("exchange", cfg.Exchange).Logger(),
			metrics:      cfg.Metrics,
		},
	}, nil
}

// Start connects, opens a channel and declares the exchange.
func (p *Publisher) Start(ctx context.Context) error {
	return p.lc.start(ctx, nil, nil)
}

// Publish sends body under routingKey. Errors from the broker client,
// including flow control and closed channels, are returned unmodified.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, routingKey, amqp.Publishing{Body: body})
}

// PublishJSON encodes v as JSON and publishes it with an application/json
// content type.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return p.publish(ctx, routingKey, amqp.Publishing{ContentType: "application/json", Body: body})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	// a publish held up by broker flow control must not block Stop or Close
	ch, err := p.lc.channel("publish")
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
	p.cfg.Metrics.Published(p.cfg.Exchange, err)
	return err
}

// Stop closes the channel. The connection stays open for a later Start.
func (p *Publisher) Stop() error {
	return p.lc.stop()
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.lc.close()
}

// State reports the current lifecycle state.
func (p *Publisher) State() State {
	return p.lc.current()
}
