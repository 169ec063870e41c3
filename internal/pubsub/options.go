package pubsub

import (
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
	"github.com/arosenfeld2003/amqp-pubsub/internal/logger"
	"github.com/arosenfeld2003/amqp-pubsub/internal/metrics"
)

const (
	DefaultExchangeKind = "topic"
	DefaultBrokerURL    = "amqp://localhost"
)

// PublisherConfig configures a Publisher. Exchange is required.
type PublisherConfig struct {
	Exchange     string
	ExchangeKind string // default "topic"
	BrokerURL    string // default "amqp://localhost"

	OnError func(error) // connection errors reported by the broker
	OnClose func()      // connection closed, gracefully or not

	Dialer  broker.Dialer    // default amqp091 dialer
	Logger  *zerolog.Logger  // default child of the global logger
	Metrics metrics.Recorder // default metrics.Nop
}

// SubscriberConfig configures a Subscriber. Exchange and QueueName are
// required.
type SubscriberConfig struct {
	Exchange     string
	ExchangeKind string
	BrokerURL    string
	QueueName    string
	// RoutingKeys are bound to the queue on Start. A nil or empty slice
	// binds the single key QueueName; a queue is never left unbound.
	RoutingKeys []string

	OnError func(error)
	OnClose func()

	Dialer  broker.Dialer
	Logger  *zerolog.Logger
	Metrics metrics.Recorder
}

func applyPublisherDefaults(cfg PublisherConfig) PublisherConfig {
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = DefaultExchangeKind
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = DefaultBrokerURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = broker.NewDialer(broker.RabbitMQConfig{ConnectionName: "publisher:" + cfg.Exchange})
	}
	if cfg.Logger == nil {
		l := logger.For("publisher", cfg.Exchange)
		cfg.Logger = &l
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return cfg
}

func applySubscriberDefaults(cfg SubscriberConfig) SubscriberConfig {
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = DefaultExchangeKind
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = DefaultBrokerURL
	}
	if len(cfg.RoutingKeys) == 0 {
		cfg.RoutingKeys = []string{cfg.QueueName}
	} else {
		cfg.RoutingKeys = append([]string(nil), cfg.RoutingKeys...)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = broker.NewDialer(broker.RabbitMQConfig{ConnectionName: "subscriber:" + cfg.QueueName})
	}
	if cfg.Logger == nil {
		l := logger.For("subscriber", cfg.QueueName)
		cfg.Logger = &l
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return cfg
}
