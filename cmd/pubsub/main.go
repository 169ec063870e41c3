package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
	"github.com/arosenfeld2003/amqp-pubsub/internal/config"
	"github.com/arosenfeld2003/amqp-pubsub/internal/logger"
	"github.com/arosenfeld2003/amqp-pubsub/internal/metrics"
	"github.com/arosenfeld2003/amqp-pubsub/internal/pubsub"
)

var errConnectionClosed = errors.New("broker connection closed")

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Setup(logger.Config{
		Verbose:   cfg.Verbose,
		Level:     cfg.LogLevel,
		Component: "pubsub",
	})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		log.Error().Err(err).Str("command", cfg.Command).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}

// run executes cfg.Command. A nil dialer selects the amqp091 dialer.
func run(ctx context.Context, cfg *config.Config, dialer broker.Dialer) error {
	health := &metrics.Health{}
	var recorder metrics.Recorder = metrics.Nop{}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(reg)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		recorder = prom
		metrics.StartServer(ctx, cfg.MetricsAddr, metrics.NewMux(reg, health))
	}

	switch cfg.Command {
	case config.CommandPublish:
		return publish(ctx, cfg, dialer, recorder)
	case config.CommandSubscribe:
		return subscribe(ctx, cfg, dialer, recorder, health)
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

func publish(ctx context.Context, cfg *config.Config, dialer broker.Dialer, recorder metrics.Recorder) error {
	p, err := pubsub.NewPublisher(pubsub.PublisherConfig{
		Exchange:     cfg.Exchange,
		ExchangeKind: cfg.ExchangeKind,
		BrokerURL:    cfg.URL,
		Dialer:       dialer,
		Metrics:      recorder,
		OnError: func(err error) {
			log.Error().Err(err).Msg("Broker connection error")
		},
	})
	if err != nil {
		return err
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close publisher")
		}
	}()

	if err := p.Publish(ctx, cfg.RoutingKey, []byte(cfg.Payload)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	log.Info().
		Str("exchange", cfg.Exchange).
		Str("routing_key", cfg.RoutingKey).
		Int("bytes", len(cfg.Payload)).
		Msg("Message published")
	return nil
}

func subscribe(ctx context.Context, cfg *config.Config, dialer broker.Dialer, recorder metrics.Recorder, health *metrics.Health) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sub, err := pubsub.NewSubscriber(pubsub.SubscriberConfig{
		Exchange:     cfg.Exchange,
		ExchangeKind: cfg.ExchangeKind,
		BrokerURL:    cfg.URL,
		QueueName:    cfg.Queue,
		RoutingKeys:  cfg.RoutingKeys,
		Dialer:       dialer,
		Metrics:      recorder,
		OnError: func(err error) {
			log.Error().Err(err).Msg("Broker connection error")
		},
		OnClose: func() {
			health.SetReady(false)
			cancel(errConnectionClosed)
		},
	})
	if err != nil {
		return err
	}

	handler := func(msg amqp.Delivery) {
		log.Info().
			Str("routing_key", msg.RoutingKey).
			Bool("redelivered", msg.Redelivered).
			Bytes("body", msg.Body).
			Msg("Message received")
		if err := sub.Ack(msg); err != nil {
			log.Error().Err(err).Uint64("delivery_tag", msg.DeliveryTag).Msg("Failed to ack message")
		}
	}

	if err := sub.Start(ctx, handler); err != nil {
		return fmt.Errorf("start subscriber: %w", err)
	}
	health.SetReady(true)
	log.Info().
		Str("exchange", cfg.Exchange).
		Str("queue", sub.Queue()).
		Strs("routing_keys", cfg.RoutingKeys).
		Msg("Subscriber started, waiting for messages")

	<-ctx.Done()
	health.SetReady(false)

	if cause := context.Cause(ctx); errors.Is(cause, errConnectionClosed) {
		_ = sub.Close()
		return cause
	}

	log.Info().Msg("Shutting down...")
	if err := sub.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop subscriber")
	}
	if err := sub.Close(); err != nil {
		return fmt.Errorf("close subscriber: %w", err)
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
