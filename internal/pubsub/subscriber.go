package pubsub

import (
	"context"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
)

// Prefetch is the number of unacknowledged deliveries a subscriber accepts
// at once. Competing subscribers on one queue share work message by
// message.
const Prefetch = 1

// Handler is called for every delivery, one at a time. It should Ack or
// Nack the delivery through the Subscriber.
type Handler func(msg amqp.Delivery)

// Subscriber consumes one queue bound to an exchange.
type Subscriber struct {
	cfg SubscriberConfig
	lc  *lifecycle

	queue string // guarded by lc.mu
}

// NewSubscriber validates cfg and applies defaults. It does not contact the
// broker.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Exchange == "" {
		return nil, ErrExchangeMissing
	}
	if cfg.QueueName == "" {
		return nil, ErrQueueMissing
	}
	cfg = applySubscriberDefaults(cfg)

	return &Subscriber{
		cfg: cfg,
		lc: &lifecycle{
			kind:         "subscriber",
			name:         cfg.QueueName,
			url:          cfg.BrokerURL,
			exchange:     cfg.Exchange,
			exchangeKind: cfg.ExchangeKind,
			dialer:       cfg.Dialer,
			observers:    broker.Observers{OnError: cfg.OnError, OnClose: cfg.OnClose},
			log: cfg.Logger.With().
				Str("exchange", cfg.Exchange).
				Str("queue", cfg.QueueName).
				Logger(),
			metrics: cfg.Metrics,
		},
	}, nil
}

// Start connects, declares the exchange and queue, binds every routing key,
// limits prefetch and starts delivering messages to handler.
func (s *Subscriber) Start(ctx context.Context, handler Handler) error {
	var precondition error
	if handler == nil {
		precondition = ErrHandlerMissing
	}

	return s.lc.start(ctx, precondition, func(ch broker.Channel) error {
		q, err := ch.QueueDeclare(s.cfg.QueueName, true, false, false, false, nil)
		if err != nil {
			return err
		}
		s.queue = q.Name

		for _, key := range s.cfg.RoutingKeys {
			if err := ch.QueueBind(q.Name, key, s.cfg.Exchange, false, nil); err != nil {
				return err
			}
		}
		if err := ch.Qos(Prefetch, 0, false); err != nil {
			return err
		}

		tag := q.Name + "-" + uuid.NewString()
		deliveries, err := ch.Consume(q.Name, tag, false, false, false, false, nil)
		if err != nil {
			return err
		}
		s.lc.log.Debug().
			Str("consumer", tag).
			Strs("routing_keys", s.cfg.RoutingKeys).
			Msg("consuming")

		go s.dispatch(q.Name, deliveries, handler)
		return nil
	})
}

// dispatch feeds deliveries to handler until the channel is closed.
func (s *Subscriber) dispatch(queue string, deliveries <-chan amqp.Delivery, handler Handler) {
	for d := range deliveries {
		s.cfg.Metrics.Delivered(queue)
		handler(d)
	}
	s.lc.log.Debug().Msg("delivery stream closed")
}

// Ack acknowledges msg.
func (s *Subscriber) Ack(msg amqp.Delivery) error {
	return s.lc.do("ack", func(ch broker.Channel) error {
		if err := ch.Ack(msg.DeliveryTag, false); err != nil {
			return err
		}
		s.cfg.Metrics.Acked(s.queue)
		return nil
	})
}

// Nack rejects msg and asks the broker to requeue it.
func (s *Subscriber) Nack(msg amqp.Delivery) error {
	return s.lc.do("nack", func(ch broker.Channel) error {
		if err := ch.Nack(msg.DeliveryTag, false, true); err != nil {
			return err
		}
		s.cfg.Metrics.Nacked(s.queue)
		return nil
	})
}

// PurgeQueue discards every ready message in the queue and returns how many
// were dropped.
func (s *Subscriber) PurgeQueue() (int, error) {
	var purged int
	err := s.lc.do("purgeQueue", func(ch broker.Channel) error {
		n, err := ch.QueuePurge(s.queue, false)
		purged = n
		return err
	})
	return purged, err
}

// Stop closes the channel, ending deliveries. The connection stays open.
func (s *Subscriber) Stop() error {
	return s.lc.stop()
}

// Close closes the connection.
func (s *Subscriber) Close() error {
	return s.lc.close()
}

// State reports the current lifecycle state.
func (s *Subscriber) State() State {
	return s.lc.current()
}

// Queue returns the queue name the broker confirmed on the last Start.
func (s *Subscriber) Queue() string {
	s.lc.mu.RLock()
	defer s.lc.mu.RUnlock()
	return s.queue
}
