package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
)

var nopLogger = zerolog.Nop()

const (
	exchange  = "test"
	queueName = "testQueue"
)

type counts struct {
	published   int
	failed      int
	delivered   int
	acked       int
	nacked      int
	transitions []string
}

// recorder captures metrics calls.
type recorder struct {
	mu sync.Mutex
	c  counts
}

func (r *recorder) Published(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.c.failed++
		return
	}
	r.c.published++
}

func (r *recorder) Delivered(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.delivered++
}

func (r *recorder) Acked(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.acked++
}

func (r *recorder) Nacked(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.nacked++
}

func (r *recorder) Transition(_, _, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.transitions = append(r.c.transitions, state)
}

func (r *recorder) snapshot() counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.c
	out.transitions = append([]string(nil), r.c.transitions...)
	return out
}

func newPublisher(t *testing.T, s *broker.MockServer, cfg PublisherConfig) *Publisher {
	t.Helper()
	if cfg.Exchange == "" {
		cfg.Exchange = exchange
	}
	cfg.Dialer = s
	cfg.Logger = &nopLogger
	p, err := NewPublisher(cfg)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func newSubscriber(t *testing.T, s *broker.MockServer, cfg SubscriberConfig) *Subscriber {
	t.Helper()
	if cfg.Exchange == "" {
		cfg.Exchange = exchange
	}
	if cfg.QueueName == "" {
		cfg.QueueName = queueName
	}
	cfg.Dialer = s
	cfg.Logger = &nopLogger
	sub, err := NewSubscriber(cfg)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	return sub
}

func startPublisher(t *testing.T, p *Publisher) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start publisher: %v", err)
	}
}

func startSubscriber(t *testing.T, s *Subscriber, h Handler) {
	t.Helper()
	if err := s.Start(context.Background(), h); err != nil {
		t.Fatalf("start subscriber: %v", err)
	}
}

// collect returns a handler forwarding deliveries to the returned channel.
func collect() (Handler, <-chan amqp.Delivery) {
	out := make(chan amqp.Delivery, 16)
	return func(msg amqp.Delivery) { out <- msg }, out
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()

	select {
	case d := <-deliveries:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func noop(amqp.Delivery) {}
