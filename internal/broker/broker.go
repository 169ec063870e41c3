package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by publishers and subscribers.
// A real *amqp.Channel satisfies it as is.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	QueuePurge(name string, noWait bool) (int, error)
	Close() error
}

// Connection is a broker connection able to open channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialFunc adapts a plain function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Connection, error)

// Dial calls f(ctx, url).
func (f DialFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}
