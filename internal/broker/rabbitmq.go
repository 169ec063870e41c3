package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandshakeTimeout bounds the AMQP handshake when the dial context has no
// deadline.
const HandshakeTimeout = 30 * time.Second

// RabbitMQConfig defines connection settings applied when dialing.
type RabbitMQConfig struct {
	ConnectionName string
	Heartbeat      time.Duration
	Locale         string
	ChannelMax     int
	FrameSize      int
}

// NewDialer returns a Dialer backed by amqp091-go.
func NewDialer(cfg RabbitMQConfig) Dialer {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	return DialFunc(func(ctx context.Context, url string) (Connection, error) {
		conn, err := amqp.DialConfig(url, amqpConfig(ctx, cfg))
		if err != nil {
			return nil, err
		}
		return &rabbitConnection{conn: conn}, nil
	})
}

func amqpConfig(ctx context.Context, cfg RabbitMQConfig) amqp.Config {
	config := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    cfg.Locale,
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// bounds the AMQP handshake; amqp091 clears it once the connection is open
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(HandshakeTimeout)
			}
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	if cfg.ConnectionName != "" {
		config.Properties = amqp.Table{"connection_name": cfg.ConnectionName}
	}
	if cfg.ChannelMax > 0 {
		config.ChannelMax = uint16(cfg.ChannelMax)
	}
	if cfg.FrameSize > 0 {
		config.FrameSize = cfg.FrameSize
	}
	return config
}

// rabbitConnection narrows *amqp.Connection to the Connection interface.
type rabbitConnection struct {
	conn *amqp.Connection
}

func (c *rabbitConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		// keep the interface nil rather than wrapping a nil *amqp.Channel
		return nil, err
	}
	return ch, nil
}

func (c *rabbitConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *rabbitConnection) Close() error {
	return c.conn.Close()
}

var _ Channel = (*amqp.Channel)(nil)
