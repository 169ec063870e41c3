package pubsub

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/amqp-pubsub/internal/broker"
	"github.com/arosenfeld2003/amqp-pubsub/internal/metrics"
)

// lifecycle owns the connection and channel of one publisher or subscriber
// and sequences start, stop and close through the transition table.
//
// The write lock covers every state change including its broker round
// trips; channel operations hold the read lock.
type lifecycle struct {
	kind         string
	name         string
	url          string
	exchange     string
	exchangeKind string
	dialer       broker.Dialer
	observers    broker.Observers
	log          zerolog.Logger
	metrics      metrics.Recorder

	mu    sync.RWMutex
	state State
	conn  broker.Connection
	ch    broker.Channel
}

// start opens a channel, declares the exchange and runs setup on it.
// A connection kept open by stop is reused; otherwise a new one is dialed.
// Anything opened by a failed start is closed again and the state is left
// as it was.
func (l *lifecycle) start(ctx context.Context, precondition error, setup func(broker.Channel) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	to, err := next(l.state, opStart)
	if err != nil {
		return err
	}
	if precondition != nil {
		return precondition
	}

	if l.conn != nil {
		ch, err := l.conn.Channel()
		switch {
		case err == nil:
			if err := l.declare(ch, setup); err != nil {
				return err
			}
			l.ch = ch
			l.enter(to)
			return nil
		case errors.Is(err, amqp.ErrClosed):
			// the broker dropped the connection while we were stopped
			l.conn = nil
			l.enter(StateClosed)
		default:
			return err
		}
	}

	conn, err := l.dialer.Dial(ctx, l.url)
	if err != nil {
		return err
	}
	broker.Attach(conn, l.observers)

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := l.declare(ch, setup); err != nil {
		_ = conn.Close()
		return err
	}

	l.conn, l.ch = conn, ch
	l.enter(to)
	return nil
}

func (l *lifecycle) declare(ch broker.Channel, setup func(broker.Channel) error) error {
	err := ch.ExchangeDeclare(l.exchange, l.exchangeKind, true, false, false, false, nil)
	if err == nil && setup != nil {
		err = setup(ch)
	}
	if err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

// stop closes the channel and keeps the connection. The state changes even
// when the broker reports an error closing the channel.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	to, err := next(l.state, opStop)
	if err != nil {
		return err
	}
	ch := l.ch
	l.ch = nil
	l.enter(to)
	return ch.Close()
}

// close closes the connection, which also closes any open channel.
func (l *lifecycle) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	to, err := next(l.state, opClose)
	if err != nil {
		return err
	}
	conn := l.conn
	l.conn, l.ch = nil, nil
	l.enter(to)
	return conn.Close()
}

// do runs fn against the open channel, or fails with NOT_STARTED.
func (l *lifecycle) do(op string, fn func(broker.Channel) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state != StateStarted {
		return &StateError{Code: CodeNotStarted, Op: op, State: l.state}
	}
	return fn(l.ch)
}

// channel returns the open channel without holding the lock afterwards, for
// calls that may block on the broker. A concurrent stop or close makes such
// a call fail with amqp.ErrClosed.
func (l *lifecycle) channel(op string) (broker.Channel, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state != StateStarted {
		return nil, &StateError{Code: CodeNotStarted, Op: op, State: l.state}
	}
	return l.ch, nil
}

func (l *lifecycle) current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *lifecycle) enter(to State) {
	from := l.state
	l.state = to
	l.log.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("lifecycle transition")
	l.metrics.Transition(l.kind, l.name, to.String())
}
