package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Observers are optional callbacks for connection level notifications.
type Observers struct {
	OnError func(error)
	OnClose func()
}

// Attach registers obs against conn's close notifications. An *amqp.Error
// received from the broker goes to OnError; OnClose runs once the
// notification channel is closed, whether the shutdown was graceful or not.
// Nothing is registered when both callbacks are nil.
func Attach(conn Connection, obs Observers) {
	if conn == nil || (obs.OnError == nil && obs.OnClose == nil) {
		return
	}

	// amqp091 requires a buffered receiver or it may block its reader.
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	if notify == nil {
		return
	}

	go func() {
		for amqpErr := range notify {
			if amqpErr != nil && obs.OnError != nil {
				obs.OnError(amqpErr)
			}
		}
		if obs.OnClose != nil {
			obs.OnClose()
		}
	}()
}
