package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// States reported by the pubsub_state gauge.
var States = []string{"unstarted", "started", "stopped", "closed"}

// Recorder receives lifecycle and traffic events from publishers and
// subscribers.
type Recorder interface {
	Published(exchange string, err error)
	Delivered(queue string)
	Acked(queue string)
	Nacked(queue string)
	Transition(component, name, state string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Published(string, error) {}
func (Nop) Delivered(string) {}
func (Nop) Acked(string) {}
func (Nop) Nacked(string) {}
func (Nop) Transition(string, string, string) {}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	acks       *prometheus.CounterVec
	state      *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pubsub_published_total",
				Help: "Messages handed to the broker by result",
			},
			[]string{"exchange", "result"}, // result: ok|error
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pubsub_deliveries_total",
				Help: "Deliveries passed to subscriber handlers",
			},
			[]string{"queue"},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pubsub_acks_total",
				Help: "Acknowledgements sent by subscribers",
			},
			[]string{"queue", "kind"}, // kind: ack|nack
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pubsub_state",
				Help: "1 for the current lifecycle state of each publisher or subscriber",
			},
			[]string{"component", "name", "state"},
		),
	}

	for _, c := range []prometheus.Collector{p.published, p.deliveries, p.acks, p.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Published(exchange string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.published.WithLabelValues(exchange, result).Inc()
}

func (p *Prometheus) Delivered(queue string) {
	p.deliveries.WithLabelValues(queue).Inc()
}

func (p *Prometheus) Acked(queue string) {
	p.acks.WithLabelValues(queue, "ack").Inc()
}

func (p *Prometheus) Nacked(queue string) {
	p.acks.WithLabelValues(queue, "nack").Inc()
}

func (p *Prometheus) Transition(component, name, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(component, name, s).Set(v)
	}
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Prometheus)(nil)
)
