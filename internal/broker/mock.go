package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Steps accepted by MockServer.Fail.
const (
	StepDial     = "dial"
	StepChannel  = "channel"
	StepExchange = "exchange"
	StepQueue    = "queue"
	StepBind     = "bind"
	StepQos      = "qos"
	StepConsume  = "consume"
	StepPublish  = "publish"
	StepPurge    = "purge"
)

// Call is a recorded invocation on a mock channel or connection.
type Call struct {
	Method string
	Args   []interface{}
}

// PublishedMessage captures mock publish calls for assertions.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
	Time       time.Time
}

type mockExchange struct {
	kind    string
	durable bool
}

type mockMessage struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type mockConsumer struct {
	tag     string
	queue   string
	autoAck bool
	ch      *MockChannel
	out     chan amqp.Delivery
}

type mockQueue struct {
	name      string
	exclusive bool
	ready     []mockMessage
	consumers []*mockConsumer
	next      int
}

type unackedMessage struct {
	queue string
	msg   mockMessage
}

// MockServer is an in-memory broker for tests. It implements Dialer, routes
// messages through direct, topic and fanout exchanges, and hands each queued
// message to exactly one consumer, round-robin, within the consumer
// channel's prefetch limit.
type MockServer struct {
	mu        sync.Mutex
	exchanges map[string]mockExchange
	queues    map[string]*mockQueue
	bindings  map[string]map[string][]string // exchange -> binding key -> queues
	failures  map[string]error
	dials     []string
	conns     []*MockConnection
	published []PublishedMessage
	calls     []Call
	seq       int
}

// NewMockServer constructs an empty in-memory broker.
func NewMockServer() *MockServer {
	return &MockServer{
		exchanges: map[string]mockExchange{},
		queues:    map[string]*mockQueue{},
		bindings:  map[string]map[string][]string{},
		failures:  map[string]error{},
	}
}

// Fail makes every later call for step return err. A nil err clears it.
func (s *MockServer) Fail(step string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, step)
		return
	}
	s.failures[step] = err
}

// Dial opens a mock connection. It implements Dialer.
func (s *MockServer) Dial(ctx context.Context, url string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials = append(s.dials, url)
	if err := s.failures[StepDial]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &MockConnection{server: s, url: url}
	s.conns = append(s.conns, conn)
	return conn, nil
}

// Dials returns the URLs passed to Dial, in order.
func (s *MockServer) Dials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.dials))
	copy(out, s.dials)
	return out
}

// Connections returns every connection opened so far.
func (s *MockServer) Connections() []*MockConnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*MockConnection, len(s.conns))
	copy(out, s.conns)
	return out
}

// Published returns a snapshot of published messages.
func (s *MockServer) Published() []PublishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PublishedMessage, len(s.published))
	copy(out, s.published)
	return out
}

// Calls returns every recorded channel call with the given method name.
func (s *MockServer) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Exchange reports the declared kind and durability of an exchange.
func (s *MockServer) Exchange(name string) (kind string, durable bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[name]
	return ex.kind, ex.durable, ok
}

// QueueDepth returns the number of ready messages in a queue.
func (s *MockServer) QueueDepth(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Bindings returns the binding keys attached to queue on exchange.
func (s *MockServer) Bindings(exchange, queue string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, queues := range s.bindings[exchange] {
		for _, q := range queues {
			if q == queue {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func (s *MockServer) recordLocked(method string, args ...interface{}) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *MockServer) nextNameLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *MockServer) routeLocked(exchange, key string) ([]string, error) {
	if exchange == "" {
		if _, ok := s.queues[key]; ok {
			return []string{key}, nil
		}
		return nil, nil
	}
	ex, ok := s.exchanges[exchange]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	var targets []string
	for pattern, queues := range s.bindings[exchange] {
		var match bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = topicMatch(pattern, key)
		default:
			match = pattern == key
		}
		if match {
			for _, q := range queues {
				targets = appendUnique(targets, q)
			}
		}
	}
	return targets, nil
}

// dispatchLocked hands ready messages to consumers with spare capacity.
func (s *MockServer) dispatchLocked(q *mockQueue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.pickLocked()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.deliverLocked(msg)
	}
}

func (q *mockQueue) pickLocked() *mockConsumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacityLocked() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *mockQueue) removeConsumerLocked(c *mockConsumer) {
	for idx, candidate := range q.consumers {
		if candidate == c {
			q.consumers = append(q.consumers[:idx], q.consumers[idx+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

func (c *mockConsumer) hasCapacityLocked() bool {
	if len(c.out) >= cap(c.out) {
		return false
	}
	if c.autoAck || c.ch.prefetch == 0 {
		return true
	}
	return len(c.ch.unacked) < c.ch.prefetch
}

func (c *mockConsumer) deliverLocked(msg mockMessage) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.unacked[tag] = unackedMessage{queue: c.queue, msg: msg}
	}

	pub := msg.publishing
	c.out <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            pub.Body,
	}
}

// MockConnection is a connection to a MockServer.
type MockConnection struct {
	server   *MockServer
	url      string
	channels []*MockChannel
	notify   []chan *amqp.Error
	closed   bool
	closes   int
}

// URL returns the address the connection was dialed with.
func (c *MockConnection) URL() string { return c.url }

// Channel opens a new mock channel.
func (c *MockConnection) Channel() (Channel, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := s.failures[StepChannel]; err != nil {
		return nil, err
	}
	ch := &MockChannel{server: s, conn: c, unacked: map[uint64]unackedMessage{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns the channels opened on this connection.
func (c *MockConnection) Channels() []*MockChannel {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	out := make([]*MockChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

// NotifyClose registers a listener for connection shutdown.
func (c *MockConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection and every channel on it.
func (c *MockConnection) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.closes++
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Fail simulates a server initiated close carrying err.
func (c *MockConnection) Fail(err *amqp.Error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if !c.closed {
		c.shutdownLocked(err)
	}
}

// IsClosed reports whether the connection has been shut down.
func (c *MockConnection) IsClosed() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.closed
}

// CloseCalls counts Close invocations, including ones on a closed connection.
func (c *MockConnection) CloseCalls() int {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.closes
}

func (c *MockConnection) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked()
		}
	}
	for _, receiver := range c.notify {
		if err != nil {
			select {
			case receiver <- err:
			default:
			}
		}
		close(receiver)
	}
	c.notify = nil
}

// MockChannel is a channel on a MockConnection. It implements Channel and
// amqp.Acknowledger so deliveries can be acked through either.
type MockChannel struct {
	server    *MockServer
	conn      *MockConnection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]unackedMessage
	consumers []*mockConsumer
	closed    bool
	closes    int
	closeErr  *amqp.Error
}

// CloseError returns the error the broker closed the channel with, or nil
// for a client initiated or connection level close.
func (ch *MockChannel) CloseError() *amqp.Error {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.closeErr
}

// IsClosed reports whether the channel has been closed.
func (ch *MockChannel) IsClosed() bool {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.closed
}

// CloseCalls counts Close invocations on this channel.
func (ch *MockChannel) CloseCalls() int {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.closes
}

// Prefetch returns the last prefetch count set through Qos.
func (ch *MockChannel) Prefetch() int {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.prefetch
}

// Unacked returns the number of outstanding unacknowledged deliveries.
func (ch *MockChannel) Unacked() int {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return len(ch.unacked)
}

func (ch *MockChannel) checkLocked(step string) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	if step == "" {
		return nil
	}
	return ch.server.failures[step]
}

// ExchangeDeclare declares an exchange, failing on a kind mismatch.
func (ch *MockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, _ amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("ExchangeDeclare", name, kind, durable, autoDelete, internal, noWait)
	if err := ch.checkLocked(StepExchange); err != nil {
		return err
	}
	if name == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
	}
	if existing, ok := s.exchanges[name]; ok && (existing.kind != kind || existing.durable != durable) {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
	}
	s.exchanges[name] = mockExchange{kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue, generating a name when none is given.
func (ch *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, _ amqp.Table) (amqp.Queue, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("QueueDeclare", name, durable, autoDelete, exclusive, noWait)
	if err := ch.checkLocked(StepQueue); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		name = s.nextNameLocked("amq.gen")
	}
	q, ok := s.queues[name]
	if !ok {
		q = &mockQueue{name: name, exclusive: exclusive}
		s.queues[name] = q
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind records an exchange routing binding.
func (ch *MockChannel) QueueBind(name, key, exchange string, noWait bool, _ amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("QueueBind", name, key, exchange, noWait)
	if err := ch.checkLocked(StepBind); err != nil {
		return err
	}
	if _, ok := s.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	if _, ok := s.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	if _, ok := s.bindings[exchange]; !ok {
		s.bindings[exchange] = map[string][]string{}
	}
	s.bindings[exchange][key] = appendUnique(s.bindings[exchange][key], name)
	return nil
}

// Qos sets the per-channel prefetch limit.
func (ch *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Qos", prefetchCount, prefetchSize, global)
	if err := ch.checkLocked(StepQos); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume registers a consumer on a queue.
func (ch *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Consume", queue, consumer, autoAck, exclusive, noLocal, noWait)
	if err := ch.checkLocked(StepConsume); err != nil {
		return nil, err
	}
	q, ok := s.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue)}
	}
	if consumer == "" {
		consumer = s.nextNameLocked("ctag")
	}

	c := &mockConsumer{tag: consumer, queue: queue, autoAck: autoAck, ch: ch, out: make(chan amqp.Delivery, 128)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	s.dispatchLocked(q)
	return c.out, nil
}

// PublishWithContext routes msg to the queues bound on exchange.
func (ch *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Publish", exchange, key, mandatory, immediate, msg)
	if err := ch.checkLocked(StepPublish); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	targets, err := s.routeLocked(exchange, key)
	if err != nil {
		return err
	}

	s.published = append(s.published, PublishedMessage{Exchange: exchange, RoutingKey: key, Publishing: msg, Time: time.Now()})
	for _, name := range targets {
		q := s.queues[name]
		q.ready = append(q.ready, mockMessage{exchange: exchange, routingKey: key, publishing: msg})
		s.dispatchLocked(q)
	}
	return nil
}

// Ack acknowledges a delivery made on this channel.
func (ch *MockChannel) Ack(tag uint64, multiple bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Ack", tag, multiple)
	return ch.settleLocked(tag, multiple, false)
}

// Nack negatively acknowledges a delivery, optionally requeueing it.
func (ch *MockChannel) Nack(tag uint64, multiple, requeue bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Nack", tag, multiple, requeue)
	return ch.settleLocked(tag, multiple, requeue)
}

// Reject is Nack for a single delivery.
func (ch *MockChannel) Reject(tag uint64, requeue bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("Reject", tag, requeue)
	return ch.settleLocked(tag, false, requeue)
}

func (ch *MockChannel) settleLocked(tag uint64, multiple, requeue bool) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		// the client call succeeds; the broker then closes the channel
		ch.closeErr = &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		ch.shutdownLocked()
		return nil
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	touched := map[string]bool{}
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		touched[u.queue] = true
		if requeue {
			if q, ok := ch.server.queues[u.queue]; ok {
				u.msg.redelivered = true
				q.ready = append([]mockMessage{u.msg}, q.ready...)
			}
		}
	}
	for name := range touched {
		if q, ok := ch.server.queues[name]; ok {
			ch.server.dispatchLocked(q)
		}
	}
	return nil
}

// QueuePurge drops every ready message in the queue.
func (ch *MockChannel) QueuePurge(name string, noWait bool) (int, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordLocked("QueuePurge", name, noWait)
	if err := ch.checkLocked(StepPurge); err != nil {
		return 0, err
	}
	q, ok := s.queues[name]
	if !ok {
		return 0, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

// Close closes the channel, cancelling its consumers and requeueing
// unacknowledged deliveries.
func (ch *MockChannel) Close() error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	ch.closes++
	s.recordLocked("Close")
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked()
	return nil
}

func (ch *MockChannel) shutdownLocked() {
	ch.closed = true
	s := ch.server

	touched := map[string]*mockQueue{}
	for _, c := range ch.consumers {
		if q, ok := s.queues[c.queue]; ok {
			q.removeConsumerLocked(c)
			touched[c.queue] = q
		}
		close(c.out)
	}
	ch.consumers = nil

	for _, u := range ch.unacked {
		if q, ok := s.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.ready = append([]mockMessage{u.msg}, q.ready...)
			touched[u.queue] = q
		}
	}
	ch.unacked = map[uint64]unackedMessage{}

	for _, q := range touched {
		s.dispatchLocked(q)
	}
}

// topicMatch applies AMQP topic rules: '*' matches one word, '#' zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

// ErrMockFailure is a convenient error for failure injection.
var ErrMockFailure = errors.New("mock broker failure")

var (
	_ Dialer            = (*MockServer)(nil)
	_ Connection        = (*MockConnection)(nil)
	_ Channel           = (*MockChannel)(nil)
	_ amqp.Acknowledger = (*MockChannel)(nil)
)
