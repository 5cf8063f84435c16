// Package service provides functions to publish domain events to RabbitMQ.
// Events are fire-and-forget facts: Publish enqueues and returns at once,
// and a background loop handles broker delivery, so a slow or dead broker
// never extends a redemption or an import response.
package service

import (
	"context"
	"encoding/json"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// publishBuffer caps the number of events waiting for delivery. Volume
// here is a handful of messages per redemption or import, not a stream;
// when the buffer still fills (broker down for long), newest events are
// dropped with a warning rather than blocking callers.
const publishBuffer = 256

// dialTimeout bounds each broker connection attempt.
const dialTimeout = 5 * time.Second

type envelope struct {
	queue string
	body  []byte
}

// Publisher publishes JSON events to named durable queues through the
// default exchange. Delivery runs on an internal goroutine that dials
// per event. Construct with NewPublisher; the zero value is not usable.
type Publisher struct {
	url    string
	log    zerolog.Logger
	events chan envelope
	done   chan struct{}
}

// NewPublisher builds a Publisher and starts its delivery loop. An empty
// url falls back to the RABBITMQ_URL environment variable; deployments
// without a broker should pass a nil Notifier to event producers instead
// of constructing a Publisher.
func NewPublisher(url string, log zerolog.Logger) *Publisher {
	if url == "" {
		url = os.Getenv("RABBITMQ_URL")
	}
	p := &Publisher{
		url:    url,
		log:    log,
		events: make(chan envelope, publishBuffer),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish enqueues one event for the named queue and returns without
// waiting on delivery. Only marshalling can fail; delivery errors are
// logged by the drain loop.
func (p *Publisher) Publish(_ context.Context, queueName string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("queue", queueName).Msg("rabbitmq: marshal event failed")
		return err
	}
	select {
	case p.events <- envelope{queue: queueName, body: body}:
	default:
		p.log.Warn().Str("queue", queueName).Msg("rabbitmq: publish buffer full, event dropped")
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be attempted.
// Publish must not be called after Close.
func (p *Publisher) Close() {
	close(p.events)
	<-p.done
}

func (p *Publisher) drain() {
	defer close(p.done)
	for env := range p.events {
		p.deliver(env)
	}
}

// deliver sends one event. The queue is declared durable (declare is
// idempotent) and messages are marked persistent.
func (p *Publisher) deliver(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*dialTimeout)
	defer cancel()

	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		p.log.Warn().Err(err).Str("queue", env.queue).Msg("rabbitmq: dial failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn().Err(err).Str("queue", env.queue).Msg("rabbitmq: channel open failed")
		return
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		env.queue, // name
		true,      // durable
		false,     // autoDelete
		false,     // exclusive
		false,     // noWait
		nil,       // args
	); err != nil {
		p.log.Warn().Err(err).Str("queue", env.queue).Msg("rabbitmq: queue declare failed")
		return
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         env.body,
	}

	if err := ch.PublishWithContext(ctx,
		"",        // default exchange
		env.queue, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		pub,
	); err != nil {
		p.log.Warn().Err(err).Str("queue", env.queue).Msg("rabbitmq: publish failed")
	}
}
