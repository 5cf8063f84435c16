// Package queue also contains the background consumer that listens to
// the engine's event queues and writes structured lines to
// logs/audit.log. It is the built-in audit collaborator; external
// notification tooling can bind to the same queues independently.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var auditQueues = []string{InvitationRedeemedQueue, ProvisioningFailedQueue, ImportCompletedQueue}

// StartAuditConsumer connects to RabbitMQ, declares the engine's event
// queues (durable), and starts consuming messages from all of them.
// Each message is appended to logs/audit.log as one line. The function
// runs a reconnect loop and never returns under normal operation;
// processing errors are logged and the offending message rejected so
// the consumer keeps running.
func StartAuditConsumer(url string, log zerolog.Logger) error {
	if url == "" {
		return errors.New("audit consumer: broker url is empty")
	}

	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("audit consumer: dial broker failed")
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := consumeLoop(conn, log); err != nil {
			log.Warn().Err(err).Msg("audit consumer: consume loop ended, reconnecting")
			time.Sleep(2 * time.Second)
			continue
		}
	}
}

func consumeLoop(conn *amqp.Connection, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn().Err(err).Msg("audit consumer: set QoS failed")
	}

	deliveries := make(chan amqp.Delivery)
	for _, name := range auditQueues {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		// Publishes go through the default exchange, so RoutingKey
		// already carries the queue name downstream.
		go func(in <-chan amqp.Delivery) {
			for d := range in {
				deliveries <- d
			}
		}(msgs)
	}

	for d := range deliveries {
		if err := appendAuditLine(d.RoutingKey, d.Body); err != nil {
			log.Warn().Err(err).Str("queue", d.RoutingKey).Msg("audit consumer: handle message failed")
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func appendAuditLine(queueName string, body []byte) error {
	// Re-marshal compactly so multi-line payloads stay one line each.
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	compact, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	fpath := filepath.Join("logs", "audit.log")
	f, err := os.OpenFile(fpath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s | %s\n",
		time.Now().UTC().Format(time.RFC3339), strings.ToUpper(queueName), compact)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
