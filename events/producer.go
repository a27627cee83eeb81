/*
producer.go - Domain event publishing on RabbitMQ

PURPOSE:
  Implements ledger.Notifier. Every ledger event is published as JSON to a
  durable topic exchange with the event type as routing key, e.g.
  "contribution.recorded" or "loan.overdue". Consumers (email, push) bind
  their own queues.

FAILURE MODEL:
  Publishing is best effort. The ledger logs a failed Notify and moves on;
  the producer itself reopens its channel once per failed publish.

SEE ALSO:
  - ledger/events.go: Event and EventType
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/friendfund/backend/ledger"
)

// DefaultExchange receives every ledger event.
const DefaultExchange = "friendfund.events"

// Publisher is a ledger.Notifier that can be shut down.
type Publisher interface {
	ledger.Notifier
	Close()
}

// EventProducer publishes ledger events to RabbitMQ.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	declared bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *EventProducer) declare() error {
	return p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
}

func (p *EventProducer) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	p.declared = false
	if err := p.declare(); err != nil {
		return err
	}
	p.declared = true
	return nil
}

// Notify implements ledger.Notifier.
func (p *EventProducer) Notify(ctx context.Context, event ledger.Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	routingKey := string(event.Type)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		if err := p.declare(); err != nil {
			log.Printf("level=warn component=events msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", p.exchange, err)
			if err := p.reopen(); err != nil {
				return fmt.Errorf("%w: declare exchange: %v", ledger.ErrUpstreamDegraded, err)
			}
		}
		p.declared = true
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         routingKey,
		Body:         body,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		log.Printf("level=warn component=events msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", p.exchange, routingKey, err)
		if rerr := p.reopen(); rerr != nil {
			return fmt.Errorf("%w: publish %s: %v", ledger.ErrUpstreamDegraded, routingKey, err)
		}
		if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ledger.ErrUpstreamDegraded, routingKey, err)
		}
	}
	return nil
}

// Close gracefully closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Encode is the wire form of an event.
func Encode(event ledger.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return body, nil
}

// Fallback is used when RabbitMQ is not configured or unreachable at
// startup. Events are logged and dropped.
type Fallback struct{}

// Notify implements ledger.Notifier.
func (Fallback) Notify(_ context.Context, event ledger.Event) error {
	log.Printf("level=warn component=events mode=fallback msg=\"publish skipped\" type=%s campaign_id=%s contribution_id=%s",
		event.Type, event.CampaignID, event.ContributionID)
	return nil
}

// Close is a no-op.
func (Fallback) Close() {}

// Connect returns an EventProducer, or the Fallback when amqpURL is empty or
// the broker cannot be reached.
func Connect(amqpURL, exchange string) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		log.Printf("level=info component=events mode=fallback msg=\"RABBITMQ_URL not set; events are logged only\"")
		return Fallback{}
	}
	p, err := NewEventProducer(amqpURL, exchange)
	if err != nil {
		log.Printf("level=warn component=events mode=fallback msg=\"rabbitmq unavailable; events are logged only\" err=%v", err)
		return Fallback{}
	}
	log.Printf("level=info component=events msg=\"publishing to rabbitmq\" exchange=%s", p.exchange)
	return p
}
