package kitchen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the topic exchange tickets are published to. Kitchen
	// display stations bind per order type: "ticket.dine_in", or
	// "ticket.*" for everything.
	Exchange = "kitchen_topic"

	queueName = "kitchen.q"
)

// AMQPConfig holds the broker connection settings.
type AMQPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// AMQPPublisher publishes tickets to RabbitMQ with persistent delivery.
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to the broker and declares the kitchen topology. The
// declarations are idempotent; every producer and consumer declares on
// startup so ordering between them does not matter.
func DialAMQP(cfg AMQPConfig) (*AMQPPublisher, error) {
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, vhost)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("kitchen: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("kitchen: open channel: %w", err)
	}
	p := &AMQPPublisher{conn: conn, ch: ch}
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) declare() error {
	if err := p.ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("kitchen: declare exchange: %w", err)
	}
	if _, err := p.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("kitchen: declare queue: %w", err)
	}
	if err := p.ch.QueueBind(queueName, "ticket.*", Exchange, false, nil); err != nil {
		return fmt.Errorf("kitchen: bind queue: %w", err)
	}
	return nil
}

// Publish sends the ticket with routing key "ticket.<order_type>".
func (p *AMQPPublisher) Publish(ctx context.Context, t Ticket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("kitchen: encode ticket: %w", err)
	}
	key := "ticket." + string(t.OrderType)
	err = p.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		MessageId:    fmt.Sprintf("%s-r%d", t.CheckID, t.RoundSeq),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("kitchen: publish round %d of check %s: %w", t.RoundSeq, t.CheckID, err)
	}
	return nil
}

// Close shuts the channel and connection down.
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
