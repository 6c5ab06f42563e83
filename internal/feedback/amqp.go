package feedback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher sends messages to an exchange, routed by queue name
type AMQPPublisher struct {
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher opens a channel on conn and declares the exchange
func NewAMQPPublisher(conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}

	err = ch.ExchangeDeclare(
		exchange,
		"direct",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}

	return &AMQPPublisher{channel: ch, exchange: exchange}, nil
}

// Publish sends msg persistently with the handler class as its type
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	routingKey, publishing, err := envelope(msg)
	if err != nil {
		return err
	}
	return errors.Wrap(p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing), "publish feedback")
}

// envelope routes msg by its queue name and wraps it in a persistent JSON publishing
func envelope(msg Message) (string, amqp.Publishing, error) {
	body, err := json.Marshal(resqueJob{Class: msg.Class, Args: msg.Args})
	if err != nil {
		return "", amqp.Publishing{}, errors.Wrap(err, "marshal feedback")
	}
	return msg.Queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         msg.Class,
		Body:         body,
	}, nil
}

// Close closes the channel
func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
