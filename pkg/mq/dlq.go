package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName receives payloads a handler classified as permanently
// unprocessable. Nothing consumes it automatically; an operator inspects
// and replays or discards.
const DLQExchangeName = "mailsift.dlq"

func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares and binds the capture queue for one routing
// key, named <routingKey>.dlq.
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		fmt.Sprintf("%s.dlq", routingKey),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("bind dlq queue: %w", err)
	}
	return q, nil
}

// PublishToDLQ parks a payload on the dead letter exchange with the
// failure reason and time in the headers for later inspection.
func (p *Publisher) PublishToDLQ(routingKey string, payload []byte, reason string) error {
	return p.channel.Publish(
		DLQExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp091.Persistent,
			Headers: amqp091.Table{
				"x-failure-reason": reason,
				"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
				"x-origin":         "mailsift-worker",
			},
		},
	)
}
