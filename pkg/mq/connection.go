package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange all sync and pipeline events flow
// through. The delayed redelivery queue dead-letters back into it.
const ExchangeName = "mailsift.events"

// NewConnection dials the broker and opens no channels; publisher and
// consumer each manage their own.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the shared topic exchange. Durable so queued
// runs survive a broker restart.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}
