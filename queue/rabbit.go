package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// AMQPDialer abstracts the AMQP connection setup for testing.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// AMQPConnection is the subset of the AMQP connection used here.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel is the subset of the AMQP channel used here.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RealAMQPDialer dials a live RabbitMQ server.
type RealAMQPDialer struct{}

// Dial connects to the server at url.
func (d *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct {
	conn *amqp.Connection
}

func (c *realConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *realConnection) Close() error {
	return c.conn.Close()
}

// RabbitMQPublisher publishes execution messages to a durable RabbitMQ
// queue.
type RabbitMQPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewRabbitMQPublisher connects to RabbitMQ, opens a channel, and
// declares the durable queue.
func NewRabbitMQPublisher(url, queueName string) (*RabbitMQPublisher, error) {
	return NewRabbitMQPublisherWithDialer(url, queueName, &RealAMQPDialer{})
}

// NewRabbitMQPublisherWithDialer allows injecting a custom dialer for
// testing.
func NewRabbitMQPublisherWithDialer(url, queueName string, dialer AMQPDialer) (*RabbitMQPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable queue: survives server restarts.
	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitMQPublisher{
		connection: conn,
		channel:    ch,
		queueName:  queueName,
	}, nil
}

// Publish serializes the message to JSON and publishes it persistently.
func (p *RabbitMQPublisher) Publish(message ExecutionMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.channel.Publish(
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	if p.connection != nil {
		if err := p.connection.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}
