package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeTopic carries every live event between hub nodes: per-peer
	// routing keys for targeted delivery, the broadcast key for events
	// every connected client should see.
	ExchangeTopic = "sync.topic"

	BroadcastKey = "broadcast"
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	return c.channel.PublishWithContext(ctx,
		ExchangeTopic, // exchange
		routingKey,    // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
}

// PublishToPeer routes an event at one peer's queue, wherever that peer's
// connection lives.
func (c *RabbitMQClient) PublishToPeer(ctx context.Context, peerID string, body interface{}) error {
	return c.Publish(ctx, "peer."+peerID, body)
}

// PublishBroadcast fans an event out to every node's broadcast queue.
func (c *RabbitMQClient) PublishBroadcast(ctx context.Context, body interface{}) error {
	return c.Publish(ctx, BroadcastKey, body)
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ConsumePeerQueue declares and consumes the per-peer queue. The queue is
// transient: x-expires cleans it up once the peer has been gone a while,
// which tolerates brief disconnects without losing routing.
func (c *RabbitMQClient) ConsumePeerQueue(peerID string) (<-chan amqp.Delivery, func(), error) {
	queueName := fmt.Sprintf("peer.%s", peerID)

	args := amqp.Table{
		"x-expires": int32(60000),
	}

	q, err := c.channel.QueueDeclare(
		queueName, // name
		false,     // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,      // arguments
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare peer queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,
		"peer."+peerID, // routing key
		ExchangeTopic,
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind peer queue: %w", err)
	}

	consumerTag := fmt.Sprintf("consumer-%s", peerID)
	msgs, err := c.channel.Consume(
		q.Name,
		consumerTag,
		true,  // auto-ack, deliveries go straight to the WS send buffer
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	cancel := func() {
		c.channel.Cancel(consumerTag, false)
	}

	return msgs, cancel, nil
}

// ConsumeBroadcast binds a private auto-named queue to the broadcast key.
// Each hub node consumes one and forwards deliveries to all of its local
// clients.
func (c *RabbitMQClient) ConsumeBroadcast() (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"",    // name (auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare broadcast queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,
		BroadcastKey,
		ExchangeTopic,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind broadcast queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}
