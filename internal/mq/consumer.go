package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer читает сообщения из durable очереди привязанной к exchange
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewConsumer объявляет очередь queue и привязывает её ко всем keys
func NewConsumer(url, exchange, queue string, keys []string, prefetch int) (*Consumer, error) {
	conn, ch, err := open(url, exchange)
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		closeAll(conn, ch)
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			closeAll(conn, ch)
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			closeAll(conn, ch)
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}

	return &Consumer{conn: conn, ch: ch, queue: q.Name}, nil
}

// Deliveries начинает чтение с ручным подтверждением
func (c *Consumer) Deliveries(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return msgs, nil
}

func (c *Consumer) Close() error {
	return closeAll(c.conn, c.ch)
}
