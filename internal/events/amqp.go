package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type rmqPublisher struct {
	conn     *amqp.Connection
	exchange string
}

// DialAMQP connects, declares a durable topic exchange and returns a
// publisher. Each publish opens its own channel.
func DialAMQP(url, exchange string) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &rmqPublisher{conn: conn, exchange: exchange}, nil
}

// DialAMQPWithRetry retries the initial dial with capped exponential backoff
// until ctx is done.
func DialAMQPWithRetry(ctx context.Context, url, exchange string) (Publisher, error) {
	delay := 500 * time.Millisecond
	for {
		p, err := DialAMQP(url, exchange)
		if err == nil {
			return p, nil
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("amqp dial failed")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	cid := msg.Meta.ID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}
	err = ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.Meta.ID,
		CorrelationId: cid,
		Timestamp:     msg.Meta.Time,
		Type:          msg.Meta.Type,
		Body:          body,
	})
	if err == nil {
		log.Debug().Str("key", key).Str("exchange", r.exchange).Msg("published")
	}
	return err
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}
