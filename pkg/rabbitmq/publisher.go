package rabbitmq

import (
	"babyview-pipeline/config"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(ctx context.Context, v any) (string, error)
}

type publisher struct {
	conn *amqp.Connection
	cfg  *config.RabbitMQ
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) Publisher {
	return &publisher{conn: conn, cfg: cfg}
}

// Publish sends v as a persistent JSON message and returns its message id.
func (p *publisher) Publish(ctx context.Context, v any) (string, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return "", err
	}
	defer ch.Close()

	if err := declare(ctx, ch, p.cfg); err != nil {
		return "", err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, p.cfg.ExchangeName, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return "", err
	}

	zerolog.Ctx(ctx).Info().Str("message_id", id).Str("exchange", p.cfg.ExchangeName).Msg("published run request")
	return id, nil
}
