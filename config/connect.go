package config

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const connectRetries = uint(5)

// connect retries op with exponential backoff, logging every failed attempt.
func connect[T any](ctx context.Context, name string, op func() (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := op()
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msgf("Failed to connect to %s. Retrying...", name)
		}
		return v, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	v, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(connectRetries))
	if err != nil {
		return v, fmt.Errorf("connect to %s: %w", name, err)
	}

	zerolog.Ctx(ctx).Info().Msgf("Successfully connected to %s", name)
	return v, nil
}

// NewRabbitMQConn dials the broker and closes the connection when ctx ends.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	connAddr := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Pass, cfg.Host, cfg.Port)

	conn, err := connect(ctx, "RabbitMQ", func() (*amqp.Connection, error) {
		return amqp.Dial(connAddr)
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return
		}
		zerolog.Ctx(ctx).Info().Msg("RabbitMQ connection closed")
	}()

	return conn, nil
}

// NewRedisClient opens the lease store and waits until it answers PING.
func NewRedisClient(ctx context.Context, cfg Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	_, err := connect(ctx, "Redis", func() (string, error) {
		return client.Ping(ctx).Result()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
