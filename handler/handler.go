package handler

import (
	"babyview-pipeline/dto"
	"babyview-pipeline/pkg/rabbitmq"
	"babyview-pipeline/repository"
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req dto.RunRequest) (dto.RunSummary, error)
}

type ServiceDependencies struct {
	Pipeline Runner
	// OnFinish receives the summary of every completed run. Optional.
	OnFinish func(dto.RunSummary)
}

// RunRequestHandler decodes a run request and executes it. Malformed requests
// are rejected so they go straight to the dead-letter queue.
func RunRequestHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var req dto.RunRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal run request")
		return errors.Join(rabbitmq.ErrRejected, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("run_id", req.RunId.String()).
		Str("filter_key", req.FilterKey).
		Strs("filter_values", req.FilterValues).
		Bool("dry_run", req.DryRun).
		Msg("received run request")

	summary, err := deps.Pipeline.Run(ctx, req)
	if errors.Is(err, repository.ErrUnknownFilterKey) {
		return errors.Join(rabbitmq.ErrRejected, err)
	}
	if err != nil {
		return err
	}

	if deps.OnFinish != nil {
		deps.OnFinish(summary)
	}
	return nil
}
