package repository

import (
	"babyview-pipeline/entities"
	"context"
	"errors"
)

var ErrNotFound = errors.New("tracking record not found")

// TrackingRepository is the per-video tracking table plus its linked
// redaction instructions.
type TrackingRepository interface {
	FindVideos(ctx context.Context, filter Predicate) ([]entities.VideoRow, error)
	GetVideo(ctx context.Context, id string) (entities.VideoRow, error)
	UpdateVideo(ctx context.Context, id string, update entities.VideoUpdate) error
	FindBlackoutInstructions(ctx context.Context, ids []string) ([]entities.BlackoutInstruction, error)
	MarkBlackoutProcessed(ctx context.Context, ids []string) error
}
