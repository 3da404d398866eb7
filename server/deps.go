package server

import (
	"babyview-pipeline/config"
	"babyview-pipeline/pkg/command"
	"babyview-pipeline/pkg/databrary"
	"babyview-pipeline/pkg/drive"
	"babyview-pipeline/pkg/lease"
	"babyview-pipeline/pkg/storage"
	"babyview-pipeline/repository"
	"babyview-pipeline/service"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Deps holds the clients shared by every command. Archive is nil when
// archive uploads are disabled.
type Deps struct {
	Tracking  repository.TrackingRepository
	Store     storage.ObjectStorage
	Gateway   drive.Gateway
	Archive   databrary.Uploader
	Lease     lease.Lease
	Processor *service.Processor
}

func NewDeps(ctx context.Context, cfg *config.Config) (*Deps, error) {
	tracking, err := newTracking(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}

	store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	files, err := drive.NewFiles(ctx, cfg.Drive.CredentialsFile, cfg.Drive.DriveID)
	if err != nil {
		return nil, fmt.Errorf("drive: %w", err)
	}
	gateway := drive.NewGateway(files, drive.Roots{Main: cfg.Drive.MainRootID, Bing: cfg.Drive.BingRootID})

	leases := lease.Noop()
	if cfg.Redis.Addr != "" {
		client, err := config.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		leases = lease.NewRedis(client, cfg.Redis.LeaseTTL)
	} else {
		zerolog.Ctx(ctx).Warn().Msg("redis not configured, record leases disabled")
	}

	d := &Deps{
		Tracking:  tracking,
		Store:     store,
		Gateway:   gateway,
		Lease:     leases,
		Processor: NewProcessor(cfg, tracking),
	}
	if cfg.Databrary.Enabled {
		d.Archive = databrary.New(databrary.Config{
			TokenURL:     cfg.Databrary.TokenURL,
			SessionsURL:  cfg.Databrary.SessionsURL,
			InitiateURL:  cfg.Databrary.InitiateURL,
			ClientID:     cfg.Databrary.ClientID,
			ClientSecret: cfg.Databrary.ClientSecret,
			UserAgent:    cfg.Databrary.UserAgent,
			TokenFile:    cfg.Databrary.TokenFile,
			MainVolume:   cfg.Databrary.MainVolume,
			BingVolume:   cfg.Databrary.BingVolume,
		})
	}
	return d, nil
}

// NewProcessor builds the local file processor. marker may be nil for
// commands that never redact.
func NewProcessor(cfg *config.Config, marker service.BlackoutMarker) *service.Processor {
	return service.NewProcessor(command.Exec{}, service.ProcessorConfig{
		FFmpegBin:      cfg.Tools.FFmpeg,
		FFprobeBin:     cfg.Tools.FFprobe,
		GPMFParserBin:  cfg.Tools.GPMFParser,
		NVENC:          cfg.Tools.NVENC,
		ChannelTimeout: cfg.Tools.ChannelTimeout,
	}, marker)
}

func (d *Deps) Pipeline(cfg *config.Config) *service.Pipeline {
	return service.NewPipeline(d.Tracking, d.Store, d.Gateway, d.Processor, d.Archive, d.Lease, service.PipelineConfig{
		RawRoot:       cfg.Paths.RawRoot,
		ProcessedRoot: cfg.Paths.ProcessedRoot,
		LockDir:       cfg.Paths.LockDir,
		LogsBucket:    cfg.Storage.LogsBucket,
		Location:      cfg.Location(),
	})
}

func (d *Deps) Maintenance(cfg *config.Config) *service.Maintenance {
	return service.NewMaintenance(d.Tracking, d.Store, d.Gateway, d.Archive, service.MaintenanceConfig{
		BackfillRoot: cfg.Paths.BackfillRoot,
		LogsBucket:   cfg.Storage.LogsBucket,
		Location:     cfg.Location(),
	})
}

func newTracking(ctx context.Context, cfg *config.Config) (repository.TrackingRepository, error) {
	switch cfg.Tracking.Backend {
	case config.TrackingPostgres:
		repo, err := repository.NewRepo(cfg.DB, cfg.Tracking.Debug)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, repo); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo, nil
	case config.TrackingAirtable:
		token, err := repository.LoadAirtableToken(cfg.Tracking.TokenFile)
		if err != nil {
			return nil, err
		}
		return repository.NewAirtable(ctx, repository.AirtableConfig{
			BaseURL:          cfg.Tracking.AirtableURL,
			Token:            token,
			AppID:            cfg.Tracking.AppID,
			VideoTable:       cfg.Tracking.VideoTable,
			ParticipantTable: cfg.Tracking.ParticipantTable,
			BlackoutTable:    cfg.Tracking.BlackoutTable,
		})
	}
	return nil, fmt.Errorf("unknown tracking backend %q", cfg.Tracking.Backend)
}

func newStorage(ctx context.Context, cfg config.Storage) (storage.ObjectStorage, error) {
	switch cfg.Backend {
	case config.StorageGCS:
		return storage.NewGCS(ctx, storage.GCSConfig{
			ProjectID:       cfg.ProjectID,
			CredentialsFile: cfg.CredentialsFile,
			Location:        cfg.Location,
		})
	case config.StorageMinIO:
		return storage.NewMinIO(storage.MinIOConfig{
			URL:             cfg.MinIO.URL,
			AccessID:        cfg.MinIO.AccessID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			Secure:          cfg.MinIO.Secure,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
