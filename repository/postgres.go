package repository

import (
	"babyview-pipeline/entities"
	"context"
	"database/sql"
	"errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type repo struct {
	db *gorm.DB
}

// NewRepo wraps an open postgres connection.
func NewRepo(db *sql.DB, debug bool) (TrackingRepository, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(level),
		},
	)
	if err != nil {
		return nil, err
	}
	return &repo{
		db: gormDB,
	}, nil
}

// Migrate creates or updates the tracking tables.
func Migrate(ctx context.Context, r TrackingRepository) error {
	pg, ok := r.(*repo)
	if !ok {
		return nil
	}
	return pg.GetDB().WithContext(ctx).AutoMigrate(&entities.VideoRow{}, &entities.BlackoutInstruction{})
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) FindVideos(ctx context.Context, filter Predicate) ([]entities.VideoRow, error) {
	q := r.GetDB().WithContext(ctx).Order("unique_video_id ASC")
	if filter != nil {
		clause, args := filter.SQL()
		q = q.Where(clause, args...)
	}

	var rows []entities.VideoRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].RecordID = rows[i].UniqueVideoID
	}
	return rows, nil
}

func (r *repo) GetVideo(ctx context.Context, id string) (entities.VideoRow, error) {
	row := entities.VideoRow{}
	err := r.GetDB().WithContext(ctx).First(&row, "unique_video_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, err
	}
	row.RecordID = row.UniqueVideoID
	return row, nil
}

func (r *repo) UpdateVideo(ctx context.Context, id string, update entities.VideoUpdate) error {
	fields := update.Fields()
	if len(fields) == 0 {
		return nil
	}
	// text columns are non-pointer strings, so a cleared field is stored empty
	for k, v := range fields {
		if v == nil {
			fields[k] = ""
		}
	}
	res := r.GetDB().WithContext(ctx).Model(&entities.VideoRow{}).Where("unique_video_id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) FindBlackoutInstructions(ctx context.Context, ids []string) ([]entities.BlackoutInstruction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []entities.BlackoutInstruction
	err := r.GetDB().WithContext(ctx).Where("id IN ?", ids).Order("start_offset ASC").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) MarkBlackoutProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&entities.BlackoutInstruction{}).Where("id IN ?", ids).Update("processed", true).Error
	})
}
