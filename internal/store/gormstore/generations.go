package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/quickbrushlabs/quickbrush/internal/generation"
	"gorm.io/gorm"
)

// CreateGeneration persists a new generation attempt.
func (store *Store) CreateGeneration(ctx context.Context, record generation.Record) (generation.Record, error) {
	row := Generation{
		UserID:            record.UserID,
		Type:              string(record.Type),
		Quality:           string(record.Quality),
		AspectRatio:       string(record.AspectRatio),
		Description:       record.Description,
		RefinedPrompt:     record.RefinedPrompt,
		Status:            string(record.Status),
		BrushstrokesSpent: record.BrushstrokesSpent,
		ImageData:         record.ImageData,
		Metadata:          datatypesJSON(""),
		CreatedAt:         time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return generation.Record{}, err
	}
	record.GenerationID = row.GenerationID
	return record, nil
}

// UpdateGenerationOutcome finalizes a generation attempt.
func (store *Store) UpdateGenerationOutcome(ctx context.Context, generationID string, status generation.Status, refinedPrompt string, imageData []byte) error {
	result := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("generation_id = ?", generationID).
		Updates(map[string]interface{}{
			"status":         string(status),
			"refined_prompt": refinedPrompt,
			"image_data":     imageData,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return generation.ErrUnknownGeneration
	}
	return nil
}

// GetGeneration returns one generation owned by the user, or nil.
func (store *Store) GetGeneration(ctx context.Context, userID string, generationID string) (*generation.Record, error) {
	var row Generation
	err := store.db.WithContext(ctx).
		Where("generation_id = ? AND user_id = ?", generationID, userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := mapGeneration(row)
	return &record, nil
}

// ListGenerations returns a user's generations, newest first.
func (store *Store) ListGenerations(ctx context.Context, userID string, limit int) ([]generation.Record, error) {
	var rows []Generation
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]generation.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapGeneration(row))
	}
	return records, nil
}

// CountGenerations returns how many generations a user has stored.
func (store *Store) CountGenerations(ctx context.Context, userID string) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return int(count), err
}

// DeleteOldestGenerations drops a user's oldest rows to reclaim image slots.
func (store *Store) DeleteOldestGenerations(ctx context.Context, userID string, count int) error {
	if count <= 0 {
		return nil
	}
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Limit(count).
		Pluck("generation_id", &ids).Error
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return store.db.WithContext(ctx).
		Where("generation_id IN ?", ids).
		Delete(&Generation{}).Error
}

func mapGeneration(row Generation) generation.Record {
	return generation.Record{
		GenerationID:      row.GenerationID,
		UserID:            row.UserID,
		Type:              generation.Type(row.Type),
		Quality:           generation.Quality(row.Quality),
		AspectRatio:       generation.AspectRatio(row.AspectRatio),
		Description:       row.Description,
		RefinedPrompt:     row.RefinedPrompt,
		Status:            generation.Status(row.Status),
		BrushstrokesSpent: row.BrushstrokesSpent,
		ImageData:         row.ImageData,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}
}
