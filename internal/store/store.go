package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCacheMiss indicates the requested cache key is absent or was swept.
var ErrCacheMiss = errors.New("store: cache miss")

const maxLastErrorLength = 512

// AppendPending persists a new submission and assigns its id. The row is
// durable by the time the call returns; ids are strictly increasing for the
// lifetime of the database.
func (s *Store) AppendPending(ctx context.Context, record *PendingSubmission) (int64, error) {
	record.ID = 0
	record.Attempts = 0
	record.Synced = false
	if record.HeadersJSON == "" {
		record.HeadersJSON = "[]"
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record.ID, nil
}

// ListPending returns all unsynced submissions ordered by ascending id. The
// result is a snapshot; later mutations are not reflected.
func (s *Store) ListPending(ctx context.Context) ([]PendingSubmission, error) {
	var records []PendingSubmission
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

// CountPending reports the number of unsynced submissions.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PendingSubmission{}).
		Where("synced = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// DeletePending removes a submission by id. Deleting an absent id succeeds.
func (s *Store) DeletePending(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&PendingSubmission{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkSynced flags a submission as acknowledged by the server. Synced rows
// are deleted immediately afterwards; the flag only exists so a crash between
// the two writes is recoverable on the next open.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Model(&PendingSubmission{}).
		Where("id = ?", id).
		Update("synced", true).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkTransientFailure records a retryable failure: the attempt counter is
// incremented and the message retained for the operator.
func (s *Store) MarkTransientFailure(ctx context.Context, id int64, message string) error {
	err := s.db.WithContext(ctx).
		Model(&PendingSubmission{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateError(message),
		}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkRejected records a deterministic server rejection. The attempt counter
// is left alone; the row stays until an operator deletes it.
func (s *Store) MarkRejected(ctx context.Context, id int64, message string) error {
	err := s.db.WithContext(ctx).
		Model(&PendingSubmission{}).
		Where("id = ?", id).
		Update("last_error", truncateError(message)).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CachePut stores or replaces a keyed blob with the given timestamp.
func (s *Store) CachePut(ctx context.Context, key string, data []byte, at time.Time) error {
	if key == "" {
		return fmt.Errorf("%w: cache key is required", ErrStoreUnavailable)
	}
	entry := CacheEntry{
		Key:              key,
		Data:             data,
		TimestampSeconds: at.UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "timestamp_s"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CacheGet returns the blob stored under key, or ErrCacheMiss.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, error) {
	var entry CacheEntry
	err := s.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return entry.Data, nil
}

// CacheDelete removes one cache entry. Deleting an absent key succeeds.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Delete(&CacheEntry{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ClearCache drops every cache entry.
func (s *Store) ClearCache(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&CacheEntry{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SweepCache removes entries older than the cutoff and reports how many rows
// were dropped.
func (s *Store) SweepCache(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp_s < ?", olderThan.UTC().Unix()).
		Delete(&CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
	}
	return result.RowsAffected, nil
}

func truncateError(message string) string {
	if len(message) > maxLastErrorLength {
		return message[:maxLastErrorLength]
	}
	return message
}
