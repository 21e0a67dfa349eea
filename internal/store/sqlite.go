package store

import (
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStoreUnavailable indicates the durable store cannot be opened or
// written. Callers must not fall back to in-memory queues; submissions that
// never reach the store would be silently discarded on restart.
var ErrStoreUnavailable = errors.New("store: durable store unavailable")

const migrationBackfillLastError = "2026-01-20_backfill_last_error_default"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// Store wraps the embedded SQLite database holding pending submissions and
// the key-value cache. It is the sole durable container for unsynced work.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open establishes the SQLite connection, performs schema migrations and
// returns the store handle. It is safe to call with an existing database
// file; migrations only add what is missing. Any driver failure is surfaced
// as ErrStoreUnavailable.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStoreUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&PendingSubmission{}, &CacheEntry{}, &migrationRecord{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := purgeCommittedLeftovers(db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.Info("durable store initialized", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLastError, apply: backfillLastErrorDefault},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Databases created before last_error carried a column default may hold NULL
// values there, which breaks scans into the string field.
func backfillLastErrorDefault(db *gorm.DB) error {
	return db.Model(&PendingSubmission{}).
		Where("last_error IS NULL").
		Update("last_error", "").Error
}

// A crash between the synced flag commit and the delete leaves rows that the
// server already acknowledged. They are safe to drop on the next open.
func purgeCommittedLeftovers(db *gorm.DB) error {
	return db.Where("synced = ?", true).Delete(&PendingSubmission{}).Error
}
