package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quotefeed/internal/quote"
)

type cacheRow struct {
	Key      string    `gorm:"primaryKey;column:key"`
	Payload  []byte    `gorm:"column:payload"`
	StoredAt time.Time `gorm:"column:stored_at"`
}

func (cacheRow) TableName() string { return "cache_entries" }

// SQLiteTier is the durable local tier2. Entries carry an explicit stored_at
// instead of a hard expiry; the manager decides staleness. Writes are
// serialized so concurrent refreshes of one key never interleave.
type SQLiteTier struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewSQLiteTier(path string) (*SQLiteTier, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&cacheRow{}); err != nil {
		return nil, err
	}
	return &SQLiteTier{db: db}, nil
}

func (s *SQLiteTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	var row cacheRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var records []quote.Record
	if err := json.Unmarshal(row.Payload, &records); err != nil {
		return Entry{}, false, nil
	}
	return Entry{Key: row.Key, Records: records, StoredAt: row.StoredAt}, true, nil
}

func (s *SQLiteTier) Set(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e.Records)
	if err != nil {
		return err
	}
	row := cacheRow{Key: key, Payload: data, StoredAt: e.StoredAt}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *SQLiteTier) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Delete(&cacheRow{}, "key = ?", key).Error
}

func (s *SQLiteTier) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
