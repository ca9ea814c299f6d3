package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Compile-time interface check.
var _ RecordStore = (*SQLStore)(nil)

// notificationRow is the persisted form of models.NotificationRecord.
type notificationRow struct {
	RuleName       string    `gorm:"column:rule_name;primaryKey;size:255"`
	ResourceID     string    `gorm:"column:resource_id;primaryKey;size:1024"`
	LastNotifiedAt time.Time `gorm:"column:last_notified_at;not null"`
}

// TableName implements gorm's tabler interface.
func (notificationRow) TableName() string { return "srl_notification_records" }

// SQLStore is a RecordStore backed by a gorm connection (SQLite or
// PostgreSQL). The table is migrated on construction.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a gorm connection for driver ("sqlite" or "postgres") and
// wraps it in an SQLStore.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(buildSQLiteDSN(dsn))
	default:
		return nil, fmt.Errorf("store: unsupported SQL driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return NewSQLStore(db)
}

// NewSQLStore migrates the records table on db and returns a store using it.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("store: nil gorm connection")
	}
	if err := db.AutoMigrate(&notificationRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Get implements RecordStore.
func (s *SQLStore) Get(ctx context.Context, ruleName, resourceID string) (models.NotificationRecord, bool, error) {
	var row notificationRow
	err := s.db.WithContext(ctx).
		Where("rule_name = ? AND resource_id = ?", ruleName, resourceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NotificationRecord{}, false, nil
	}
	if err != nil {
		return models.NotificationRecord{}, false, fmt.Errorf("store: get: %w", err)
	}
	return row.record(), true, nil
}

// Put implements RecordStore.
func (s *SQLStore) Put(ctx context.Context, rec models.NotificationRecord) error {
	row := notificationRow{
		RuleName:       rec.RuleName,
		ResourceID:     rec.ResourceID,
		LastNotifiedAt: rec.LastNotifiedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_name"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_notified_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Delete implements RecordStore.
func (s *SQLStore) Delete(ctx context.Context, ruleName, resourceID string) error {
	err := s.db.WithContext(ctx).
		Where("rule_name = ? AND resource_id = ?", ruleName, resourceID).
		Delete(&notificationRow{}).Error
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// DeleteRule implements RecordStore.
func (s *SQLStore) DeleteRule(ctx context.Context, ruleName string) error {
	err := s.db.WithContext(ctx).
		Where("rule_name = ?", ruleName).
		Delete(&notificationRow{}).Error
	if err != nil {
		return fmt.Errorf("store: delete rule: %w", err)
	}
	return nil
}

// List implements RecordStore.
func (s *SQLStore) List(ctx context.Context) ([]models.NotificationRecord, error) {
	var rows []notificationRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	out := make([]models.NotificationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// Ping implements RecordStore.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close implements RecordStore.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: sql db: %w", err)
	}
	return sqlDB.Close()
}

func (r notificationRow) record() models.NotificationRecord {
	return models.NotificationRecord{
		RuleName:       r.RuleName,
		ResourceID:     r.ResourceID,
		LastNotifiedAt: r.LastNotifiedAt.UTC(),
	}
}

// buildSQLiteDSN adds a busy timeout and WAL journal to plain file paths.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if strings.Contains(dsn, "mode=memory") || dsn == ":memory:" {
		return dsn
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
