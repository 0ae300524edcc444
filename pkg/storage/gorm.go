package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the database selected by driver.
func Open(driver, dsn string, opts ...PoolOption) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// GormStorage holds the static lifecycle tables using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == DriverSQLite
}

// Migrate creates the necessary tables. Archive partitions are created lazily
// by the partition locator.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.InvalidationEntry{},
		&core.Option{},
		&core.PurgeWorklistItem{},
		&core.RememberedInvalidation{},
		&core.Lock{},
		&core.Site{},
		&core.Segment{},
		&core.LogVisit{},
		&core.LogLinkVisitAction{},
		&core.LogConversion{},
		&core.LogConversionItem{},
		&core.LogAction{},
	)
}

// ──────────────────────────────────────────────────────────────────────────────
// Options
// ──────────────────────────────────────────────────────────────────────────────

// GetOption returns the value of a persisted option.
func (s *GormStorage) GetOption(ctx context.Context, name string) (string, bool, error) {
	var opt core.Option
	err := s.db.WithContext(ctx).First(&opt, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.NewStorageError("get option", name, err)
	}
	return opt.Value, true, nil
}

// SetOption inserts or replaces a persisted option.
func (s *GormStorage) SetOption(ctx context.Context, name, value string) error {
	opt := core.Option{Name: name, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&opt).Error
	return core.NewStorageError("set option", name, err)
}

// DeleteOption removes a persisted option.
func (s *GormStorage) DeleteOption(ctx context.Context, name string) error {
	err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&core.Option{}).Error
	return core.NewStorageError("delete option", name, err)
}

// GetOptionsByPrefix returns every option whose name starts with prefix.
func (s *GormStorage) GetOptionsByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var opts []core.Option
	// LIKE wildcards inside prefix only widen the match; results are re-checked below.
	if err := s.db.WithContext(ctx).Where("name LIKE ?", prefix+"%").Find(&opts).Error; err != nil {
		return nil, core.NewStorageError("list options", prefix, err)
	}
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		if strings.HasPrefix(o.Name, prefix) {
			out[o.Name] = o.Value
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Purge worklist
// ──────────────────────────────────────────────────────────────────────────────

// AddToPurgeWorklist records partitions holding invalidated rows. Duplicates are ignored.
func (s *GormStorage) AddToPurgeWorklist(ctx context.Context, ids ...partition.ID) error {
	if len(ids) == 0 {
		return nil
	}
	items := make([]core.PurgeWorklistItem, 0, len(ids))
	seen := make(map[partition.ID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, core.PurgeWorklistItem{Partition: id.Suffix(), AddedAt: time.Now()})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&items).Error
	return core.NewStorageError("add to purge worklist", "archive_purge_worklist", err)
}

// PurgeWorklist lists the partitions waiting for an invalidated-row purge, oldest first.
// Malformed entries are skipped.
func (s *GormStorage) PurgeWorklist(ctx context.Context) ([]partition.ID, error) {
	var items []core.PurgeWorklistItem
	if err := s.db.WithContext(ctx).Order("partition_id ASC").Find(&items).Error; err != nil {
		return nil, core.NewStorageError("list purge worklist", "archive_purge_worklist", err)
	}
	ids := make([]partition.ID, 0, len(items))
	for _, item := range items {
		id, err := partition.Parse(item.Partition)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveFromPurgeWorklist drops a partition once its purge completed.
func (s *GormStorage) RemoveFromPurgeWorklist(ctx context.Context, id partition.ID) error {
	err := s.db.WithContext(ctx).Where("partition_id = ?", id.Suffix()).Delete(&core.PurgeWorklistItem{}).Error
	return core.NewStorageError("remove from purge worklist", "archive_purge_worklist", err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Remembered invalidations
// ──────────────────────────────────────────────────────────────────────────────

// Remember records that a site received data for an already archived date.
func (s *GormStorage) Remember(ctx context.Context, idSite int, date string) error {
	row := core.RememberedInvalidation{IDSite: idSite, Date: date, CreatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return core.NewStorageError("remember invalidation", "remembered_invalidations", err)
}

// Remembered lists every remembered (site, date) pair.
func (s *GormStorage) Remembered(ctx context.Context) ([]core.RememberedInvalidation, error) {
	var rows []core.RememberedInvalidation
	err := s.db.WithContext(ctx).Order("id_site ASC, date ASC").Find(&rows).Error
	if err != nil {
		return nil, core.NewStorageError("list remembered invalidations", "remembered_invalidations", err)
	}
	return rows, nil
}

// Forget removes remembered pairs after they were converted to invalidations.
func (s *GormStorage) Forget(ctx context.Context, rows []core.RememberedInvalidation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			if err := tx.Where("id_site = ? AND date = ?", r.IDSite, r.Date).
				Delete(&core.RememberedInvalidation{}).Error; err != nil {
				return core.NewStorageError("forget invalidation", "remembered_invalidations", err)
			}
		}
		return nil
	})
}
