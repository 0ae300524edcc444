package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// DBLocker takes locks by inserting rows into archive_locks. Expired rows are
// reclaimed by the next caller.
type DBLocker struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBLocker creates a DBLocker. A nil clock uses time.Now.
func NewDBLocker(db *gorm.DB, now func() time.Time) *DBLocker {
	if now == nil {
		now = time.Now
	}
	return &DBLocker{db: db, now: now}
}

// TryLock acquires key for ttl or returns core.ErrConcurrencyConflict.
func (l *DBLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", core.ErrInvalidArgument)
	}
	now := l.now()
	row := core.Lock{Key: key, Token: uuid.New().String(), ExpiresAt: now.Add(ttl).UnixMilli()}

	var acquired bool
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lock_key = ? AND expires_at < ?", key, now.UnixMilli()).Delete(&core.Lock{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, core.NewStorageError("acquire lock", core.Lock{}.TableName(), err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", core.ErrConcurrencyConflict, key)
	}
	return &dbLease{l: l, key: key, token: row.Token}, nil
}

type dbLease struct {
	l     *DBLocker
	key   string
	token string
}

func (d *dbLease) Key() string { return d.key }

func (d *dbLease) Release(ctx context.Context) error {
	res := d.l.db.WithContext(ctx).Where("lock_key = ? AND token = ?", d.key, d.token).Delete(&core.Lock{})
	if res.Error != nil {
		return core.NewStorageError("release lock", core.Lock{}.TableName(), res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrLockNotHeld
	}
	return nil
}

func (d *dbLease) Refresh(ctx context.Context, ttl time.Duration) error {
	now := d.l.now()
	res := d.l.db.WithContext(ctx).Model(&core.Lock{}).
		Where("lock_key = ? AND token = ? AND expires_at >= ?", d.key, d.token, now.UnixMilli()).
		Update("expires_at", now.Add(ttl).UnixMilli())
	if res.Error != nil {
		return core.NewStorageError("refresh lock", core.Lock{}.TableName(), res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrLockNotHeld
	}
	return nil
}
