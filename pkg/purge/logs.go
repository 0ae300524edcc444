package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/security"
)

// Raw log tables keyed by idvisit, dependents first.
const (
	TableLogVisit           = "log_visit"
	TableLogLinkVisitAction = "log_link_visit_action"
	TableLogConversion      = "log_conversion"
	TableLogConversionItem  = "log_conversion_item"
	TableLogAction          = "log_action"
)

var visitDependentTables = []string{TableLogLinkVisitAction, TableLogConversionItem, TableLogConversion}

// ActionTableLocker serializes unused-action cleanup against tracking inserts.
// Lock acquisition failures wrap core.ErrLockTablesForbidden.
type ActionTableLocker interface {
	WithActionTablesLocked(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// DBActionLocker locks the action tables inside a transaction. On PostgreSQL it
// takes an explicit table lock, which requires the LOCK privilege; SQLite
// serializes writers already.
type DBActionLocker struct {
	db *gorm.DB
}

// NewDBActionLocker creates a DBActionLocker.
func NewDBActionLocker(db *gorm.DB) *DBActionLocker {
	return &DBActionLocker{db: db}
}

// WithActionTablesLocked runs fn with the action tables locked.
func (l *DBActionLocker) WithActionTablesLocked(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			stmt := "LOCK TABLE log_action, log_link_visit_action IN SHARE ROW EXCLUSIVE MODE"
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("%w: %v", core.ErrLockTablesForbidden, err)
			}
		}
		return fn(tx)
	})
}

// LogPurger deletes raw visit data past the log retention.
type LogPurger struct {
	common
	db       *gorm.DB
	settings Settings
	locker   ActionTableLocker
}

// NewLogPurger creates a LogPurger. A nil locker disables unused-action cleanup.
func NewLogPurger(db *gorm.DB, settings Settings, locker ActionTableLocker, opts ...Option) *LogPurger {
	return &LogPurger{common: newCommon(opts), db: db, settings: settings, locker: locker}
}

// Cutoff returns the instant before which a visit's last action makes it deletable:
// today's midnight minus olderThanDays.
func Cutoff(now time.Time, olderThanDays int) time.Time {
	return period.Midnight(now).AddDate(0, 0, -olderThanDays)
}

// PurgeData deletes visits whose last action is before the cutoff, batch by batch
// and table by table. A failing table does not stop the others; errors are
// collected in the report.
func (p *LogPurger) PurgeData(ctx context.Context) (*Report, error) {
	r := newReport(KindLogs)
	if !p.settings.LogsEnabled || p.settings.LogsOlderThanDays <= 0 {
		r.Skipped = errors.New("log deletion disabled")
		return r, nil
	}
	cutoff := Cutoff(p.now(), p.settings.LogsOlderThanDays)
	batch := security.ClampBatchSize(p.settings.LogsMaxRowsPerQuery)
	db := p.db.WithContext(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		var ids []int64
		if err := db.Table(TableLogVisit).
			Where("visit_last_action_time < ?", cutoff).
			Order("idvisit ASC").
			Limit(batch).
			Pluck("idvisit", &ids).Error; err != nil {
			r.Errors = append(r.Errors, core.NewStorageError("select visits", TableLogVisit, err))
			break
		}
		if len(ids) == 0 {
			break
		}

		for _, table := range visitDependentTables {
			res := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE idvisit IN ?", table), ids)
			if res.Error != nil {
				r.Errors = append(r.Errors, core.NewStorageError("delete logs", table, res.Error))
				continue
			}
			r.add(table, res.RowsAffected)
		}
		res := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE idvisit IN ?", TableLogVisit), ids)
		if res.Error != nil {
			r.Errors = append(r.Errors, core.NewStorageError("delete logs", TableLogVisit, res.Error))
			break
		}
		r.add(TableLogVisit, res.RowsAffected)
		if len(ids) < batch {
			break
		}
	}

	if p.settings.LogsUnusedActionsEnabled && p.locker != nil {
		p.purgeUnusedActions(ctx, r)
	}

	p.logger.Info("raw log data purged",
		"cutoff", cutoff.Format(period.DateLayout),
		"visits", humanize.Comma(r.Rows[TableLogVisit]),
		"rows", humanize.Comma(r.Total()),
		"errors", len(r.Errors),
	)
	p.notify(ctx, r)
	return r, nil
}

// purgeUnusedActions removes actions no remaining visit references. Missing lock
// privileges degrade to a warning.
func (p *LogPurger) purgeUnusedActions(ctx context.Context, r *Report) {
	err := p.locker.WithActionTablesLocked(ctx, func(tx *gorm.DB) error {
		res := tx.Exec(`DELETE FROM log_action WHERE
	idaction NOT IN (SELECT idaction_url FROM log_link_visit_action WHERE idaction_url IS NOT NULL)
	AND idaction NOT IN (SELECT idaction_name FROM log_link_visit_action WHERE idaction_name IS NOT NULL)`)
		if res.Error != nil {
			return core.NewStorageError("delete unused actions", TableLogAction, res.Error)
		}
		r.add(TableLogAction, res.RowsAffected)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrLockTablesForbidden):
		msg := "unused action cleanup skipped: the database user cannot lock tables"
		r.Warnings = append(r.Warnings, msg)
		p.logger.Warn(msg, "error", err)
	default:
		r.Errors = append(r.Errors, err)
	}
}
