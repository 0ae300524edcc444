package purge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// DefaultScanChunk is the idvisit window of one reverse scan query.
const DefaultScanChunk = 100000

// Estimator predicts how many rows a log and report purge would delete.
type Estimator struct {
	common
	db      *gorm.DB
	reports *ReportPurger
	chunk   int64
}

// NewEstimator creates an Estimator. reports may be nil to skip report tables.
func NewEstimator(db *gorm.DB, reports *ReportPurger, opts ...Option) *Estimator {
	return &Estimator{common: newCommon(opts), db: db, reports: reports, chunk: DefaultScanChunk}
}

// WithChunk returns a copy of e scanning chunk ids per query.
func (e *Estimator) WithChunk(chunk int64) *Estimator {
	c := *e
	if chunk > 0 {
		c.chunk = chunk
	}
	return &c
}

// GetPurgeEstimate returns per-table row counts the given settings would delete.
//
// The log estimate counts every row at or below the highest idvisit whose last
// action precedes the cutoff. Visits are not ordered by last action time, so a
// long-running visit with a lower id is counted even though PurgeData keeps it.
// log_action is not estimated.
func (e *Estimator) GetPurgeEstimate(ctx context.Context, s Settings) (map[string]int64, error) {
	out := make(map[string]int64)

	if s.LogsEnabled && s.LogsOlderThanDays > 0 {
		cutoff := Cutoff(e.now(), s.LogsOlderThanDays)
		maxID, err := e.maxVisitBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		if maxID > 0 {
			for _, table := range []string{TableLogVisit, TableLogLinkVisitAction, TableLogConversion, TableLogConversionItem} {
				var n int64
				if err := e.db.WithContext(ctx).Table(table).Where("idvisit <= ?", maxID).Count(&n).Error; err != nil {
					return nil, core.NewStorageError("estimate logs", table, err)
				}
				if n > 0 {
					out[table] = n
				}
			}
		}
	}

	if e.reports != nil && s.ReportsEnabled {
		reports, err := e.reports.estimate(ctx, s)
		if err != nil {
			return nil, err
		}
		for table, n := range reports {
			out[table] += n
		}
	}
	return out, nil
}

// maxVisitBefore scans idvisit windows from the top down and returns the highest
// id whose last action precedes cutoff, or 0 when there is none.
func (e *Estimator) maxVisitBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := e.db.WithContext(ctx)
	var top sql.NullInt64
	if err := db.Table(TableLogVisit).Select("MAX(idvisit)").Row().Scan(&top); err != nil {
		return 0, core.NewStorageError("estimate logs", TableLogVisit, err)
	}
	if !top.Valid {
		return 0, nil
	}

	for hi := top.Int64; hi > 0; hi -= e.chunk {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		lo := hi - e.chunk
		var found sql.NullInt64
		q := fmt.Sprintf("SELECT MAX(idvisit) FROM %s WHERE idvisit > ? AND idvisit <= ? AND visit_last_action_time < ?", TableLogVisit)
		if err := db.Raw(q, lo, hi, cutoff).Row().Scan(&found); err != nil {
			return 0, core.NewStorageError("estimate logs", TableLogVisit, err)
		}
		if found.Valid {
			return found.Int64, nil
		}
	}
	return 0, nil
}
