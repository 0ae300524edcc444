package purge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
)

// ReportPurger applies the report retention policy to old partitions.
type ReportPurger struct {
	common
	db       *gorm.DB
	locator  *partition.Locator
	settings Settings
}

// NewReportPurger creates a ReportPurger.
func NewReportPurger(db *gorm.DB, locator *partition.Locator, settings Settings, opts ...Option) *ReportPurger {
	return &ReportPurger{common: newCommon(opts), db: db, locator: locator, settings: settings}
}

// BasicMetrics are the numeric records kept with KeepBasicMetrics, along with
// the done flag of each archive.
var BasicMetrics = []string{
	"nb_visits",
	"nb_uniq_visitors",
	"nb_users",
	"nb_actions",
	"max_actions",
	"sum_visit_length",
	"bounce_count",
	"nb_visits_converted",
	"nb_conversions",
	"revenue",
}

// reportScope is a table and the WHERE clause matching its purgeable rows.
type reportScope struct {
	table string
	where string
	args  []any
}

// scopes builds the purge scopes for every partition older than the retention.
// Only rows of non-kept period kinds match; with KeepBasicMetrics the numeric
// rows named in BasicMetrics survive.
func (p *ReportPurger) scopes(ctx context.Context, s Settings) ([]reportScope, error) {
	if !s.ReportsEnabled || s.ReportsOlderThanMonths <= 0 {
		return nil, nil
	}
	ranks := s.purgedRanks()
	if len(ranks) == 0 {
		return nil, nil
	}

	ids, err := p.locator.ListExisting(ctx)
	if err != nil {
		return nil, err
	}
	limit := partition.ForDate(p.now()).AddMonths(-s.ReportsOlderThanMonths)

	conds := []string{"period IN ?"}
	args := []any{ranks}
	if s.KeepSegmentReports {
		conds = append(conds, "segment_hash = ''")
	}
	blobWhere := strings.Join(conds, " AND ")
	numericWhere, numericArgs := blobWhere, args
	if s.KeepBasicMetrics {
		numericWhere += " AND name NOT IN ?"
		numericArgs = []any{ranks, append([]string{core.DoneRecordName}, BasicMetrics...)}
	}

	var out []reportScope
	for _, id := range ids {
		if id.IsLegacy() || !id.Before(limit) {
			continue
		}
		out = append(out,
			reportScope{table: id.BlobTable(), where: blobWhere, args: args},
			reportScope{table: id.NumericTable(), where: numericWhere, args: numericArgs},
		)
	}
	return out, nil
}

// PurgeReports deletes old reports according to the configured settings.
func (p *ReportPurger) PurgeReports(ctx context.Context) (*Report, error) {
	return p.purge(ctx, p.settings)
}

func (p *ReportPurger) purge(ctx context.Context, s Settings) (*Report, error) {
	r := newReport(KindReports)
	if !s.ReportsEnabled {
		r.Skipped = errors.New("report deletion disabled")
		return r, nil
	}
	scopes, err := p.scopes(ctx, s)
	if err != nil {
		return r, err
	}
	for _, sc := range scopes {
		res := p.db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", sc.table, sc.where), sc.args...)
		if res.Error != nil {
			r.Errors = append(r.Errors, core.NewStorageError("purge reports", sc.table, res.Error))
			continue
		}
		r.add(sc.table, res.RowsAffected)
	}
	if r.Total() > 0 {
		p.logger.Info("old reports purged", "rows", r.Total(), "tables", len(r.Rows))
	}
	p.notify(ctx, r)
	return r, nil
}

// EstimateReports counts the rows PurgeReports would delete.
func (p *ReportPurger) EstimateReports(ctx context.Context) (map[string]int64, error) {
	return p.estimate(ctx, p.settings)
}

func (p *ReportPurger) estimate(ctx context.Context, s Settings) (map[string]int64, error) {
	out := make(map[string]int64)
	scopes, err := p.scopes(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, sc := range scopes {
		var n int64
		if err := p.db.WithContext(ctx).Table(sc.table).Where(sc.where, sc.args...).Count(&n).Error; err != nil {
			return out, core.NewStorageError("estimate reports", sc.table, err)
		}
		if n > 0 {
			out[sc.table] = n
		}
	}
	return out, nil
}
