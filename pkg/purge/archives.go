// Package purge deletes expired, invalidated and orphaned archives, old raw
// logs and old reports, and estimates what a purge would remove.
package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// Purge kinds reported in events and metrics.
const (
	KindOutdated        = "outdated"
	KindInvalidated     = "invalidated"
	KindDeletedSites    = "deleted-sites"
	KindDeletedSegments = "deleted-segments"
	KindOrphaned        = "orphaned"
	KindReports         = "reports"
	KindLogs            = "logs"
)

// DeletedSegment is a segment definition removed from the registry.
type DeletedSegment struct {
	Hash string
	// IDSite is 0 when the segment applied to every site.
	IDSite    int
	DeletedAt time.Time
}

// Registry is the read-only view of sites and segments needed for orphan purges.
type Registry interface {
	ActiveSiteIDs(ctx context.Context) ([]int, error)
	DeletedSegments(ctx context.Context) ([]DeletedSegment, error)
}

// Retention configures the archive purger.
type Retention struct {
	// TodayTTL is the age after which temporary archives are outdated.
	TodayTTL time.Duration
	// RangeAfterDays is the age in days after which range archives are deleted.
	RangeAfterDays int
	// InvalidatedSafetyMargin keeps recently invalidated rows around.
	InvalidatedSafetyMargin time.Duration
}

// DefaultRetention returns the shipped defaults.
func DefaultRetention() Retention {
	return Retention{
		TodayTTL:                15 * time.Minute,
		RangeAfterDays:          1,
		InvalidatedSafetyMargin: 2 * time.Hour,
	}
}

// ArchivePurger removes rows that will never be served again.
type ArchivePurger struct {
	common
	db         *gorm.DB
	locator    *partition.Locator
	store      *storage.GormStorage
	authorizer Authorizer
	registry   Registry
	retention  Retention
}

// NewArchivePurger creates an ArchivePurger. authorizer and registry may be nil,
// disabling the authorization check and the orphan purges respectively.
func NewArchivePurger(store *storage.GormStorage, locator *partition.Locator, authorizer Authorizer, registry Registry, retention Retention, opts ...Option) *ArchivePurger {
	return &ArchivePurger{
		common:     newCommon(opts),
		db:         store.DB(),
		locator:    locator,
		store:      store,
		authorizer: authorizer,
		registry:   registry,
		retention:  retention,
	}
}

// usable checks whether a partition may be purged. Legacy partitions are never touched.
func (p *ArchivePurger) usable(ctx context.Context, id partition.ID, r *Report) bool {
	if id.IsLegacy() {
		p.logger.Warn("skipping legacy archive partition", "partition", id.Suffix())
		r.Skipped = core.ErrLegacyPartition
		return false
	}
	return p.locator.Exists(ctx, id)
}

func (p *ArchivePurger) exec(ctx context.Context, r *Report, table, query string, args ...any) error {
	res := p.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return core.NewStorageError("purge "+r.Kind, table, res.Error)
	}
	r.add(table, res.RowsAffected)
	return nil
}

func (p *ArchivePurger) finish(ctx context.Context, r *Report, id partition.ID) *Report {
	if r.Total() > 0 {
		p.logger.Info("archives purged", "kind", r.Kind, "partition", id.Suffix(), "rows", r.Total())
	}
	p.notify(ctx, r)
	return r
}

// maxUTCOffset is the furthest ahead of UTC a site clock can be.
const maxUTCOffset = 14 * time.Hour

// PurgeOutdatedArchives cleans the partition of monthAnchor: rows superseded by a
// newer usable archive of the same key, temporary archives older than the today
// TTL whose period still includes today in every timezone, and range archives
// past their retention. The temporary archive of an ended period is kept until a
// final archive supersedes it. It does nothing when the request
// is not authorized to archive.
func (p *ArchivePurger) PurgeOutdatedArchives(ctx context.Context, monthAnchor time.Time) (*Report, error) {
	r := newReport(KindOutdated)
	if p.authorizer != nil && !p.authorizer.RequestAuthorizedToArchive(ctx) {
		p.logger.Info("purge of outdated archives skipped, archiving not authorized")
		r.Skipped = core.ErrPurgeNotAuthorized
		return r, nil
	}
	id := partition.ForDate(monthAnchor)
	if !p.usable(ctx, id, r) {
		return r, nil
	}

	now := p.now()
	numeric := id.NumericTable()
	tempCutoff := now.Add(-p.retention.TodayTTL).UnixMilli()
	rangeCutoff := now.AddDate(0, 0, -p.retention.RangeAfterDays).UnixMilli()
	latestToday := now.UTC().Add(maxUTCOffset).Format(period.DateLayout)

	for _, table := range id.Tables() {
		superseded := fmt.Sprintf(`DELETE FROM %[1]s WHERE EXISTS (
	SELECT 1 FROM %[2]s newer
	WHERE newer.id_site = %[1]s.id_site
	AND newer.period_key = %[1]s.period_key
	AND newer.segment_hash = %[1]s.segment_hash
	AND newer.name = ?
	AND newer.status IN ?
	AND newer.ts_archived > %[1]s.ts_archived
)`, table, numeric)
		if err := p.exec(ctx, r, table, superseded, core.DoneRecordName, core.UsableStatuses); err != nil {
			return r, err
		}

		temporary := fmt.Sprintf("DELETE FROM %s WHERE status = ? AND ts_archived < ? AND date2 >= ?", table)
		if err := p.exec(ctx, r, table, temporary, core.ArchiveTemporary, tempCutoff, latestToday); err != nil {
			return r, err
		}

		if p.retention.RangeAfterDays > 0 {
			ranges := fmt.Sprintf("DELETE FROM %s WHERE period = ? AND ts_archived < ?", table)
			if err := p.exec(ctx, r, table, ranges, int(period.Range), rangeCutoff); err != nil {
				return r, err
			}
		}
	}
	return p.finish(ctx, r, id), nil
}

// PurgeInvalidatedArchivesFrom deletes invalidated rows of the partition of date
// that are older than the safety margin.
func (p *ArchivePurger) PurgeInvalidatedArchivesFrom(ctx context.Context, date time.Time) (*Report, error) {
	r := newReport(KindInvalidated)
	id := partition.ForDate(date)
	if !p.usable(ctx, id, r) {
		return r, nil
	}
	cutoff := p.now().Add(-p.retention.InvalidatedSafetyMargin).UnixMilli()
	for _, table := range id.Tables() {
		q := fmt.Sprintf("DELETE FROM %s WHERE status = ? AND ts_archived < ?", table)
		if err := p.exec(ctx, r, table, q, core.ArchiveInvalidated, cutoff); err != nil {
			return r, err
		}
	}
	return p.finish(ctx, r, id), nil
}

// PurgeInvalidatedFromWorklist drains the purge worklist. A partition leaves the
// worklist only once its purge succeeded and no invalidated row remains, so a
// crash mid-drain is retried safely on the next run.
func (p *ArchivePurger) PurgeInvalidatedFromWorklist(ctx context.Context) (*Report, error) {
	total := newReport(KindInvalidated)
	ids, err := p.store.PurgeWorklist(ctx)
	if err != nil {
		return total, err
	}

	for _, id := range ids {
		r, err := p.PurgeInvalidatedArchivesFrom(ctx, id.Start())
		total.merge(r)
		if err != nil {
			total.Errors = append(total.Errors, err)
			p.logger.Error("purge of invalidated archives failed", "partition", id.Suffix(), "error", err)
			continue
		}

		if r.Skipped == nil && p.locator.Exists(ctx, id) {
			remaining, err := p.countStatus(ctx, id, core.ArchiveInvalidated)
			if err != nil {
				total.Errors = append(total.Errors, err)
				continue
			}
			if remaining > 0 {
				continue
			}
		}
		if err := p.store.RemoveFromPurgeWorklist(ctx, id); err != nil {
			total.Errors = append(total.Errors, err)
		}
	}
	return total, nil
}

func (p *ArchivePurger) countStatus(ctx context.Context, id partition.ID, status core.ArchiveStatus) (int64, error) {
	var total int64
	for _, table := range id.Tables() {
		var n int64
		if err := p.db.WithContext(ctx).Table(table).Where("status = ?", status).Count(&n).Error; err != nil {
			return 0, core.NewStorageError("count", table, err)
		}
		total += n
	}
	return total, nil
}

// PurgeDeletedSiteArchives removes rows of sites missing from the registry.
// An empty active site list is treated as a registry failure and nothing is deleted.
func (p *ArchivePurger) PurgeDeletedSiteArchives(ctx context.Context, monthAnchor time.Time) (*Report, error) {
	r := newReport(KindDeletedSites)
	if p.registry == nil {
		return r, nil
	}
	id := partition.ForDate(monthAnchor)
	if !p.usable(ctx, id, r) {
		return r, nil
	}
	active, err := p.registry.ActiveSiteIDs(ctx)
	if err != nil {
		return r, err
	}
	if len(active) == 0 {
		r.Warnings = append(r.Warnings, "no active sites found, deleted site purge skipped")
		return r, nil
	}
	for _, table := range id.Tables() {
		q := fmt.Sprintf("DELETE FROM %s WHERE id_site NOT IN ?", table)
		if err := p.exec(ctx, r, table, q, active); err != nil {
			return r, err
		}
	}
	return p.finish(ctx, r, id), nil
}

// PurgeDeletedSegmentArchives removes rows of deleted segments archived before
// the deletion. A segment re-created with the same definition keeps its new rows.
func (p *ArchivePurger) PurgeDeletedSegmentArchives(ctx context.Context, monthAnchor time.Time, deleted []DeletedSegment) (*Report, error) {
	r := newReport(KindDeletedSegments)
	id := partition.ForDate(monthAnchor)
	if len(deleted) == 0 || !p.usable(ctx, id, r) {
		return r, nil
	}
	for _, seg := range deleted {
		if seg.Hash == "" {
			continue
		}
		for _, table := range id.Tables() {
			q := fmt.Sprintf("DELETE FROM %s WHERE segment_hash = ? AND ts_archived <= ?", table)
			args := []any{seg.Hash, seg.DeletedAt.UnixMilli()}
			if seg.IDSite > 0 {
				q += " AND id_site = ?"
				args = append(args, seg.IDSite)
			}
			if err := p.exec(ctx, r, table, q, args...); err != nil {
				return r, err
			}
		}
	}
	return p.finish(ctx, r, id), nil
}

// PurgeOrphanedArchives runs the deleted site and deleted segment purges over
// every partition. Failures are collected per partition.
func (p *ArchivePurger) PurgeOrphanedArchives(ctx context.Context) (*Report, error) {
	total := newReport(KindOrphaned)
	if p.registry == nil {
		return total, nil
	}
	ids, err := p.locator.ListExisting(ctx)
	if err != nil {
		return total, err
	}
	deleted, err := p.registry.DeletedSegments(ctx)
	if err != nil {
		return total, err
	}

	for _, id := range ids {
		if id.IsLegacy() {
			continue
		}
		sites, err := p.PurgeDeletedSiteArchives(ctx, id.Start())
		total.merge(sites)
		if err != nil {
			total.Errors = append(total.Errors, err)
		}
		segments, err := p.PurgeDeletedSegmentArchives(ctx, id.Start(), deleted)
		total.merge(segments)
		if err != nil {
			total.Errors = append(total.Errors, err)
		}
	}
	if len(total.Errors) > 0 {
		return total, errors.Join(total.Errors...)
	}
	return total, nil
}
