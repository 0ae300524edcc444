// Package invalidation records which archives are stale and must be recomputed.
//
// Invalidating a period always cascades upward: the week, month and year built
// from a day are queued together with it before Invalidate returns. Downward
// cascade to child periods is opt-in. Entries are idempotent per
// (site, period, segment) while queued.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/security"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// Request describes one invalidation call.
type Request struct {
	SiteIDs []int
	// Dates are YYYY-MM-DD dates, or "start,end" ranges when Period is "range".
	Dates []string
	// Period is day, week, month, year or range. Empty means day.
	Period string
	// Segment is the segment definition; empty invalidates every segment.
	Segment     string
	CascadeDown bool
}

// Result summarises an invalidation. Counts refer to (site, requested period)
// combinations; periods reached only by cascading are counted in Cascaded.
type Result struct {
	Invalidated        int
	AlreadyInvalidated int
	Cascaded           int
	ArchivesMarked     int64
	InvalidDates       []core.DateError
	Warnings           []string
}

func (r *Result) merge(o *Result) {
	r.Invalidated += o.Invalidated
	r.AlreadyInvalidated += o.AlreadyInvalidated
	r.Cascaded += o.Cascaded
	r.ArchivesMarked += o.ArchivesMarked
	r.InvalidDates = append(r.InvalidDates, o.InvalidDates...)
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// Filter narrows Pending.
type Filter struct {
	IDSites []int
	Kinds   []period.Kind
	Limit   int
}

// Ledger is the persistent invalidation queue.
type Ledger struct {
	db       *gorm.DB
	store    *storage.GormStorage
	archives *storage.ArchiveStore

	calendar         period.Calendar
	logRetentionDays int
	logger           *slog.Logger
	now              func() time.Time
	observers        []core.Observer
}

// New creates a Ledger. The archive store is used to flag existing archive rows
// as soon as they are invalidated.
func New(store *storage.GormStorage, archives *storage.ArchiveStore, opts ...Option) *Ledger {
	l := &Ledger{
		db:       store.DB(),
		store:    store,
		archives: archives,
		calendar: period.Default,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.apply(l)
	}
	return l
}

// Calendar returns the calendar used to resolve periods.
func (l *Ledger) Calendar() period.Calendar {
	return l.calendar
}

// DedupKey identifies the logical archive an entry invalidates.
func DedupKey(idSite int, p period.Period, segmentHash string) string {
	return fmt.Sprintf("%d|%s|%s", idSite, p.Key(), segmentHash)
}

type target struct {
	p         period.Period
	requested bool
}

// Invalidate queues the requested periods and their cascade for every site.
// An empty site list or an unknown period type fails fast; unparseable dates
// are reported in the result and skipped.
func (l *Ledger) Invalidate(ctx context.Context, req Request) (*Result, error) {
	if err := security.ValidateSiteIDs(req.SiteIDs); err != nil {
		return nil, err
	}
	if err := security.ValidateSegment(req.Segment); err != nil {
		return nil, err
	}
	kind := period.Day
	if strings.TrimSpace(req.Period) != "" {
		k, err := period.ParseKind(req.Period)
		if err != nil {
			return nil, err
		}
		kind = k
	}

	res := &Result{}
	requested, err := l.resolvePeriods(kind, req.Dates, res)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return res, nil
	}

	targets := expand(requested, req.CascadeDown)
	segment := strings.TrimSpace(req.Segment)
	segmentHash := core.SegmentHash(segment)
	scope := segmentHash
	if segment == "" {
		scope = storage.AnySegment
	}
	siteIDs := security.UniqueSiteIDs(req.SiteIDs)

	for _, idSite := range siteIDs {
		siteRes, err := l.invalidateSite(ctx, idSite, targets, segment, segmentHash, scope, req.CascadeDown)
		if err != nil {
			return res, err
		}
		res.merge(siteRes)
	}

	keys := make([]string, 0, len(requested))
	for _, p := range requested {
		keys = append(keys, p.Key())
	}
	l.logger.Info("archives invalidated",
		"sites", siteIDs,
		"periods", keys,
		"segment", segment,
		"invalidated", res.Invalidated,
		"already_invalidated", res.AlreadyInvalidated,
		"cascaded", res.Cascaded,
		"archives_marked", res.ArchivesMarked,
	)
	core.Notify(ctx, l.observers, &core.ArchivesInvalidated{
		IDSites:   siteIDs,
		Periods:   keys,
		Segment:   segment,
		Entries:   res.Invalidated + res.Cascaded,
		Timestamp: l.now(),
	})
	return res, nil
}

// invalidateSite queues the targets of one site, flags their archive rows and
// records the touched partitions in a single transaction.
func (l *Ledger) invalidateSite(ctx context.Context, idSite int, targets []target, segment, segmentHash, scope string, cascadeDown bool) (*Result, error) {
	res := &Result{}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		archives := l.archives.WithTx(tx)
		var touched []partition.ID
		for _, tg := range targets {
			entry := &core.InvalidationEntry{
				IDSite:      idSite,
				Period:      int(tg.p.Kind()),
				Date1:       tg.p.Date1(),
				Date2:       tg.p.Date2(),
				PeriodKey:   tg.p.Key(),
				Segment:     segment,
				SegmentHash: segmentHash,
				CascadeDown: cascadeDown,
			}
			inserted, err := l.insert(ctx, tx, entry)
			if err != nil {
				return err
			}
			switch {
			case tg.requested && inserted:
				res.Invalidated++
			case tg.requested:
				res.AlreadyInvalidated++
			case inserted:
				res.Cascaded++
			}

			marked, err := archives.MarkInvalidated(ctx, idSite, tg.p, scope)
			if err != nil {
				return err
			}
			if marked > 0 {
				res.ArchivesMarked += marked
				touched = append(touched, partition.For(tg.p))
			}
			if tg.p.Kind() == period.Day {
				ids, err := archives.MarkRangesContaining(ctx, idSite, tg.p.Start(), scope)
				if err != nil {
					return err
				}
				touched = append(touched, ids...)
			}
		}
		return storage.NewGormStorage(tx).AddToPurgeWorklist(ctx, touched...)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolvePeriods parses the request dates into distinct periods.
func (l *Ledger) resolvePeriods(kind period.Kind, dates []string, res *Result) ([]period.Period, error) {
	seen := make(map[string]bool)
	var out []period.Period
	add := func(p period.Period) {
		if !seen[p.Key()] {
			seen[p.Key()] = true
			out = append(out, p)
		}
	}

	cutoff := time.Time{}
	if l.logRetentionDays > 0 {
		cutoff = period.Midnight(l.now()).AddDate(0, 0, -l.logRetentionDays)
	}
	warnOld := func(p period.Period) {
		if !cutoff.IsZero() && p.Start().Before(cutoff) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%s is older than the %d days of raw data kept, its archives cannot be rebuilt", p.String(), l.logRetentionDays))
		}
	}

	for _, raw := range dates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if kind == period.Range {
			r, err := l.calendar.ParseRange(raw)
			if errors.Is(err, core.ErrRangeStartAfterEnd) {
				return nil, err
			}
			if err != nil {
				res.InvalidDates = append(res.InvalidDates, core.DateError{Input: raw, Err: err})
				res.Warnings = append(res.Warnings, fmt.Sprintf("the range %q is not a valid date range and was skipped", raw))
				continue
			}
			warnOld(r)
			for _, d := range r.Days() {
				add(d)
			}
			continue
		}

		d, err := period.ParseDate(raw)
		if err != nil {
			var dateErr *core.DateError
			if errors.As(err, &dateErr) {
				res.InvalidDates = append(res.InvalidDates, *dateErr)
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("the date %q is not a valid date and was skipped", raw))
			continue
		}
		p, err := l.calendar.Normalize(kind, d)
		if err != nil {
			return nil, err
		}
		warnOld(p)
		add(p)
	}
	return out, nil
}

// expand adds the upward cascade and, optionally, the downward cascade.
func expand(requested []period.Period, cascadeDown bool) []target {
	index := make(map[string]int)
	var out []target
	add := func(p period.Period, req bool) {
		if i, ok := index[p.Key()]; ok {
			if req {
				out[i].requested = true
			}
			return
		}
		index[p.Key()] = len(out)
		out = append(out, target{p: p, requested: req})
	}

	for _, p := range requested {
		add(p, true)
	}
	for _, p := range requested {
		for _, parent := range p.Parents() {
			add(parent, false)
		}
		if cascadeDown && p.Kind() != period.Range {
			for _, child := range p.Descendants() {
				add(child, false)
			}
		}
	}
	return out
}

// MarkAsInvalidated inserts an entry unless one for the same key is already queued.
// It reports whether a row was inserted.
func (l *Ledger) MarkAsInvalidated(ctx context.Context, entry *core.InvalidationEntry) (bool, error) {
	return l.insert(ctx, l.db, entry)
}

func (l *Ledger) insert(ctx context.Context, db *gorm.DB, entry *core.InvalidationEntry) (bool, error) {
	p, err := l.entryPeriod(entry)
	if err != nil {
		return false, err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if entry.PeriodKey == "" {
		entry.PeriodKey = p.Key()
	}
	if entry.SegmentHash == "" {
		entry.SegmentHash = core.SegmentHash(entry.Segment)
	}
	entry.Status = core.InvalidationQueued
	key := DedupKey(entry.IDSite, p, entry.SegmentHash)
	entry.DedupKey = &key

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, core.NewStorageError("mark invalidated", "archive_invalidations", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *Ledger) entryPeriod(entry *core.InvalidationEntry) (period.Period, error) {
	kind, err := period.KindFromRank(entry.Period)
	if err != nil {
		return period.Period{}, err
	}
	return l.calendar.FromBounds(kind, entry.Date1, entry.Date2)
}

// Period rebuilds the period of an entry.
func (l *Ledger) Period(entry *core.InvalidationEntry) (period.Period, error) {
	return l.entryPeriod(entry)
}

// Pending lists queued entries ordered by site, period rank (days first) and date.
func (l *Ledger) Pending(ctx context.Context, f Filter) ([]core.InvalidationEntry, error) {
	q := l.db.WithContext(ctx).
		Where("status = ?", core.InvalidationQueued)
	if len(f.IDSites) > 0 {
		q = q.Where("id_site IN ?", f.IDSites)
	}
	if len(f.Kinds) > 0 {
		ranks := make([]int, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			ranks = append(ranks, int(k))
		}
		q = q.Where("period IN ?", ranks)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var entries []core.InvalidationEntry
	if err := q.Order("id_site ASC, period ASC, date1 ASC, segment_hash ASC").Find(&entries).Error; err != nil {
		return nil, core.NewStorageError("list pending", "archive_invalidations", err)
	}
	return entries, nil
}

// Count returns the number of entries in the ledger, queued or in progress.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&core.InvalidationEntry{}).Count(&n).Error; err != nil {
		return 0, core.NewStorageError("count", "archive_invalidations", err)
	}
	return n, nil
}

// Claim moves a queued entry to in progress. It returns false when another
// process claimed it first. A new invalidation of the same key arriving
// afterwards queues a fresh entry.
func (l *Ledger) Claim(ctx context.Context, entry *core.InvalidationEntry) (bool, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&core.InvalidationEntry{}).
		Where("id = ? AND status = ?", entry.ID, core.InvalidationQueued).
		Updates(map[string]any{
			"status":     core.InvalidationInProgress,
			"dedup_key":  nil,
			"ts_started": now,
		})
	if res.Error != nil {
		return false, core.NewStorageError("claim", "archive_invalidations", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	entry.Status = core.InvalidationInProgress
	entry.DedupKey = nil
	entry.StartedAt = &now
	return true, nil
}

// Resolve retires an entry after its archive was recomputed. When the new archive
// is not newer than the invalidation itself the entry is returned to the queue.
// It reports whether the entry was retired.
func (l *Ledger) Resolve(ctx context.Context, entry *core.InvalidationEntry, tsArchived time.Time) (bool, error) {
	if tsArchived.After(entry.CreatedAt) {
		res := l.db.WithContext(ctx).Where("id = ?", entry.ID).Delete(&core.InvalidationEntry{})
		if res.Error != nil {
			return false, core.NewStorageError("resolve", "archive_invalidations", res.Error)
		}
		if res.RowsAffected == 0 {
			return false, core.ErrEntryNotFound
		}
		return true, nil
	}
	return false, l.Requeue(ctx, entry)
}

// Requeue returns a claimed entry to the queue. If the same key was queued again
// meanwhile the claimed entry is dropped in favour of the queued one.
func (l *Ledger) Requeue(ctx context.Context, entry *core.InvalidationEntry) error {
	p, err := l.entryPeriod(entry)
	if err != nil {
		return err
	}
	key := DedupKey(entry.IDSite, p, entry.SegmentHash)

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup int64
		if err := tx.Model(&core.InvalidationEntry{}).
			Where("dedup_key = ? AND id <> ?", key, entry.ID).
			Count(&dup).Error; err != nil {
			return core.NewStorageError("requeue", "archive_invalidations", err)
		}
		if dup > 0 {
			if err := tx.Where("id = ?", entry.ID).Delete(&core.InvalidationEntry{}).Error; err != nil {
				return core.NewStorageError("requeue", "archive_invalidations", err)
			}
			return nil
		}
		res := tx.Model(&core.InvalidationEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":     core.InvalidationQueued,
				"dedup_key":  key,
				"ts_started": nil,
			})
		if res.Error != nil {
			return core.NewStorageError("requeue", "archive_invalidations", res.Error)
		}
		if res.RowsAffected == 0 {
			return core.ErrEntryNotFound
		}
		entry.Status = core.InvalidationQueued
		entry.DedupKey = &key
		entry.StartedAt = nil
		return nil
	})
}

// RequeueStale returns entries stuck in progress for longer than maxAge to the
// queue, recovering from processes that died mid-computation.
func (l *Ledger) RequeueStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	var stale []core.InvalidationEntry
	if err := l.db.WithContext(ctx).
		Where("status = ? AND ts_started < ?", core.InvalidationInProgress, cutoff).
		Find(&stale).Error; err != nil {
		return 0, core.NewStorageError("list stale", "archive_invalidations", err)
	}
	var n int
	for i := range stale {
		err := l.Requeue(ctx, &stale[i])
		if errors.Is(err, core.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		l.logger.Warn("requeued stale invalidations", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// RememberToInvalidate records that tracking received data for an already archived day.
// The day is invalidated on the next call to InvalidateRemembered.
func (l *Ledger) RememberToInvalidate(ctx context.Context, idSite int, date string) error {
	if err := security.ValidateSiteIDs([]int{idSite}); err != nil {
		return err
	}
	d, err := period.ParseDate(date)
	if err != nil {
		return err
	}
	return l.store.Remember(ctx, idSite, d.Format(period.DateLayout))
}

// InvalidateRemembered converts the remembered days into invalidations, site by site.
func (l *Ledger) InvalidateRemembered(ctx context.Context) (*Result, error) {
	rows, err := l.store.Remembered(ctx)
	if err != nil {
		return nil, err
	}
	total := &Result{}
	if len(rows) == 0 {
		return total, nil
	}

	bySite := make(map[int][]core.RememberedInvalidation)
	var order []int
	for _, r := range rows {
		if _, ok := bySite[r.IDSite]; !ok {
			order = append(order, r.IDSite)
		}
		bySite[r.IDSite] = append(bySite[r.IDSite], r)
	}

	for _, idSite := range order {
		batch := bySite[idSite]
		dates := make([]string, 0, len(batch))
		for _, r := range batch {
			dates = append(dates, r.Date)
		}
		res, err := l.Invalidate(ctx, Request{SiteIDs: []int{idSite}, Dates: dates, Period: "day"})
		if err != nil {
			return total, err
		}
		total.merge(res)
		if err := l.store.Forget(ctx, batch); err != nil {
			return total, err
		}
	}
	return total, nil
}
