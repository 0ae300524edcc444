package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/invalidation"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/registry"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// Unit reasons.
const (
	ReasonToday       = "today"
	ReasonInvalidated = "invalidated"
	ReasonCustomRange = "custom-range"
	ReasonFinal       = "final"
)

// Skip reasons.
const (
	SkipFresh    = "fresh"
	SkipLocked   = "locked"
	SkipArchived = "archived"
)

// Outcome is what happened to a unit.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// SiteSource lists the sites and segments to archive. registry.GormRegistry
// implements it.
type SiteSource interface {
	ActiveSiteIDs(ctx context.Context) ([]int, error)
	SiteTimezone(ctx context.Context, idSite int) (*time.Location, error)
	AutoArchiveSegments(ctx context.Context, idSite int) ([]registry.Segment, error)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Unit       core.Unit
	Outcome    Outcome
	SkipReason string
	ArchiveID  string
	ArchivedAt time.Time
	Duration   time.Duration
	Err        error
}

// RunReport summarises a cron archive run.
type RunReport struct {
	Started  time.Time
	Duration time.Duration
	Sites    int
	Results  []UnitResult
	// Errors are failures outside of a unit, such as a site whose units
	// could not be listed.
	Errors []error
	// Invalidations created from remembered days at the start of the run.
	Invalidations *invalidation.Result
}

// Count returns the number of units with outcome o.
func (r *RunReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Failures returns the number of failed units plus the failures outside units.
func (r *RunReport) Failures() int {
	return r.Count(OutcomeFailed) + len(r.Errors)
}

// Failed reports whether anything failed. It drives the process exit status.
func (r *RunReport) Failed() bool {
	return r.Failures() > 0
}

// Err joins all failures.
func (r *RunReport) Err() error {
	errs := append([]error(nil), r.Errors...)
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("site %d %s: %w", res.Unit.IDSite, res.Unit.PeriodKey, res.Err))
		}
	}
	return errors.Join(errs...)
}

// CronArchive computes the archives that are missing, outdated or invalidated.
type CronArchive struct {
	store    *storage.GormStorage
	archives *storage.ArchiveStore
	ledger   *invalidation.Ledger
	sites    SiteSource
	engine   Engine

	logger       *slog.Logger
	now          func() time.Time
	locker       Locker
	lockTTL      time.Duration
	ttl          func(period.Kind) time.Duration
	customRanges []string
	claimTimeout time.Duration
	observers    []core.Observer
}

// New creates a CronArchive.
func New(store *storage.GormStorage, archives *storage.ArchiveStore, ledger *invalidation.Ledger, sites SiteSource, engine Engine, opts ...Option) *CronArchive {
	c := &CronArchive{
		store:        store,
		archives:     archives,
		ledger:       ledger,
		sites:        sites,
		engine:       engine,
		logger:       slog.Default(),
		now:          time.Now,
		lockTTL:      30 * time.Minute,
		ttl:          func(period.Kind) time.Duration { return 15 * time.Minute },
		claimTimeout: 6 * time.Hour,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// OnEvent registers an observer after construction.
func (c *CronArchive) OnEvent(fn core.Observer) {
	if fn != nil {
		c.observers = append(c.observers, fn)
	}
}

// LockKey is the distributed lock name of a unit.
func LockKey(idSite int, periodKey, segmentHash string) string {
	return "archive:" + strconv.Itoa(idSite) + ":" + periodKey + ":" + segmentHash
}

// job tracks the units computing one claimed ledger entry.
type job struct {
	entry  *core.InvalidationEntry
	units  int
	done   int
	failed bool
	oldest time.Time
}

type unit struct {
	core.Unit
	period period.Period
	hash   string
	today  bool
	jobs   []*job
}

// Run performs one archiving pass. The error is only set when the run could not
// start; unit failures are reported in the RunReport.
func (c *CronArchive) Run(ctx context.Context) (*RunReport, error) {
	rep := &RunReport{Started: c.now()}
	start := time.Now()

	if _, err := c.ledger.RequeueStale(ctx, c.claimTimeout); err != nil {
		return nil, err
	}
	inv, err := c.ledger.InvalidateRemembered(ctx)
	if err != nil {
		return nil, err
	}
	rep.Invalidations = inv

	siteIDs, err := c.sites.ActiveSiteIDs(ctx)
	if err != nil {
		return nil, err
	}
	rep.Sites = len(siteIDs)
	c.logger.Info("cron archiving started", "sites", len(siteIDs))

	for _, idSite := range siteIDs {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
		c.archiveSite(ctx, idSite, rep)
	}

	rep.Duration = time.Since(start)
	if err := c.store.SetOption(ctx, LastCronRunOption, strconv.FormatInt(c.now().Unix(), 10)); err != nil {
		c.logger.Error("failed to record cron archive run", "error", err)
		rep.Errors = append(rep.Errors, err)
	}

	failed := rep.Failures()
	c.logger.Info("cron archiving finished",
		"sites", rep.Sites,
		"completed", humanize.Comma(int64(rep.Count(OutcomeCompleted))),
		"skipped", humanize.Comma(int64(rep.Count(OutcomeSkipped))),
		"failed", failed,
		"duration", rep.Duration,
	)
	core.Notify(ctx, c.observers, &core.RunCompleted{
		Units:     len(rep.Results),
		Failed:    failed,
		Duration:  rep.Duration,
		Timestamp: c.now(),
	})
	return rep, nil
}

func (c *CronArchive) archiveSite(ctx context.Context, idSite int, rep *RunReport) {
	units, jobs, err := c.unitsFor(ctx, idSite)
	if err != nil {
		c.logger.Error("cannot build archiving units", "site", idSite, "error", err)
		rep.Errors = append(rep.Errors, fmt.Errorf("site %d: %w", idSite, err))
		for _, j := range jobs {
			j.failed = true
			c.settle(ctx, j)
		}
		return
	}
	for _, u := range units {
		res := c.process(ctx, u)
		rep.Results = append(rep.Results, res)
		for _, j := range u.jobs {
			j.record(res)
		}
	}
	for _, j := range jobs {
		c.settle(ctx, j)
	}
}

func (j *job) record(res UnitResult) {
	if res.Outcome != OutcomeCompleted {
		j.failed = true
		return
	}
	j.done++
	if j.oldest.IsZero() || res.ArchivedAt.Before(j.oldest) {
		j.oldest = res.ArchivedAt
	}
}

// settle retires an entry whose units all completed and queues it again otherwise.
func (c *CronArchive) settle(ctx context.Context, j *job) {
	if j.failed || j.done < j.units {
		if err := c.ledger.Requeue(ctx, j.entry); err != nil {
			c.logger.Error("failed to requeue invalidation", "entry", j.entry.ID, "error", err)
		}
		return
	}
	retired, err := c.ledger.Resolve(ctx, j.entry, j.oldest)
	if err != nil {
		c.logger.Error("failed to resolve invalidation", "entry", j.entry.ID, "error", err)
		return
	}
	if !retired {
		c.logger.Info("invalidation arrived during archiving, kept queued", "site", j.entry.IDSite, "period", j.entry.PeriodKey)
	}
}

// unitsFor builds the deduplicated units of a site. A unit that is also
// invalidated bypasses the freshness check. The claimed jobs are returned even
// on error so the caller can queue them again.
func (c *CronArchive) unitsFor(ctx context.Context, idSite int) ([]*unit, []*job, error) {
	loc, err := c.sites.SiteTimezone(ctx, idSite)
	if err != nil {
		return nil, nil, err
	}
	local := c.now().In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	segs, err := c.sites.AutoArchiveSegments(ctx, idSite)
	if err != nil {
		return nil, nil, err
	}
	all := append([]registry.Segment{{Definition: "", Hash: core.SegmentHash("")}}, segs...)
	cal := c.ledger.Calendar()

	var units []*unit
	index := make(map[string]int)
	add := func(u *unit) {
		key := LockKey(u.IDSite, u.PeriodKey, u.hash)
		if i, ok := index[key]; ok {
			if len(u.jobs) > 0 {
				units[i].jobs = append(units[i].jobs, u.jobs...)
				units[i].Reason = ReasonInvalidated
			}
			return
		}
		index[key] = len(units)
		units = append(units, u)
	}
	newUnit := func(p period.Period, seg registry.Segment, reason string) *unit {
		return &unit{
			Unit:   core.Unit{IDSite: idSite, PeriodKey: p.Key(), Segment: seg.Definition, Reason: reason},
			period: p,
			hash:   seg.Hash,
			today:  p.Contains(today),
		}
	}

	kinds := []period.Kind{period.Day, period.Week, period.Month, period.Year}
	for _, kind := range kinds {
		p, err := cal.Normalize(kind, today)
		if err != nil {
			return nil, nil, err
		}
		for _, seg := range all {
			add(newUnit(p, seg, ReasonToday))
		}
	}

	// Periods that ended with yesterday are recomputed once when their latest
	// archive was written while they still included today.
	yesterday := today.AddDate(0, 0, -1)
	for _, kind := range kinds {
		p, err := cal.Normalize(kind, yesterday)
		if err != nil {
			return nil, nil, err
		}
		if p.Contains(today) {
			continue
		}
		for _, seg := range all {
			info, err := c.archives.LatestArchive(ctx, idSite, p, seg.Hash)
			if err != nil {
				return nil, nil, err
			}
			if info != nil && info.Status == core.ArchiveTemporary {
				add(newUnit(p, seg, ReasonFinal))
			}
		}
	}

	for _, raw := range c.customRanges {
		p, err := cal.ResolveRange(raw, today)
		if err != nil {
			c.logger.Warn("ignoring malformed custom range", "range", raw, "error", err)
			continue
		}
		for _, seg := range all {
			add(newUnit(p, seg, ReasonCustomRange))
		}
	}

	pending, err := c.ledger.Pending(ctx, invalidation.Filter{IDSites: []int{idSite}})
	if err != nil {
		return nil, nil, err
	}
	var jobs []*job
	for i := range pending {
		entry := &pending[i]
		p, err := c.ledger.Period(entry)
		if err != nil {
			c.logger.Warn("skipping unreadable invalidation", "entry", entry.ID, "error", err)
			continue
		}
		claimed, err := c.ledger.Claim(ctx, entry)
		if err != nil {
			return nil, jobs, err
		}
		if !claimed {
			continue
		}
		j := &job{entry: entry}
		jobs = append(jobs, j)

		targets := all
		if def := strings.TrimSpace(entry.Segment); def != "" {
			targets = []registry.Segment{{Definition: def, Hash: entry.SegmentHash, IDSite: idSite}}
		}
		for _, seg := range targets {
			u := newUnit(p, seg, ReasonInvalidated)
			u.jobs = []*job{j}
			j.units++
			add(u)
		}
	}
	return units, jobs, nil
}

func (c *CronArchive) process(ctx context.Context, u *unit) UnitResult {
	res := UnitResult{Unit: u.Unit}

	if len(u.jobs) == 0 {
		reason, err := c.skipReason(ctx, u)
		if err != nil {
			return c.fail(ctx, u, res, err)
		}
		if reason != "" {
			return c.skip(ctx, u, res, reason)
		}
	}

	if c.locker != nil {
		lease, err := c.locker.TryLock(ctx, LockKey(u.IDSite, u.PeriodKey, u.hash), c.lockTTL)
		if errors.Is(err, core.ErrConcurrencyConflict) {
			return c.skip(ctx, u, res, SkipLocked)
		}
		if err != nil {
			return c.fail(ctx, u, res, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("failed to release unit lock", "key", lease.Key(), "error", err)
			}
		}()
	}

	core.Notify(ctx, c.observers, &core.UnitStarted{Unit: u.Unit, Timestamp: c.now()})
	start := time.Now()
	out, err := c.engine.ComputeArchive(ctx, ComputeRequest{
		IDSite:      u.IDSite,
		Period:      u.period,
		Segment:     u.Segment,
		SegmentHash: u.hash,
	})
	if err == nil && out == nil {
		err = fmt.Errorf("%w: empty result", core.ErrEngine)
	}
	if err != nil {
		res.Duration = time.Since(start)
		return c.fail(ctx, u, res, err)
	}

	status := core.ArchiveValid
	if u.today {
		status = core.ArchiveTemporary
	}
	archivedAt := c.now()
	id, err := c.archives.WriteArchive(ctx, storage.ArchiveWrite{
		IDSite:      u.IDSite,
		Period:      u.period,
		SegmentHash: u.hash,
		Status:      status,
		Numeric:     out.Numeric,
		Blobs:       out.Blobs,
		TsArchived:  archivedAt,
	})
	res.Duration = time.Since(start)
	if err != nil {
		return c.fail(ctx, u, res, err)
	}

	res.Outcome, res.ArchiveID, res.ArchivedAt = OutcomeCompleted, id, archivedAt
	c.logger.Debug("archive computed", "site", u.IDSite, "period", u.PeriodKey, "segment", u.hash, "reason", u.Reason, "duration", res.Duration)
	core.Notify(ctx, c.observers, &core.UnitCompleted{
		Unit:       u.Unit,
		ArchiveID:  id,
		Duration:   res.Duration,
		Timestamp:  c.now(),
		TsArchived: archivedAt,
	})
	return res
}

// skipReason tells why a unit that was not invalidated needs no computation.
// Units including today are fresh while younger than their TTL; ended periods
// are computed until their latest archive is final.
func (c *CronArchive) skipReason(ctx context.Context, u *unit) (string, error) {
	info, err := c.archives.LatestArchive(ctx, u.IDSite, u.period, u.hash)
	if err != nil || info == nil {
		return "", err
	}
	if !u.today {
		if info.Status == core.ArchiveTemporary {
			return "", nil
		}
		return SkipArchived, nil
	}
	if c.now().Sub(info.TsArchived) < c.ttl(u.period.Kind()) {
		return SkipFresh, nil
	}
	return "", nil
}

func (c *CronArchive) skip(ctx context.Context, u *unit, res UnitResult, reason string) UnitResult {
	res.Outcome, res.SkipReason = OutcomeSkipped, reason
	core.Notify(ctx, c.observers, &core.UnitSkipped{Unit: u.Unit, Reason: reason, Timestamp: c.now()})
	return res
}

func (c *CronArchive) fail(ctx context.Context, u *unit, res UnitResult, err error) UnitResult {
	res.Outcome, res.Err = OutcomeFailed, err
	c.logger.Error("archiving failed", "site", u.IDSite, "period", u.PeriodKey, "segment", u.hash, "error", err)
	core.Notify(ctx, c.observers, &core.UnitFailed{Unit: u.Unit, Error: err, Timestamp: c.now()})
	return res
}
