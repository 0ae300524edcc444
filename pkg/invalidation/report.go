package invalidation

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jdziat/archive-lifecycle/pkg/period"
)

// InvalidateArchivedReports is the admin entry point. dates is a comma separated
// list of days, or a single "start,end" range when periodType is "range".
// Success lines and warnings are returned together; only invalid arguments fail.
func (l *Ledger) InvalidateArchivedReports(ctx context.Context, idSites []int, dates, periodType, segment string, cascadeDown bool) ([]string, error) {
	var list []string
	if kind, err := period.ParseKind(periodType); err == nil && kind == period.Range {
		list = []string{dates}
	} else {
		list = strings.Split(dates, ",")
	}

	res, err := l.Invalidate(ctx, Request{
		SiteIDs:     idSites,
		Dates:       list,
		Period:      periodType,
		Segment:     segment,
		CascadeDown: cascadeDown,
	})
	if err != nil {
		return nil, err
	}
	return res.Lines(), nil
}

// Lines renders the result as human readable log lines.
func (r *Result) Lines() []string {
	lines := []string{fmt.Sprintf("%s entries invalidated", humanize.Comma(int64(r.Invalidated)))}
	if r.AlreadyInvalidated > 0 {
		lines = append(lines, fmt.Sprintf("%s entries were already invalidated", humanize.Comma(int64(r.AlreadyInvalidated))))
	}
	if r.Cascaded > 0 {
		lines = append(lines, fmt.Sprintf("%s containing or contained periods invalidated", humanize.Comma(int64(r.Cascaded))))
	}
	if r.ArchivesMarked > 0 {
		lines = append(lines, fmt.Sprintf("%s archive rows flagged for recomputation", humanize.Comma(r.ArchivesMarked)))
	}
	for _, w := range r.Warnings {
		lines = append(lines, "Warning: "+w)
	}
	return lines
}

// HasWarnings reports whether any date was skipped or flagged.
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0
}
