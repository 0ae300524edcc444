package purge

import (
	"errors"
	"sort"
)

// Report is the outcome of one purge operation. Expected partial failures are
// collected in Errors instead of aborting the purge.
type Report struct {
	Kind string
	// Rows maps table names to deleted (or, for estimates, matching) rows.
	Rows map[string]int64
	// Skipped is set when the purge did not run, e.g. core.ErrPurgeNotAuthorized.
	Skipped  error
	Warnings []string
	Errors   []error
}

func newReport(kind string) *Report {
	return &Report{Kind: kind, Rows: make(map[string]int64)}
}

func (r *Report) add(table string, n int64) {
	if n > 0 {
		r.Rows[table] += n
	}
}

func (r *Report) merge(o *Report) {
	if o == nil {
		return
	}
	for table, n := range o.Rows {
		r.add(table, n)
	}
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Total sums the rows of every table.
func (r *Report) Total() int64 {
	var n int64
	for _, v := range r.Rows {
		n += v
	}
	return n
}

// Tables lists the touched tables in name order.
func (r *Report) Tables() []string {
	out := make([]string, 0, len(r.Rows))
	for t := range r.Rows {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Err joins the collected errors.
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}
