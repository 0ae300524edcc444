// Package archiver runs the cron archiving loop.
//
// A run walks every active site and builds its units of work: today's day,
// week, month and year, the periods queued in the invalidation ledger, and the
// configured custom ranges, each crossed with the all-visits segment and the
// auto-archived stored segments. Units are computed one at a time through an
// Engine and written as fresh archive rows. A unit failing does not stop the
// run; RunReport.Failed tells whether any did.
//
// Only one process may compute a given (site, period, segment) at a time. With a
// Locker configured the unit lock is taken before computing and a unit held
// elsewhere is skipped.
package archiver
