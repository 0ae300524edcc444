// Package scheduler runs registered maintenance tasks when their schedule says
// they are due.
//
// This package includes:
//   - Runner: registry of tasks and the RunScheduledTasks entry point
//   - Task: a named unit of work with a schedule and a priority tier
//   - Last-run bookkeeping persisted in the options table
//   - Retry with backoff for the bookkeeping writes
//
// A Runner is meant to be invoked from a periodic trigger (the cron archive run,
// a system cron entry or Runner.Start). Runs in concurrent processes are
// serialized with an optional core.Locker.
package scheduler
