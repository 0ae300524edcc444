// Package schedule provides the recurrence rules of the maintenance tasks:
// fixed intervals, intervals aligned on a daily window, and cron expressions
// given as overrides in the configuration.
package schedule
