// Package core provides the fundamental types shared by the archive lifecycle packages.
//
// This package contains:
//   - Archive row models stored in the monthly archive partitions
//   - Invalidation ledger, purge worklist and option models with GORM annotations
//   - Raw log table models consumed by the log data purger
//   - Sentinel errors and error kinds
//   - Event types emitted by the orchestrator, ledger and purgers
//
// Most users should import the root package github.com/jdziat/archive-lifecycle
// instead of this package directly.
package core
