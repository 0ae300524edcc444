// Package storage persists the state shared by the archive lifecycle components.
//
// This package includes:
//   - GormStorage: options, purge worklist and remembered invalidations
//   - ArchiveStore: insert-only writes and latest-usable reads of archive rows
//   - Open and ConfigurePool: database connection setup for SQLite and PostgreSQL
//
// Most users should import the root package github.com/jdziat/archive-lifecycle
// which provides NewGormStorage() to create storage instances.
package storage
