// Package lock provides core.Locker implementations backed by Redis and by the
// archive_locks table of the relational store.
//
// Both hand out leases identified by a random token: only the holder of the
// token can release or refresh a lease, and an expired lease may be taken over
// by another process.
package lock
