// Package security provides validation, sanitization, and limits for the archive lifecycle.
//
// This package includes:
//   - Input validation for site ids, segment definitions and task names
//   - Error message sanitization before errors are logged or persisted
//   - Clamping functions to enforce safe limits on purge batch sizes
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/archive-lifecycle
// which re-exports these functions.
package security
