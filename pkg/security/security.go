package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// Security limits and configuration
const (
	// MaxTaskNameLength is the maximum length for scheduled task names
	MaxTaskNameLength = 255

	// MaxSegmentLength is the maximum length of a segment definition
	MaxSegmentLength = 8192

	// MaxSitesPerRequest is the hard limit of sites in one invalidation
	MaxSitesPerRequest = 10000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MinBatchSize and MaxBatchSize bound the rows deleted per purge query
	MinBatchSize = 1000
	MaxBatchSize = 1_000_000
)

// validTaskName matches alphanumeric, hyphens, underscores, and dots
var validTaskName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTaskName validates a scheduled task name
func ValidateTaskName(name string) error {
	if name == "" || len(name) > MaxTaskNameLength || !validTaskName.MatchString(name) {
		return core.ErrInvalidTaskName
	}
	return nil
}

// ValidateSiteIDs requires between one and MaxSitesPerRequest positive ids
func ValidateSiteIDs(ids []int) error {
	if len(ids) == 0 {
		return core.ErrNoSites
	}
	if len(ids) > MaxSitesPerRequest {
		return core.ErrInvalidArgument
	}
	for _, id := range ids {
		if id <= 0 {
			return core.ErrInvalidSiteID
		}
	}
	return nil
}

// ValidateSegment checks a segment definition length and content
func ValidateSegment(definition string) error {
	if len(definition) > MaxSegmentLength {
		return core.ErrSegmentTooLong
	}
	if strings.ContainsRune(definition, 0) {
		return core.ErrInvalidArgument
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampBatchSize keeps a purge batch size within limits
func ClampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// UniqueSiteIDs drops duplicate ids keeping the first occurrence order
func UniqueSiteIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
